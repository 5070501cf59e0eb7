package controlplane

import (
	"context"

	"encore.dev/cron"
)

// orphanSweep runs lifecycle.Controller.SweepOrphans on a schedule,
// grounded on the teacher's warming/cron.go cron.NewJob wiring
// (DailyWarmup/HourlyRefresh pattern) retargeted from warm-cache scheduling
// to orphaned-cache reclamation.
var _ = cron.NewJob("orphan-cache-sweep", cron.JobConfig{
	Title:    "Orphaned Cache Sweep",
	Schedule: "*/30 * * * *", // every 30 minutes
	Endpoint: SweepOrphanCaches,
})

// SweepOrphanCaches deletes any cache left behind by a deployment that
// didn't complete its activate cleanup — e.g. a process restart between
// Install's prefetch and the next Activate. Ordinary deployments already
// sweep orphans as part of Activate; this job is the backstop for when no
// further deployment comes along to trigger that cleanup.
//
//encore:api private
func SweepOrphanCaches(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	svc.controller.SweepOrphans(ctx)
	return nil
}
