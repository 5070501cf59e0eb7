package models

import "time"

// DeploymentRecord is one row of the append-only deployment audit log,
// written by controlplane.Deploy and read back by controlplane.AuditLog.
type DeploymentRecord struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id"`   // correlation ID for tracing
	Digest      string    `json:"digest"`        // manifest content digest
	Changed     bool      `json:"changed"`       // whether the manifest text differed from the active one
	GroupsAdded int       `json:"groups_added"`  // count of url additions across all groups
	GroupsRemoved int     `json:"groups_removed"`
	Outcome     string    `json:"outcome"` // "activated", "install_failed", "activate_failed"
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	LatencyMs   int64     `json:"latency_ms"`
}
