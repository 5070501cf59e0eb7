// Package models provides wire types shared between the lifecycle controller
// and the control-plane admin API.
//
// Design Philosophy:
// - Plain exported structs, JSON-tagged for the Encore API layer
// - No behavior beyond small derived-field helpers
package models

import "time"

// MetricsSnapshot is a point-in-time snapshot of dispatch counters, served by
// controlplane.Metrics. lifecycle.Metrics.Snapshot does not fill CacheMisses
// or NetworkTimeouts; they stay zero.
type MetricsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	CacheHits       uint64 `json:"cache_hits"`
	CacheMisses     uint64 `json:"cache_misses"`
	FallbackServed  uint64 `json:"fallback_served"`
	NetworkServed   uint64 `json:"network_served"`
	NetworkTimeouts uint64 `json:"network_timeouts"`
	Unresolved      uint64 `json:"unresolved"` // cascade exhausted with no response

	Installs      uint64 `json:"installs"`
	Activations   uint64 `json:"activations"`
	InstallErrors uint64 `json:"install_errors"`
}

// TotalDispatches returns the number of fetch dispatches this snapshot covers.
func (m MetricsSnapshot) TotalDispatches() uint64 {
	return m.CacheHits + m.FallbackServed + m.NetworkServed + m.Unresolved
}

// HitRate returns the fraction of dispatches served directly from cache.
func (m MetricsSnapshot) HitRate() float64 {
	total := m.TotalDispatches()
	if total == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(total)
}
