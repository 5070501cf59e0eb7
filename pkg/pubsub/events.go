package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove (backward compatible)
// - Consumers should check Version and handle appropriately

const (
	// EventVersion1 is the current event schema version
	EventVersion1 = 1
)

// LifecycleEvent represents one transition of the offline-cache lifecycle
// controller. Published to TopicLifecycleTransition.
//
// Stage values:
//   - "installing": a new manifest began install-time prefetch
//   - "installed": install completed: the prefetched URLs are in their
//     group caches and ngsw.installing now holds the manifest text
//   - "install_failed": install aborted, Error is set
//   - "activated": ngsw.installing was promoted to ngsw.active
//   - "cache_swept": an orphaned cache not backing any current group was
//     deleted during activate's GC pass or a SweepOrphans run
//
// Design notes:
//   - Digest and RequestID enable correlating this event with the
//     pkg/telemetry ngsw: log lines and the controlplane audit log row for
//     the same deployment
type LifecycleEvent struct {
	// Version of the event schema (for backward compatibility)
	Version int `json:"version"`

	// Stage is the transition this event reports.
	Stage string `json:"stage"`

	// Digest is the manifest content digest this transition concerns.
	Digest string `json:"digest"`

	// CacheName is set only for "cache_swept" events: the name of the
	// deleted cache.
	CacheName string `json:"cache_name,omitempty"`

	// GroupsAdded and GroupsRemoved count the URLs added and removed by the
	// manifest diff; lifecycle.Controller sets them only on "installed".
	GroupsAdded   int `json:"groups_added,omitempty"`
	GroupsRemoved int `json:"groups_removed,omitempty"`

	// Error is set only for "install_failed" events.
	Error string `json:"error,omitempty"`

	// Timestamp is when the transition occurred.
	Timestamp time.Time `json:"timestamp"`

	// RequestID correlates this event with a deployment's audit log row and
	// diagnostic trail.
	RequestID string `json:"request_id"`
}

var validStages = map[string]bool{
	"installing":     true,
	"installed":      true,
	"install_failed": true,
	"activated":      true,
	"cache_swept":    true,
}

// Validate checks if the LifecycleEvent is well-formed.
func (e *LifecycleEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}

	if !validStages[e.Stage] {
		return fmt.Errorf("invalid stage: %s", e.Stage)
	}

	if e.Digest == "" {
		return errors.New("digest is required")
	}

	if e.Stage == "install_failed" && e.Error == "" {
		return errors.New("error is required for install_failed events")
	}

	if e.Stage == "cache_swept" && e.CacheName == "" {
		return errors.New("cache_name is required for cache_swept events")
	}

	if e.Timestamp.IsZero() {
		return errors.New("timestamp cannot be zero")
	}

	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}

	return nil
}

// ToJSON serializes the event to JSON.
func (e *LifecycleEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// LifecycleEventFromJSON deserializes a LifecycleEvent from JSON.
func LifecycleEventFromJSON(data []byte) (*LifecycleEvent, error) {
	var e LifecycleEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LifecycleEvent: %w", err)
	}
	return &e, nil
}
