// Package telemetry provides the "ngsw:"-prefixed structured diagnostic log
// lines emitted during dispatch and lifecycle transitions, adapted from the
// teacher's pkg/middleware/logging.go structured-JSON-over-stdlib-log
// approach and its uuid-based correlation ID generation.
//
// Design Notes:
//   - Uses standard log package for compatibility, like the teacher
//   - Correlation IDs (google/uuid) tie a dispatch's diagnostic trail back to
//     the deployment or fetch that produced it
//   - Log level: Info for normal transitions, Warn for suppressed fallback
//     loops and cascade exhaustion, Error for lifecycle failures
package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const correlationIDKey contextKey = "ngsw-correlation-id"

// NewCorrelationID generates a fresh correlation ID for one fetch dispatch
// or lifecycle transition.
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID attaches id to ctx so nested Logger calls can tag their
// output without threading the ID through every function signature.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext retrieves the correlation ID, or "" if none was
// attached.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// Logger emits ngsw: diagnostic lines. The zero value is ready to use.
type Logger struct{}

// Dispatch logs the instruction trail produced by one dispatch.Engine.Resolve
// call: the request URL, whether it was served, and the ordered Describe()
// tags that were actually executed.
func (Logger) Dispatch(ctx context.Context, url string, served bool, trail []string) {
	level := "INFO"
	if !served {
		level = "WARN"
	}
	emit(level, "ngsw: dispatch", map[string]interface{}{
		"correlation_id": CorrelationIDFromContext(ctx),
		"url":            url,
		"served":         served,
		"trail":          trail,
	})
}

// FallbackLoop logs a suppressed self-referential fallback rule.
func (Logger) FallbackLoop(ctx context.Context, group, prefix, url string) {
	emit("WARN", "ngsw: fallback loop suppressed", map[string]interface{}{
		"correlation_id": CorrelationIDFromContext(ctx),
		"group":          group,
		"prefix":         prefix,
		"url":            url,
	})
}

// LifecycleTransition logs an install/activate state-machine transition.
func (Logger) LifecycleTransition(ctx context.Context, from, to, digest string) {
	emit("INFO", "ngsw: lifecycle transition", map[string]interface{}{
		"correlation_id": CorrelationIDFromContext(ctx),
		"from":           from,
		"to":             to,
		"digest":         digest,
	})
}

// LifecycleError logs a failed install or activate attempt.
func (Logger) LifecycleError(ctx context.Context, stage string, err error) {
	emit("ERROR", "ngsw: lifecycle error", map[string]interface{}{
		"correlation_id": CorrelationIDFromContext(ctx),
		"stage":          stage,
		"error":          err.Error(),
	})
}

// CacheSwept logs one cache name removed during orphan GC on activate or by
// lifecycle.Controller.SweepOrphans.
func (Logger) CacheSwept(ctx context.Context, cacheName string) {
	emit("INFO", "ngsw: cache swept", map[string]interface{}{
		"correlation_id": CorrelationIDFromContext(ctx),
		"cache_name":     cacheName,
	})
}

func emit(level, message string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"message":   message,
	}
	for k, v := range fields {
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ERROR] ngsw: failed to marshal log entry: %v", err)
		return
	}
	log.Printf("[%s] %s", level, string(data))
}
