// Package controlplane is the operational surface wired around the
// lifecycle/dispatch core: an admin API to trigger deployments, inspect
// lifecycle state, simulate one fetch over HTTP, read dispatch metrics, and
// browse the deployment audit trail. Grounded on the teacher's
// invalidation/service.go (Encore service shape, Service struct holding an
// audit logger + metrics, global svc bootstrap via init) and
// cache-manager/service.go (the HTTP-facing wrapper around an in-process
// engine).
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"encore.app/cachestore"
	"encore.app/fetcher"
	"encore.app/lifecycle"
	"encore.app/pkg/middleware"
	"encore.app/pkg/models"
	"encore.app/pkg/telemetry"
	"encore.app/request"
)

// auditLoggerInterface lets tests substitute an in-memory recorder for the
// Postgres-backed AuditLogger, the way the teacher's invalidation package
// tests swap in a MockAuditLogger behind AuditLoggerInterface.
type auditLoggerInterface interface {
	Insert(ctx context.Context, record models.DeploymentRecord) error
	GetRecent(ctx context.Context, limit, offset int) ([]models.DeploymentRecord, error)
	GetCount(ctx context.Context) (int, error)
}

//encore:service
type Service struct {
	controller  *lifecycle.Controller
	auditLogger auditLoggerInterface
	limiter     *middleware.TokenBucket
}

func initService() (*Service, error) {
	auditLogger, err := NewAuditLogger(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	controller := lifecycle.NewController(
		cachestore.NewMemStore(),
		fetcher.NewHTTPFetcher(),
		lifecycle.DefaultConfig(),
	)

	return &Service{
		controller:  controller,
		auditLogger: auditLogger,
		limiter:     middleware.NewTokenBucket(20, 40), // 20 admin calls/sec, burst 40
	}, nil
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize controlplane service: %v", err))
	}
}

// DeployRequest carries the raw manifest text for one deployment.
type DeployRequest struct {
	ManifestText string `json:"manifest_text"`
}

// DeployResponse summarizes the install+activate cycle just run.
type DeployResponse struct {
	Digest        string `json:"digest"`
	Changed       bool   `json:"changed"`
	GroupsAdded   int    `json:"groups_added"`
	GroupsRemoved int    `json:"groups_removed"`
	RequestID     string `json:"request_id"`
}

// Deploy installs and activates a new manifest in one call: it diffs against
// the active manifest, prefetches every added URL, stages the result under
// ngsw.installing, sweeps caches orphaned by the transition, then promotes
// the staged manifest to ngsw.active. The whole sequence is recorded as one
// audit log row.
//
//encore:api public method=POST path=/deploy
func Deploy(ctx context.Context, req *DeployRequest) (*DeployResponse, error) {
	if svc == nil {
		return nil, errors.New("controlplane: service not initialized")
	}
	return svc.Deploy(ctx, req)
}

func (s *Service) Deploy(ctx context.Context, req *DeployRequest) (*DeployResponse, error) {
	if !s.limiter.Allow("deploy") {
		return nil, errors.New("controlplane: deploy rate limit exceeded")
	}

	start := time.Now()
	requestID := telemetry.NewCorrelationID()
	ctx = telemetry.WithCorrelationID(ctx, requestID)

	result, err := s.controller.Install(ctx, req.ManifestText)
	if err != nil {
		s.recordAudit(ctx, requestID, "", false, 0, 0, "install_failed", err, start)
		return nil, fmt.Errorf("controlplane: install failed: %w", err)
	}

	if err := s.controller.Activate(ctx); err != nil {
		s.recordAudit(ctx, requestID, result.Digest, result.Delta.Changed, result.GroupsAdded, result.GroupsRemoved, "activate_failed", err, start)
		return nil, fmt.Errorf("controlplane: activate failed: %w", err)
	}

	s.recordAudit(ctx, requestID, result.Digest, result.Delta.Changed, result.GroupsAdded, result.GroupsRemoved, "activated", nil, start)

	return &DeployResponse{
		Digest:        result.Digest,
		Changed:       result.Delta.Changed,
		GroupsAdded:   result.GroupsAdded,
		GroupsRemoved: result.GroupsRemoved,
		RequestID:     requestID,
	}, nil
}

func (s *Service) recordAudit(ctx context.Context, requestID, digest string, changed bool, added, removed int, outcome string, cause error, start time.Time) {
	record := models.DeploymentRecord{
		RequestID:     requestID,
		Digest:        digest,
		Changed:       changed,
		GroupsAdded:   added,
		GroupsRemoved: removed,
		Outcome:       outcome,
		Timestamp:     time.Now(),
		LatencyMs:     time.Since(start).Milliseconds(),
	}
	if cause != nil {
		record.Error = cause.Error()
	}
	if err := s.auditLogger.Insert(ctx, record); err != nil {
		// Audit failures never fail the deploy itself; they're surfaced only
		// through controlplane's own diagnostics.
		_ = err
	}
}

// StatusResponse reports the lifecycle controller's current state.
type StatusResponse struct {
	State           string   `json:"state"`
	ActiveGroups    []string `json:"active_groups"`
	ActiveCacheName string   `json:"active_cache_name"`
}

// Status reports the controller's current lifecycle state and the cache
// names backing the active manifest's groups.
//
//encore:api public method=GET path=/status
func Status(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errors.New("controlplane: service not initialized")
	}
	return svc.Status(ctx)
}

func (s *Service) Status(ctx context.Context) (*StatusResponse, error) {
	resp := &StatusResponse{
		State:           s.controller.State().String(),
		ActiveCacheName: lifecycle.ActiveCacheName,
	}

	m := s.controller.ActiveManifest()
	if m == nil {
		return resp, nil
	}

	for _, g := range m.Groups() {
		resp.ActiveGroups = append(resp.ActiveGroups, g.CacheName())
	}
	return resp, nil
}

// SimulateRequest describes the one request to run through dispatch.
type SimulateRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// SimulateResponse is the resolved body plus the diagnostic instruction
// trail, exactly as spec.md §8's scenarios assert against.
type SimulateResponse struct {
	Served bool     `json:"served"`
	Body   string   `json:"body,omitempty"`
	Trail  []string `json:"trail"`
}

// Simulate runs one request through the dispatch engine against the
// currently active manifest and reports the resolved body and diagnostic
// trail — the harness used to demonstrate spec.md §8's end-to-end scenarios
// over HTTP without a real browser.
//
//encore:api public method=POST path=/simulate/fetch
func Simulate(ctx context.Context, req *SimulateRequest) (*SimulateResponse, error) {
	if svc == nil {
		return nil, errors.New("controlplane: service not initialized")
	}
	return svc.Simulate(ctx, req)
}

func (s *Service) Simulate(ctx context.Context, req *SimulateRequest) (*SimulateResponse, error) {
	if !s.limiter.Allow("simulate") {
		return nil, errors.New("controlplane: simulate rate limit exceeded")
	}

	method := req.Method
	if method == "" {
		method = "GET"
	}

	resp, trail, err := s.controller.Fetch(ctx, request.New(method, req.URL))
	if err != nil {
		return nil, fmt.Errorf("controlplane: simulate failed: %w", err)
	}
	if resp == nil {
		return &SimulateResponse{Served: false, Trail: trail}, nil
	}
	return &SimulateResponse{Served: true, Body: resp.Text(), Trail: trail}, nil
}

// MetricsResponse wraps a models.MetricsSnapshot for the wire.
type MetricsResponse struct {
	Snapshot models.MetricsSnapshot `json:"snapshot"`
}

// Metrics reports hit/fallback/network/unresolved counters plus
// install/activation counts since process start.
//
//encore:api public method=GET path=/metrics
func Metrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("controlplane: service not initialized")
	}
	return &MetricsResponse{Snapshot: svc.controller.Metrics().Snapshot()}, nil
}

// AuditLogRequest paginates the deployment history.
type AuditLogRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// AuditLogResponse is one page of deployment history.
type AuditLogResponse struct {
	Records    []models.DeploymentRecord `json:"records"`
	TotalCount int                       `json:"total_count"`
	HasMore    bool                      `json:"has_more"`
}

// AuditLog returns a paginated deployment history read from Postgres.
//
//encore:api public method=GET path=/deployments
func AuditLog(ctx context.Context, req *AuditLogRequest) (*AuditLogResponse, error) {
	if svc == nil {
		return nil, errors.New("controlplane: service not initialized")
	}
	return svc.AuditLog(ctx, req)
}

func (s *Service) AuditLog(ctx context.Context, req *AuditLogRequest) (*AuditLogResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	records, err := s.auditLogger.GetRecent(ctx, limit, req.Offset)
	if err != nil {
		return nil, fmt.Errorf("controlplane: audit query failed: %w", err)
	}

	count, err := s.auditLogger.GetCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("controlplane: audit count failed: %w", err)
	}

	return &AuditLogResponse{
		Records:    records,
		TotalCount: count,
		HasMore:    req.Offset+len(records) < count,
	}, nil
}
