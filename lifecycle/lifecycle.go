// Package lifecycle owns the install / activate / fetch event reactions: it
// drives diff-and-prefetch on install, cache cleanup on activate, and
// dispatch on fetch. Grounded on the teacher's cache-manager/service.go
// (Config/Metrics/bootstrap shape), cache-manager/singleflight.go's
// RequestCoalescer (retargeted from cache reads to deployments) and
// warming/service.go's rate.Limiter origin protection (retargeted from warm
// jobs to install-time prefetch).
//
// There is no literal "host runtime" type here: in a browser a host event
// handler blocks on a promise before the runtime may terminate the worker;
// in Go, a synchronous call to Install/Activate/Fetch blocking until it
// returns realizes the same wait-until contract without a dedicated
// interface.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"encore.app/cachestore"
	"encore.app/dispatch"
	"encore.app/fetcher"
	"encore.app/manifest"
	"encore.app/pkg/models"
	"encore.app/pkg/pubsub"
	"encore.app/pkg/telemetry"
	"encore.app/pkg/utils"
	"encore.app/request"
)

// Reserved identifiers, per spec §6.
const (
	ManifestURL         = "/manifest.appcache"
	ActiveCacheName     = "ngsw.active"
	InstallingCacheName = "ngsw.installing"
)

// State is one node of the lifecycle state machine.
type State int

const (
	Uninitialized State = iota
	Active
	Installing
	Activating
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Installing:
		return "installing"
	case Activating:
		return "activating"
	default:
		return "unknown"
	}
}

// ErrManifestParse wraps a manifest parse failure during install — fatal to
// the install event; the previous active state is preserved.
var ErrManifestParse = errors.New("lifecycle: manifest parse failed")

// ErrOriginUnavailable wraps a prefetch failure during install.
var ErrOriginUnavailable = errors.New("lifecycle: origin unavailable during install")

// ErrNothingToActivate is returned by Activate when no install is pending.
var ErrNothingToActivate = errors.New("lifecycle: no installing manifest to activate")

// Config carries the controller's tunables.
type Config struct {
	MaxOriginRPS      int // prefetch rate limit during install
	DispatchTimeoutMs int // per-instruction network timeout during fetch
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxOriginRPS:      50,
		DispatchTimeoutMs: 3000,
	}
}

// Metrics tracks lifecycle and dispatch counters with atomic counters, in
// the teacher's style (cache-manager/service.go's Metrics struct).
type Metrics struct {
	CacheHits      atomic.Int64
	FallbackServed atomic.Int64
	NetworkServed  atomic.Int64
	Unresolved     atomic.Int64
	Installs       atomic.Int64
	Activations    atomic.Int64
	InstallErrors  atomic.Int64
}

// Snapshot renders the current counters as a wire-ready models.MetricsSnapshot.
func (m *Metrics) Snapshot() models.MetricsSnapshot {
	return models.MetricsSnapshot{
		Timestamp:      time.Now(),
		CacheHits:      uint64(m.CacheHits.Load()),
		FallbackServed: uint64(m.FallbackServed.Load()),
		NetworkServed:  uint64(m.NetworkServed.Load()),
		Unresolved:     uint64(m.Unresolved.Load()),
		Installs:       uint64(m.Installs.Load()),
		Activations:    uint64(m.Activations.Load()),
		InstallErrors:  uint64(m.InstallErrors.Load()),
	}
}

// InstallResult summarizes one Install call for the caller (controlplane's
// audit log, primarily).
type InstallResult struct {
	Digest        string
	Delta         *manifest.Delta
	GroupsAdded   int
	GroupsRemoved int
}

// Controller is the lifecycle state machine: it owns the active/installing
// manifest cells and drives install, activate and fetch against a
// dispatch.Engine.
type Controller struct {
	store   cachestore.Store
	fetcher fetcher.NetworkFetcher
	engine  *dispatch.Engine
	logger  telemetry.Logger

	config Config

	mu         sync.Mutex // guards state and installing
	state      State
	installing *manifest.Manifest

	active atomic.Pointer[manifest.Manifest]

	rateLimiter *rate.Limiter
	deployGroup singleflight.Group

	metrics *Metrics

	// Publish, if set, is called for every lifecycle transition. Wired to
	// DeploymentTopic.Publish by default; callers may replace it.
	Publish func(ctx context.Context, event *pubsub.LifecycleEvent)
}

// NewController constructs a Controller wired to the given cache store and
// network fetcher.
func NewController(store cachestore.Store, netFetcher fetcher.NetworkFetcher, cfg Config) *Controller {
	c := &Controller{
		store:       store,
		fetcher:     netFetcher,
		config:      cfg,
		state:       Uninitialized,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.MaxOriginRPS), cfg.MaxOriginRPS),
		metrics:     &Metrics{},
	}
	c.engine = &dispatch.Engine{
		Store:   store,
		Fetcher: netFetcher,
		OnLoop: func(group, prefix, url string) {
			c.logger.FallbackLoop(context.Background(), group, prefix, url)
		},
		Logger: &c.logger,
	}
	c.Publish = c.publishToTopic
	return c
}

// State reports the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveManifest returns the currently active manifest, or nil if none.
func (c *Controller) ActiveManifest() *manifest.Manifest {
	return c.active.Load()
}

// Metrics exposes the controller's counters for controlplane.Metrics.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// Install computes a diff between manifestText and the currently-active
// manifest, prefetches every added URL into its group's cache, stages the
// manifest text into ngsw.installing, and records the fresh manifest as the
// working (installing) manifest. Any error aborts the installation and the
// previous active state is preserved untouched.
func (c *Controller) Install(ctx context.Context, manifestText string) (*InstallResult, error) {
	digest := utils.ContentDigest(map[string]string{"manifest": manifestText})

	v, err, _ := c.deployGroup.Do(digest, func() (interface{}, error) {
		return c.install(ctx, manifestText, digest)
	})
	if err != nil {
		return nil, err
	}
	return v.(*InstallResult), nil
}

func (c *Controller) install(ctx context.Context, manifestText, digest string) (*InstallResult, error) {
	fresh, err := manifest.Parse(manifestText)
	if err != nil {
		c.metrics.InstallErrors.Add(1)
		c.logger.LifecycleError(ctx, "install", err)
		c.emit(ctx, "install_failed", digest, 0, 0, "", err)
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}

	cached := c.active.Load()
	delta := manifest.Diff(fresh, cached)
	c.emit(ctx, "installing", digest, 0, 0, "", nil)

	for _, g := range fresh.Groups() {
		toFetch := delta.PerGroup[g.Name].Added
		// A group whose contents changed gets a new cache name, so its new
		// cache must hold every URL of the group, not only the added ones.
		if cached != nil {
			if prev, ok := cached.Group(g.Name); ok && prev.CacheName() != g.CacheName() {
				toFetch = toFetch[:0:0]
				for _, e := range g.URLs() {
					toFetch = append(toFetch, e.URL)
				}
			}
		}
		for _, url := range toFetch {
			if err := c.rateLimiter.Wait(ctx); err != nil {
				c.metrics.InstallErrors.Add(1)
				c.emit(ctx, "install_failed", digest, 0, 0, "", err)
				return nil, fmt.Errorf("%w: rate limiter: %v", ErrOriginUnavailable, err)
			}

			resp, err := c.fetcher.Request(ctx, request.New("GET", url))
			if err != nil || !resp.OK() {
				c.metrics.InstallErrors.Add(1)
				c.logger.LifecycleError(ctx, "install", fmt.Errorf("prefetch %s: %w", url, errOrNotOK(err)))
				c.emit(ctx, "install_failed", digest, 0, 0, "", errOrNotOK(err))
				return nil, fmt.Errorf("%w: prefetch %s", ErrOriginUnavailable, url)
			}
			c.store.Store(g.CacheName(), url, resp)
		}
	}

	c.store.Store(InstallingCacheName, ManifestURL, request.NewResponse(fresh.Text()))

	added, removed := 0, 0
	for _, gd := range delta.PerGroup {
		added += len(gd.Added)
		removed += len(gd.Removed)
	}

	c.mu.Lock()
	c.installing = fresh
	c.state = Installing
	c.mu.Unlock()

	c.metrics.Installs.Add(1)
	c.logger.LifecycleTransition(ctx, previousStateName(cached), Installing.String(), digest)
	c.emit(ctx, "installed", digest, added, removed, "", nil)

	return &InstallResult{Digest: digest, Delta: delta, GroupsAdded: added, GroupsRemoved: removed}, nil
}

// Activate promotes the staged installing manifest to active: it deletes
// every cache that no longer backs a current group and is not one of the
// two reserved names, then promotes ngsw.installing's manifest text to
// ngsw.active.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	installing := c.installing
	c.mu.Unlock()

	if installing == nil {
		return ErrNothingToActivate
	}

	c.mu.Lock()
	c.state = Activating
	c.mu.Unlock()

	keep := map[string]bool{ActiveCacheName: true, InstallingCacheName: true}
	for _, g := range installing.Groups() {
		keep[g.CacheName()] = true
	}

	digest := utils.ContentDigest(map[string]string{"manifest": installing.Text()})

	for _, name := range c.store.Keys() {
		if keep[name] {
			continue
		}
		c.store.Delete(name)
		c.logger.CacheSwept(ctx, name)
		c.emit(ctx, "cache_swept", digest, 0, 0, name, nil)
	}

	c.store.Store(ActiveCacheName, ManifestURL, request.NewResponse(installing.Text()))
	c.active.Store(installing)

	c.mu.Lock()
	c.installing = nil
	c.state = Active
	c.mu.Unlock()

	c.metrics.Activations.Add(1)
	c.logger.LifecycleTransition(ctx, Activating.String(), Active.String(), digest)
	c.emit(ctx, "activated", digest, 0, 0, "", nil)

	return nil
}

// Fetch lazily initializes the active manifest from ngsw.active on cold
// start, then dispatches req against it. A nil response with no error means
// the cascade yielded nothing — the caller should fall back to its own
// platform default.
func (c *Controller) Fetch(ctx context.Context, req *request.Request) (*request.Response, []string, error) {
	m := c.active.Load()
	if m == nil {
		m = c.coldStart(ctx)
		if m == nil {
			return nil, nil, nil
		}
	}

	resp, trail, err := c.engine.Resolve(ctx, req, m, dispatch.Options{Timeout: c.config.DispatchTimeoutMs})
	c.classify(req.URL, resp, trail)
	return resp, trail, err
}

// SweepOrphans deletes any cache not backing the active manifest and not one
// of the two reserved names, independent of an install/activate cycle. It
// exists for controlplane's periodic cron job, which defends against caches
// left behind by a process that crashed between Install's prefetch writes
// and the next Activate — Activate's own cleanup only ever runs as part of
// a deployment, so nothing otherwise reaps those if no further deploy comes.
func (c *Controller) SweepOrphans(ctx context.Context) int {
	m := c.active.Load()
	if m == nil {
		return 0
	}

	keep := map[string]bool{ActiveCacheName: true, InstallingCacheName: true}
	for _, g := range m.Groups() {
		keep[g.CacheName()] = true
	}

	digest := utils.ContentDigest(map[string]string{"manifest": m.Text()})
	swept := 0
	for _, name := range c.store.Keys() {
		if keep[name] {
			continue
		}
		c.store.Delete(name)
		c.logger.CacheSwept(ctx, name)
		c.emit(ctx, "cache_swept", digest, 0, 0, name, nil)
		swept++
	}
	return swept
}

func (c *Controller) coldStart(ctx context.Context) *manifest.Manifest {
	stored, ok := c.store.Load(ActiveCacheName, ManifestURL)
	if !ok {
		return nil
	}

	m, err := manifest.Parse(stored.Text())
	if err != nil {
		c.logger.LifecycleError(ctx, "cold-start", err)
		return nil
	}

	c.active.Store(m)
	c.mu.Lock()
	c.state = Active
	c.mu.Unlock()
	return m
}

func (c *Controller) classify(url string, resp *request.Response, trail []string) {
	if resp == nil {
		c.metrics.Unresolved.Add(1)
		return
	}
	if len(trail) == 0 {
		c.metrics.NetworkServed.Add(1)
		return
	}
	// The last trail entry is the instruction that produced resp. When it ran
	// against a URL other than the request's own, resp came through an index
	// or fallback rewrite.
	last := trail[len(trail)-1]
	cacheTail := ", " + url + ")"
	servedOwnURL := last == "fetchFromNetwork("+url+")" ||
		(hasPrefix(last, "fetchFromCache(") && len(last) >= len(cacheTail) && last[len(last)-len(cacheTail):] == cacheTail)
	switch {
	case !servedOwnURL:
		c.metrics.FallbackServed.Add(1)
	case hasPrefix(last, "fetchFromCache("):
		c.metrics.CacheHits.Add(1)
	default:
		c.metrics.NetworkServed.Add(1)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func previousStateName(m *manifest.Manifest) string {
	if m == nil {
		return Uninitialized.String()
	}
	return Active.String()
}

func errOrNotOK(err error) error {
	if err != nil {
		return err
	}
	return errors.New("response not ok")
}

func (c *Controller) emit(ctx context.Context, stage, digest string, added, removed int, cacheName string, cause error) {
	event := &pubsub.LifecycleEvent{
		Version:       pubsub.EventVersion1,
		Stage:         stage,
		Digest:        digest,
		CacheName:     cacheName,
		GroupsAdded:   added,
		GroupsRemoved: removed,
		Timestamp:     time.Now(),
		RequestID:     telemetry.CorrelationIDFromContext(ctx),
	}
	if event.RequestID == "" {
		event.RequestID = telemetry.NewCorrelationID()
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if c.Publish != nil {
		c.Publish(ctx, event)
	}
}

func (c *Controller) publishToTopic(ctx context.Context, event *pubsub.LifecycleEvent) {
	go func() {
		_, _ = DeploymentTopic.Publish(context.Background(), event)
	}()
}
