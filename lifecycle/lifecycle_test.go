package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"encore.app/cachestore"
	"encore.app/request"
)

type fakeFetcher struct {
	responses map[string]string
	fail      bool
	delay     time.Duration
}

func (f *fakeFetcher) Request(ctx context.Context, req *request.Request) (*request.Response, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail {
		return nil, errors.New("origin unreachable")
	}
	body, ok := f.responses[req.URL]
	if !ok {
		return request.NewResponseBytes(nil, false), nil
	}
	return request.NewResponse(body), nil
}

func (f *fakeFetcher) Refresh(ctx context.Context, req *request.Request) (*request.Response, error) {
	return f.Request(ctx, req)
}

func TestScenario1_ColdCacheInstallAndFetch(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{"/index.html": "INDEX"}}
	c := NewController(cachestore.NewMemStore(), f, DefaultConfig())

	manifestText := "meta index /index.html\ngroup app\nurl /index.html h1\n"
	if _, err := c.Install(context.Background(), manifestText); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	resp, _, err := c.Fetch(context.Background(), request.New("GET", "/"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp == nil || resp.Text() != "INDEX" {
		t.Fatalf("Fetch() = %v, want INDEX", resp)
	}
}

func TestScenario2_IndexRewriteServedFromCacheWithTrail(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{"/index.html": "INDEX"}}
	c := NewController(cachestore.NewMemStore(), f, DefaultConfig())

	manifestText := "meta index /index.html\ngroup app\nurl /index.html h1\n"
	c.Install(context.Background(), manifestText)
	c.Activate(context.Background())

	_, trail, err := c.Fetch(context.Background(), request.New("GET", "/"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(trail) < 2 {
		t.Fatalf("trail = %v, want at least 2 entries", trail)
	}
	if trail[0] != "index(/, /index.html)" {
		t.Errorf("trail[0] = %q, want index(/, /index.html)", trail[0])
	}
}

func TestScenario3_FallbackToIndex(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{"/index.html": "INDEX"}}
	c := NewController(cachestore.NewMemStore(), f, DefaultConfig())

	manifestText := "meta index /index.html\ngroup app\nurl /index.html h1\nfallback /deep/ /index.html\n"
	c.Install(context.Background(), manifestText)
	c.Activate(context.Background())

	resp, _, err := c.Fetch(context.Background(), request.New("GET", "/deep/unknown"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp == nil || resp.Text() != "INDEX" {
		t.Fatalf("Fetch() = %v, want INDEX via fallback", resp)
	}
}

func TestScenario4_NetworkTimeoutBoundsWait(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{"/index.html": "INDEX"}, delay: 0}
	c := NewController(cachestore.NewMemStore(), f, DefaultConfig())
	c.config.DispatchTimeoutMs = 50

	manifestText := "group app\nurl /index.html h1\ngroup assets\nurl /logo.png h2\n"
	c.Install(context.Background(), manifestText)
	c.Activate(context.Background())

	slow := &fakeFetcher{delay: 500 * time.Millisecond}
	c.fetcher = slow
	c.engine.Fetcher = slow

	start := time.Now()
	resp, _, err := c.Fetch(context.Background(), request.New("GET", "/missing.js"))
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp != nil {
		t.Fatalf("Fetch() = %v, want nil", resp)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("Fetch() took %v, want bounded by 50ms * groups", elapsed)
	}
}

func TestScenario5_DevBypass(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{"/index.html": "FRESH"}}
	c := NewController(cachestore.NewMemStore(), f, DefaultConfig())

	manifestText := "meta dev true\ngroup app\nurl /index.html h1\n"
	c.Install(context.Background(), manifestText)
	c.Activate(context.Background())

	resp, trail, err := c.Fetch(context.Background(), request.New("GET", "/index.html"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp == nil || resp.Text() != "FRESH" {
		t.Fatalf("Fetch() = %v, want FRESH", resp)
	}
	if len(trail) != 1 {
		t.Errorf("dev bypass trail = %v, want exactly one instruction", trail)
	}
}

func TestScenario6_CleanupOnActivate(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{
		"/a.js": "A", "/b.js": "B", "/c.js": "C",
	}}
	store := cachestore.NewMemStore()
	c := NewController(store, f, DefaultConfig())

	first := "group a\nurl /a.js ha\ngroup b\nurl /b.js hb\n"
	c.Install(context.Background(), first)
	c.Activate(context.Background())

	aCacheName := c.ActiveManifest().Groups()[0].CacheName()
	bCacheName := c.ActiveManifest().Groups()[1].CacheName()

	second := "group a\nurl /a.js ha\ngroup c\nurl /c.js hc\n"
	c.Install(context.Background(), second)
	c.Activate(context.Background())

	cGroup, ok := c.ActiveManifest().Group("c")
	if !ok {
		t.Fatal("expected group c in active manifest")
	}
	cCacheName := cGroup.CacheName()

	keys := map[string]bool{}
	for _, k := range store.Keys() {
		keys[k] = true
	}

	if !keys[ActiveCacheName] {
		t.Error("expected ngsw.active to survive activation")
	}
	if !keys[aCacheName] {
		t.Errorf("expected %s (group a, unchanged) to survive", aCacheName)
	}
	if !keys[cCacheName] {
		t.Errorf("expected %s (group c, new) to survive", cCacheName)
	}
	if keys[bCacheName] {
		t.Errorf("expected %s (group b, removed) to be swept", bCacheName)
	}
}

func TestStateMachine_Transitions(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{"/index.html": "INDEX"}}
	c := NewController(cachestore.NewMemStore(), f, DefaultConfig())

	if c.State() != Uninitialized {
		t.Fatalf("initial state = %v, want Uninitialized", c.State())
	}

	c.Install(context.Background(), "group app\nurl /index.html h1\n")
	if c.State() != Installing {
		t.Fatalf("state after Install = %v, want Installing", c.State())
	}

	c.Activate(context.Background())
	if c.State() != Active {
		t.Fatalf("state after Activate = %v, want Active", c.State())
	}
}

func TestInstall_ParseFailureAbortsAndPreservesActive(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{"/index.html": "INDEX"}}
	c := NewController(cachestore.NewMemStore(), f, DefaultConfig())

	c.Install(context.Background(), "group app\nurl /index.html h1\n")
	c.Activate(context.Background())
	activeBefore := c.ActiveManifest()

	_, err := c.Install(context.Background(), "bogus directive\n")
	if !errors.Is(err, ErrManifestParse) {
		t.Fatalf("Install() error = %v, want ErrManifestParse", err)
	}
	if c.ActiveManifest() != activeBefore {
		t.Error("active manifest changed after a failed install")
	}
	if c.State() != Active {
		t.Errorf("state after failed install = %v, want Active unchanged", c.State())
	}
}

func TestInstall_OriginFailureAborts(t *testing.T) {
	f := &fakeFetcher{fail: true}
	c := NewController(cachestore.NewMemStore(), f, DefaultConfig())

	_, err := c.Install(context.Background(), "group app\nurl /index.html h1\n")
	if !errors.Is(err, ErrOriginUnavailable) {
		t.Fatalf("Install() error = %v, want ErrOriginUnavailable", err)
	}
	if c.State() != Uninitialized {
		t.Errorf("state after failed install = %v, want Uninitialized unchanged", c.State())
	}
}

func TestInstall_UnchangedManifestSkipsPrefetch(t *testing.T) {
	calls := 0
	f := &countingFetcher{fakeFetcher: fakeFetcher{responses: map[string]string{"/index.html": "INDEX"}}, calls: &calls}
	c := NewController(cachestore.NewMemStore(), f, DefaultConfig())

	manifestText := "group app\nurl /index.html h1\n"
	c.Install(context.Background(), manifestText)
	c.Activate(context.Background())

	firstCalls := calls
	c.Install(context.Background(), manifestText)

	if calls != firstCalls {
		t.Errorf("second install with identical text made %d more origin calls, want 0", calls-firstCalls)
	}
}

type countingFetcher struct {
	fakeFetcher
	calls *int
}

func (f *countingFetcher) Request(ctx context.Context, req *request.Request) (*request.Response, error) {
	*f.calls++
	return f.fakeFetcher.Request(ctx, req)
}

func TestFetch_ColdStartLazyInitFromActiveCache(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{"/index.html": "INDEX"}}
	store := cachestore.NewMemStore()

	seed := NewController(store, f, DefaultConfig())
	seed.Install(context.Background(), "meta index /index.html\ngroup app\nurl /index.html h1\n")
	seed.Activate(context.Background())

	fresh := NewController(store, f, DefaultConfig())
	if fresh.State() != Uninitialized {
		t.Fatalf("fresh controller state = %v, want Uninitialized", fresh.State())
	}

	resp, _, err := fresh.Fetch(context.Background(), request.New("GET", "/"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp == nil || resp.Text() != "INDEX" {
		t.Fatalf("Fetch() = %v, want INDEX after cold-start lazy init", resp)
	}
	if fresh.State() != Active {
		t.Errorf("state after cold-start fetch = %v, want Active", fresh.State())
	}
}

func TestActivate_NothingToActivate(t *testing.T) {
	c := NewController(cachestore.NewMemStore(), &fakeFetcher{}, DefaultConfig())
	if err := c.Activate(context.Background()); !errors.Is(err, ErrNothingToActivate) {
		t.Errorf("Activate() error = %v, want ErrNothingToActivate", err)
	}
}
