// Package instructions defines the small value objects the dispatch engine
// composes into an ordered cascade, grounded on the teacher's EvictionPolicy
// small-interface pattern (cache-manager/policies.go) generalized from "when
// to evict" to "how to attempt one resolution of a request".
package instructions

import (
	"context"
	"time"

	"encore.app/cachestore"
	"encore.app/fetcher"
	"encore.app/manifest"
	"encore.app/pkg/utils"
	"encore.app/request"
)

// Instruction is a small value with two capabilities: Execute, which yields
// at most one Response, and Describe, a human-readable diagnostic tag.
// Execution is always triggered by the dispatcher, never by the instruction
// itself.
type Instruction interface {
	// Execute attempts this instruction's resolution strategy. found=false
	// means "yielded nothing", not an error — dispatch proceeds to the next
	// instruction in the cascade. trail carries any diagnostic tags produced
	// by a re-entrant Resolve call (Index, Fallback); every other kind
	// returns a nil trail. A non-nil error is reserved for conditions the
	// dispatcher should also propagate (there currently are none in the
	// four concrete kinds; every failure mode here is silent fallthrough).
	Execute(ctx context.Context) (resp *request.Response, found bool, trail []string, err error)
	Describe() string
}

// Resolver is the handle a Fallback or Index instruction uses to re-enter
// the dispatch engine with a rewritten request, per the design note that the
// engine "passes a handle back to the dispatcher rather than capturing it
// via closure" — dispatch.Engine.Resolve is this handle, threaded in as a
// plain function value so this package never imports dispatch.
type Resolver func(ctx context.Context, req *request.Request) (resp *request.Response, trail []string, err error)

// FetchFromCache consults a named cache for one URL.
type FetchFromCache struct {
	Store     cachestore.Store
	CacheName string
	Req       *request.Request
}

func (f *FetchFromCache) Execute(ctx context.Context) (*request.Response, bool, []string, error) {
	resp, ok := f.Store.Load(f.CacheName, f.Req.URL)
	return resp, ok, nil, nil
}

func (f *FetchFromCache) Describe() string {
	return "fetchFromCache(" + f.CacheName + ", " + f.Req.URL + ")"
}

// FetchFromNetwork issues a network fetch, bounded by an optional one-shot
// timeout. On timeout the in-flight fetch is abandoned and the instruction
// yields nothing — a timeout is not an error, per spec.md §7.
type FetchFromNetwork struct {
	Fetcher         fetcher.NetworkFetcher
	Req             *request.Request
	BypassHTTPCache bool
	TimeoutMs       int // 0 means no timeout
}

func (f *FetchFromNetwork) Execute(ctx context.Context) (*request.Response, bool, []string, error) {
	type result struct {
		resp *request.Response
		err  error
	}

	resultCh := make(chan result, 1)
	go func() {
		var resp *request.Response
		var err error
		if f.BypassHTTPCache {
			resp, err = f.Fetcher.Refresh(ctx, f.Req)
		} else {
			resp, err = f.Fetcher.Request(ctx, f.Req)
		}
		resultCh <- result{resp, err}
	}()

	if f.TimeoutMs <= 0 {
		r := <-resultCh
		if r.err != nil || !r.resp.OK() {
			return nil, false, nil, nil
		}
		return r.resp, true, nil, nil
	}

	timer := time.NewTimer(time.Duration(f.TimeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		if r.err != nil || !r.resp.OK() {
			return nil, false, nil, nil
		}
		return r.resp, true, nil, nil
	case <-timer.C:
		return nil, false, nil, nil
	}
}

func (f *FetchFromNetwork) Describe() string {
	return "fetchFromNetwork(" + f.Req.URL + ")"
}

// Fallback examines a group's fallback rules and, for each prefix the
// request URL starts with, rewrites the request to the prefix's target and
// re-enters the dispatch engine. A fallback whose target equals the
// original URL is a self-referential loop and is suppressed.
type Fallback struct {
	Group    *manifest.Group
	Req      *request.Request
	Resolve  Resolver
	OnLoop   func(prefix, url string) // optional; called when a loop is suppressed
}

func (f *Fallback) Execute(ctx context.Context) (*request.Response, bool, []string, error) {
	for _, fb := range f.Group.Fallbacks() {
		if !utils.MatchPrefix(fb.Prefix, f.Req.URL) {
			continue
		}
		if fb.FallbackTo == f.Req.URL {
			if f.OnLoop != nil {
				f.OnLoop(fb.Prefix, f.Req.URL)
			}
			continue
		}

		rewritten := f.Req.Clone(fb.FallbackTo)
		resp, trail, err := f.Resolve(ctx, rewritten)
		if err != nil {
			return nil, false, trail, err
		}
		if resp != nil {
			return resp, true, trail, nil
		}
	}
	return nil, false, nil, nil
}

func (f *Fallback) Describe() string {
	return "fallback(" + f.Group.Name + ", " + f.Req.URL + ")"
}

// Index rewrites a request for "/" to the manifest's configured index URL
// and re-enters the dispatch engine. Yields nothing for any other URL or
// when no index is configured.
type Index struct {
	Manifest *manifest.Manifest
	Req      *request.Request
	Resolve  Resolver
}

func (i *Index) Execute(ctx context.Context) (*request.Response, bool, []string, error) {
	if i.Req.URL != "/" || i.Manifest.Index == "" {
		return nil, false, nil, nil
	}

	rewritten := i.Req.Clone(i.Manifest.Index)
	resp, trail, err := i.Resolve(ctx, rewritten)
	if err != nil {
		return nil, false, trail, err
	}
	if resp == nil {
		return nil, false, trail, nil
	}
	return resp, true, trail, nil
}

func (i *Index) Describe() string {
	return "index(" + i.Req.URL + ", " + i.Manifest.Index + ")"
}
