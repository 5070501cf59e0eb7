// Package dispatch composes the ordered instruction cascade for one request
// against the active manifest and executes it lazily, returning the first
// defined response. Grounded on the teacher's fetchWithFallback
// (cache-manager/service.go's L1 → L2 → origin sequential fallthrough),
// generalized from a fixed three-step chain to an arbitrary ordered cascade
// over dev-bypass, index rewrite, per-group fallback, per-group cache and
// per-group network instructions.
package dispatch

import (
	"context"

	"encore.app/cachestore"
	"encore.app/fetcher"
	"encore.app/instructions"
	"encore.app/manifest"
	"encore.app/pkg/telemetry"
	"encore.app/request"
)

// Options carries per-dispatch knobs. Timeout bounds each per-group
// FetchFromNetwork instruction in the cascade; zero means no timeout. The
// single dev-bypass fetch is not bounded by it.
type Options struct {
	Timeout int // milliseconds
}

// Engine produces and executes the instruction cascade for one request.
type Engine struct {
	Store   cachestore.Store
	Fetcher fetcher.NetworkFetcher

	// OnLoop, if set, is invoked whenever a Fallback instruction suppresses
	// a self-referential rule, surfacing the warning required by spec.md §7.
	OnLoop func(group, prefix, url string)

	// Logger, if set, emits the ngsw: diagnostic trail for every Resolve
	// call, including the nested calls made by Index and Fallback re-entry.
	// Suppressed fallback loops are reported through OnLoop, not Logger. Nil
	// is valid: dispatch has no hard dependency on telemetry.
	Logger *telemetry.Logger
}

// Resolve executes the ordered cascade for req against m and returns the
// first instruction's response that is defined, plus the ordered trail of
// instruction Describe() tags actually executed — the diagnostic sequence
// pkg/telemetry emits as ngsw: log lines. If the cascade is exhausted with
// no response, Resolve returns a nil Response and no error: an unsatisfied
// fetch is not a failure, it is the signal for the host to fall back to its
// platform default.
func (e *Engine) Resolve(ctx context.Context, req *request.Request, m *manifest.Manifest, opts Options) (*request.Response, []string, error) {
	cascade := e.build(req, m, opts)

	trail := make([]string, 0, len(cascade))
	for _, instr := range cascade {
		resp, found, nested, err := instr.Execute(ctx)
		trail = append(trail, instr.Describe())
		trail = append(trail, nested...)
		if err != nil {
			return nil, trail, err
		}
		if found {
			e.log(ctx, req.URL, true, trail)
			return resp, trail, nil
		}
	}

	e.log(ctx, req.URL, false, trail)
	return nil, trail, nil
}

func (e *Engine) log(ctx context.Context, url string, served bool, trail []string) {
	if e.Logger != nil {
		e.Logger.Dispatch(ctx, url, served, trail)
	}
}

func (e *Engine) build(req *request.Request, m *manifest.Manifest, opts Options) []instructions.Instruction {
	if m.Dev {
		return []instructions.Instruction{
			&instructions.FetchFromNetwork{Fetcher: e.Fetcher, Req: req},
		}
	}

	groups := m.Groups()
	cascade := make([]instructions.Instruction, 0, 2+3*len(groups))

	cascade = append(cascade, &instructions.Index{
		Manifest: m,
		Req:      req,
		Resolve:  e.resolveAgainst(m, opts),
	})

	for _, g := range groups {
		cascade = append(cascade, &instructions.Fallback{
			Group:   g,
			Req:     req,
			Resolve: e.resolveAgainst(m, opts),
			OnLoop: func(g *manifest.Group) func(prefix, url string) {
				return func(prefix, url string) {
					if e.OnLoop != nil {
						e.OnLoop(g.Name, prefix, url)
					}
				}
			}(g),
		})
	}

	for _, g := range groups {
		cascade = append(cascade, &instructions.FetchFromCache{
			Store:     e.Store,
			CacheName: g.CacheName(),
			Req:       req,
		})
	}

	for _, g := range groups {
		cascade = append(cascade, &instructions.FetchFromNetwork{
			Fetcher:   e.Fetcher,
			Req:       req,
			TimeoutMs: opts.Timeout,
		})
	}

	return cascade
}

// resolveAgainst binds m and opts into an instructions.Resolver so a
// Fallback/Index instruction re-entering the engine keeps resolving against
// the same manifest and dispatch options as the outer call.
func (e *Engine) resolveAgainst(m *manifest.Manifest, opts Options) instructions.Resolver {
	return func(ctx context.Context, req *request.Request) (*request.Response, []string, error) {
		return e.Resolve(ctx, req, m, opts)
	}
}
