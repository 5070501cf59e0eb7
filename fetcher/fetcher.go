// Package fetcher provides the network fetcher consumed by
// instructions.FetchFromNetwork and lifecycle.Controller's install-time
// prefetch, grounded on the teacher's OriginFetcher interface shape
// (cache-manager/service.go) but reworked around request.Request/Response
// rather than an arbitrary interface{} value.
package fetcher

import (
	"context"
	"io"
	"net/http"

	"encore.app/request"
)

// NetworkFetcher issues HTTP requests on behalf of a dispatch or install.
// Request participates in the platform's HTTP cache and is what the install
// path's prefetch uses; Refresh forces a revalidation/no-store fetch and is
// used by instructions.FetchFromNetwork when BypassHTTPCache is set.
type NetworkFetcher interface {
	Request(ctx context.Context, req *request.Request) (*request.Response, error)
	Refresh(ctx context.Context, req *request.Request) (*request.Response, error)
}

// HTTPFetcher is the net/http-backed NetworkFetcher used outside tests.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher using http.DefaultClient.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: http.DefaultClient}
}

// Request performs a normal HTTP request.
func (f *HTTPFetcher) Request(ctx context.Context, req *request.Request) (*request.Response, error) {
	return f.do(ctx, req, false)
}

// Refresh performs a no-store revalidation request, bypassing any HTTP
// cache sitting between this worker and the origin.
func (f *HTTPFetcher) Refresh(ctx context.Context, req *request.Request) (*request.Response, error) {
	return f.do(ctx, req, true)
}

func (f *HTTPFetcher) do(ctx context.Context, req *request.Request, bypassHTTPCache bool) (*request.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if bypassHTTPCache {
		httpReq.Header.Set("Cache-Control", "no-store")
	}

	resp, err := f.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	return request.NewResponseBytes(body, ok), nil
}
