// Package cachestore provides the named-cache abstraction consumed by
// instructions.FetchFromCache and lifecycle.Controller, grounded on the
// teacher's L1Cache (cache-manager/cache.go) map+mutex structure, adapted
// from a single flat LRU cache to a two-level map with no eviction — cache
// lifetime here is governed entirely by the lifecycle controller (install's
// writes, activate's garbage collection), not by capacity or TTL.
package cachestore

import (
	"sync"

	"encore.app/request"
)

// Store is the cache registry's consumed interface (spec.md §4.B). All four
// operations are safe for concurrent use.
type Store interface {
	// Load returns the stored response for (cacheName, url), or ok=false on
	// a miss. A missing cache is treated identically to a missing key.
	Load(cacheName, url string) (resp *request.Response, ok bool)
	// Store creates the named cache on demand and overwrites any prior
	// stored value for url.
	Store(cacheName, url string, resp *request.Response)
	// Keys lists every cache name this store has created.
	Keys() []string
	// Delete removes a named cache. No-op if absent.
	Delete(cacheName string)
}

// MemStore is the default in-process Store implementation.
type MemStore struct {
	mu     sync.RWMutex
	caches map[string]map[string]*request.Response
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{caches: make(map[string]map[string]*request.Response)}
}

// Load implements Store.
func (s *MemStore) Load(cacheName, url string) (*request.Response, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cache, ok := s.caches[cacheName]
	if !ok {
		return nil, false
	}
	resp, ok := cache[url]
	if !ok {
		return nil, false
	}
	return resp, true
}

// Store implements Store.
func (s *MemStore) Store(cacheName, url string, resp *request.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cache, ok := s.caches[cacheName]
	if !ok {
		cache = make(map[string]*request.Response)
		s.caches[cacheName] = cache
	}
	cache[url] = resp
}

// Keys implements Store.
func (s *MemStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.caches))
	for name := range s.caches {
		keys = append(keys, name)
	}
	return keys
}

// Delete implements Store.
func (s *MemStore) Delete(cacheName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.caches, cacheName)
}
