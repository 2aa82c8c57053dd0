// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package registry resolves a dense callable-id range to opaque instance
// pointers, optionally through a domain-qualified external registry, and
// front-caches domain lookups with an LRU — the same caching role
// github.com/hashicorp/golang-lru plays for hot-node lookups elsewhere in
// the codebase, justified here because a domain lookup goes through the
// backend's registry indirection while raw-index mode is a pure function
// that needs no cache at all.
package registry

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/probechain/dispatch-core/internal/graph"
	"github.com/probechain/dispatch-core/internal/handle"
)

const cacheSize = 4096

// cacheKey identifies one (backend, domain, id) registry lookup.
type cacheKey struct {
	backend handle.Backend
	domain  string
	id      int
}

// Table is the resolved callable table for one dispatcher call: either a
// domain-qualified external registry or a raw 1..N index range.
type Table struct {
	be      graph.Backend
	backend handle.Backend
	domain  string // "" means raw-index mode
	count   int
	cache   *lru.Cache
}

// sharedCache is process-wide, the same way the backend's own caches are
// shared across calls; a single dispatcher sees many calls against the
// same domain, so cache hits compound across Table instances.
var sharedCache = mustCache()

func mustCache() *lru.Cache {
	c, err := lru.New(cacheSize)
	if err != nil {
		// cacheSize is a positive constant; lru.New only fails for size<=0.
		panic(err)
	}
	return c
}

// New builds a Table. Exactly one of domain and callableCount must be
// supplied (domain != "" XOR callableCount != 0); violating that is a
// mode-conflict case, surfaced to the caller as an error rather than
// checked here, since the dispatcher needs to attach its own error-kind
// wrapper.
func New(be graph.Backend, backendTag handle.Backend, domain string, callableCount int) *Table {
	count := callableCount
	if domain != "" {
		count = be.RegistryIDBound(backendTag, domain)
	}
	return &Table{be: be, backend: backendTag, domain: domain, count: count, cache: sharedCache}
}

// Count returns the resolved callable_count (looked up from the registry
// when a domain was supplied).
func (t *Table) Count() int { return t.count }

// Resolve returns the opaque instance pointer for id, or ok=false when id
// is the null instance (0) or, in domain mode, unregistered — both cases
// the caller must treat as "skip this lane/slot".
func (t *Table) Resolve(id int) (uintptr, bool) {
	if id == 0 {
		return 0, false
	}
	if t.domain == "" {
		return uintptr(id), true
	}

	key := cacheKey{backend: t.backend, domain: t.domain, id: id}
	if v, ok := t.cache.Get(key); ok {
		cached := v.(cachedPtr)
		return cached.ptr, cached.ok
	}
	ptr, ok := t.be.RegistryPtr(t.backend, t.domain, id)
	t.cache.Add(key, cachedPtr{ptr: ptr, ok: ok})
	return ptr, ok
}

type cachedPtr struct {
	ptr uintptr
	ok  bool
}
