// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package fakebackend is a host-only, non-vectorized reference
// implementation of the graph.Backend and ad.Engine contracts. It keeps
// every value as a plain Go slice of 64-bit words instead of compiling a
// real kernel, so it can drive the dispatcher's logic in tests and in the
// demo CLI without a JIT or a GPU.
package fakebackend

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/probechain/dispatch-core/internal/graph"
	"github.com/probechain/dispatch-core/internal/handle"
)

// variable is one entry in the backend's flat value table.
type variable struct {
	kind    handle.Kind
	backend handle.Backend
	state   handle.State
	data    []uint64 // one word per lane; len(data) == size
	refs    int
}

func (v *variable) size() int { return len(v.data) }

// Backend is the in-process reference implementation of graph.Backend.
type Backend struct {
	mu      sync.Mutex
	vars    map[handle.IR]*variable
	created []handle.IR // creation order, for checkpoint rollback
	nextID  uint32

	maskStack []handle.IR
	selfVal   handle.IR
	selfIdx   handle.IR

	scopeSeq   uint64
	curScope   graph.ScopeID
	recordSeq  uint64

	mallocSeq uint64
	mem       map[uintptr][]byte

	// registry supports the domain-qualified lookup path: a flat map keyed
	// by (backend, domain, id) to an opaque pointer, populated by tests via
	// Register before a call exercises registry.Table in domain mode.
	registry map[registryKey]uintptr
	bound    map[string]int
}

type registryKey struct {
	backend handle.Backend
	domain  string
	id      int
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{
		vars:     make(map[handle.IR]*variable),
		mem:      make(map[uintptr][]byte),
		registry: make(map[registryKey]uintptr),
		bound:    make(map[string]int),
	}
}

// Register installs a domain-qualified callable id -> pointer mapping,
// used by tests that exercise the registry-backed (as opposed to raw
// callable_count) dispatch path.
func (b *Backend) Register(backendTag handle.Backend, domain string, id int, ptr uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registry[registryKey{backendTag, domain, id}] = ptr
	if id+1 > b.bound[domain] {
		b.bound[domain] = id + 1
	}
}

func (b *Backend) alloc(kind handle.Kind, backendTag handle.Backend, state handle.State, data []uint64) handle.IR {
	b.nextID++
	id := handle.IR(b.nextID)
	b.vars[id] = &variable{kind: kind, backend: backendTag, state: state, data: data}
	b.created = append(b.created, id)
	return id
}

func (b *Backend) get(h handle.IR) *variable {
	v, ok := b.vars[h]
	if !ok {
		panic("fakebackend: use of unknown or freed handle " + h.String())
	}
	return v
}

// broadcast reads h's data, repeating its single word n times if h holds a
// scalar and n > 1 (the broadcast rule size unification
// relies on: every size-1 operand is compatible with any unified size).
func (b *Backend) broadcast(h handle.IR, n int) []uint64 {
	v := b.get(h)
	if len(v.data) == n {
		return v.data
	}
	if len(v.data) == 1 {
		out := make([]uint64, n)
		for i := range out {
			out[i] = v.data[0]
		}
		return out
	}
	panic("fakebackend: incompatible sizes in broadcast")
}

func floatBits(kind handle.Kind, f float64) uint64 {
	if kind == handle.KindF32 {
		return uint64(math.Float32bits(float32(f)))
	}
	return math.Float64bits(f)
}

func bitsToFloat(kind handle.Kind, bits uint64) float64 {
	if kind == handle.KindF32 {
		return float64(math.Float32frombits(uint32(bits)))
	}
	return math.Float64frombits(bits)
}

func boolWord(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func encodeWords(data []uint64) []byte {
	out := make([]byte, 8*len(data))
	for i, w := range data {
		binary.LittleEndian.PutUint64(out[8*i:], w)
	}
	return out
}

func decodeWords(buf []byte) []uint64 {
	out := make([]uint64, len(buf)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(buf[8*i:])
	}
	return out
}
