// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package fakebackend

import (
	"fmt"

	"github.com/probechain/dispatch-core/internal/graph"
	"github.com/probechain/dispatch-core/internal/handle"
)

// ---- variable ops ----

func (b *Backend) Literal(kind handle.Kind, backendTag handle.Backend, bits uint64, size int) handle.IR {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := make([]uint64, size)
	for i := range data {
		data[i] = bits
	}
	return b.alloc(kind, backendTag, handle.StateLiteral, data)
}

// ReadAll returns every lane of h as a float64, interpreting its words
// according to its declared kind; a test/demo convenience, not part of the
// graph.Backend contract.
func (b *Backend) ReadAll(h handle.IR) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.get(h)
	out := make([]float64, len(v.data))
	for i, w := range v.data {
		out[i] = bitsToFloat(v.kind, w)
	}
	return out
}

// ArrayF64 materializes a host-side []float64 as an already-evaluated f64
// array handle; a convenience for tests and the demo CLI building literal
// arguments, not part of the graph.Backend contract itself.
func (b *Backend) ArrayF64(vals []float64) handle.IR {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := make([]uint64, len(vals))
	for i, v := range vals {
		data[i] = floatBits(handle.KindF64, v)
	}
	return b.alloc(handle.KindF64, handle.BackendHost, handle.StateEvaluated, data)
}

// ArrayBool materializes a host-side []bool as an already-evaluated bool
// array handle, the per-lane mask the control-flow frontends expect; a
// convenience for tests and the demo CLI, not part of the graph.Backend
// contract itself.
func (b *Backend) ArrayBool(vals []bool) handle.IR {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := make([]uint64, len(vals))
	for i, v := range vals {
		data[i] = boolWord(v)
	}
	return b.alloc(handle.KindBool, handle.BackendHost, handle.StateEvaluated, data)
}

func (b *Backend) U32(v uint32) handle.IR {
	return b.Literal(handle.KindU32, handle.BackendHost, uint64(v), 1)
}

func (b *Backend) Neq(a, bh handle.IR) handle.IR {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := maxInt(b.get(a).size(), b.get(bh).size())
	da, db := b.broadcast(a, n), b.broadcast(bh, n)
	out := make([]uint64, n)
	for i := range out {
		out[i] = boolWord(da[i] != db[i])
	}
	return b.alloc(handle.KindBool, handle.BackendHost, handle.StateEvaluated, out)
}

func (b *Backend) And(a, bh handle.IR) handle.IR {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := maxInt(b.get(a).size(), b.get(bh).size())
	da, db := b.broadcast(a, n), b.broadcast(bh, n)
	out := make([]uint64, n)
	for i := range out {
		out[i] = boolWord(da[i] != 0 && db[i] != 0)
	}
	return b.alloc(handle.KindBool, handle.BackendHost, handle.StateEvaluated, out)
}

func (b *Backend) Bool(v bool) handle.IR {
	return b.Literal(handle.KindBool, handle.BackendHost, boolWord(v), 1)
}

func (b *Backend) IncRef(h handle.IR) {
	if h.IsZero() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.get(h).refs++
}

func (b *Backend) DecRef(h handle.IR) {
	if h.IsZero() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.get(h)
	v.refs--
	if v.refs <= 0 {
		delete(b.vars, h)
	}
}

func (b *Backend) Size(h handle.IR) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(h).size()
}

func (b *Backend) Type(h handle.IR) handle.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(h).kind
}

func (b *Backend) State(h handle.IR) handle.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(h).state
}

func (b *Backend) Data(h handle.IR) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.get(h)
	if len(v.data) == 0 {
		return 0
	}
	return v.data[0]
}

func (b *Backend) Read(h handle.IR) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.get(h)
	if v.size() != 1 {
		return 0, fmt.Errorf("fakebackend: Read on non-scalar handle %s (size %d)", h, v.size())
	}
	return v.data[0], nil
}

func (b *Backend) MemMap(h handle.IR) (uintptr, bool) {
	// This reference backend keeps every value inline as Go words rather
	// than modeling separate device memory, so nothing is ever "mapped";
	// with this backend the getter strategy accepts only literal outputs and
	// fails on an evaluated one.
	return 0, false
}

func (b *Backend) Gather(src, index, mask handle.IR) handle.IR {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(src)
	idx := b.get(index)
	out := make([]uint64, idx.size())
	for i, w := range idx.data {
		pos := int(w)
		if pos < 0 || (len(s.data) > 1 && pos >= len(s.data)) {
			out[i] = 0
			continue
		}
		if len(s.data) == 1 {
			out[i] = s.data[0]
			continue
		}
		out[i] = s.data[pos]
	}
	return b.alloc(s.kind, s.backend, handle.StateEvaluated, out)
}

func (b *Backend) Scatter(dst, index, mask, src handle.IR) handle.IR {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.get(dst)
	idx := b.get(index)
	out := make([]uint64, len(d.data))
	copy(out, d.data)
	var maskData []uint64
	if !mask.IsZero() {
		maskData = b.broadcastLocked(mask, idx.size())
	}
	srcData := b.broadcastLocked(src, idx.size())
	for i, w := range idx.data {
		if maskData != nil && maskData[i] == 0 {
			continue
		}
		pos := int(w)
		if pos < 0 || pos >= len(out) {
			continue
		}
		out[pos] = srcData[i]
	}
	return b.alloc(d.kind, d.backend, handle.StateEvaluated, out)
}

// broadcastLocked is broadcast without re-acquiring the mutex, for callers
// that already hold it.
func (b *Backend) broadcastLocked(h handle.IR, n int) []uint64 {
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

func (b *Backend) Schedule(h handle.IR) {}

func (b *Backend) Eval() {}

func (b *Backend) IsDirty(h handle.IR) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(h).state == handle.StateDirty
}

func (b *Backend) IsZeroLiteral(h handle.IR) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.get(h)
	if v.state != handle.StateLiteral {
		return false
	}
	for _, w := range v.data {
		if w != 0 {
			return false
		}
	}
	return true
}

func (b *Backend) SetBackendTag(h handle.IR, tag handle.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.get(h).backend = tag
}

func (b *Backend) Any(h handle.IR) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.get(h).data {
		if w != 0 {
			return true
		}
	}
	return false
}

// ---- recording ----

func (b *Backend) RecordBegin() graph.Checkpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return graph.Checkpoint(len(b.created))
}

func (b *Backend) RecordCheckpoint() graph.Checkpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return graph.Checkpoint(len(b.created))
}

// RecordEnd implements the scope's commit/rollback: cleanup=true means the
// scope is being discarded, so every variable created since cp is freed.
func (b *Backend) RecordEnd(cp graph.Checkpoint, cleanup bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !cleanup {
		return
	}
	idx := int(cp)
	if idx >= len(b.created) {
		return
	}
	for _, h := range b.created[idx:] {
		delete(b.vars, h)
	}
	b.created = b.created[:idx]
}

func (b *Backend) NewScope() graph.ScopeID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scopeSeq++
	return graph.ScopeID(b.scopeSeq)
}

func (b *Backend) SetScope(id graph.ScopeID) graph.ScopeID {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.curScope
	b.curScope = id
	return prev
}

// ---- mask stack ----

func (b *Backend) MaskPush(m handle.IR) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maskStack = append(b.maskStack, m)
}

func (b *Backend) MaskPop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.maskStack) == 0 {
		return
	}
	b.maskStack = b.maskStack[:len(b.maskStack)-1]
}

func (b *Backend) MaskDefault(size int) handle.IR {
	if size <= 0 {
		size = 1
	}
	return b.Literal(handle.KindBool, handle.BackendHost, 1, size)
}

func (b *Backend) CallMask() handle.IR {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.maskStack) == 0 {
		return 0
	}
	return b.maskStack[len(b.maskStack)-1]
}

// ---- self stack ----

func (b *Backend) Self() (val, idx handle.IR) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selfVal, b.selfIdx
}

func (b *Backend) SetSelf(val, idx handle.IR) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selfVal, b.selfIdx = val, idx
}

// ---- call emission ----

func (b *Backend) CallInput(h handle.IR) handle.IR {
	// No real kernel is compiled here, so a call input is just the value
	// itself; a real backend would substitute a placeholder node instead.
	return h
}

func (b *Backend) CallReduce(backendTag handle.Backend, domain string, index handle.IR) (buckets []graph.CallBucket, nInst int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.get(index)
	byID := make(map[int][]int)
	for lane, w := range idx.data {
		id := int(w)
		if id == 0 {
			continue
		}
		byID[id] = append(byID[id], lane)
	}
	for id, perm := range byID {
		buckets = append(buckets, graph.CallBucket{ID: id, Perm: perm})
		if id+1 > nInst {
			nInst = id + 1
		}
	}
	return buckets, nInst
}

// Call implements the indirect branch a real backend would compile into
// one kernel: this reference backend already evaluated every callable's
// body eagerly while recording (one full-size result per callable, each
// only actually correct in the lanes that callable owns), so "switching on
// index" here means picking, lane by lane, the resolved callable's output
// at that same lane position.
func (b *Backend) Call(name string, index, mask handle.IR, nInst int, ids []int, args []handle.IR, rvByID map[int][]handle.IR, checkpoints []graph.Checkpoint) []handle.IR {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	idxData := b.get(index).data
	n := len(idxData)

	slots := len(rvByID[ids[0]])
	out := make([]handle.IR, slots)
	for j := 0; j < slots; j++ {
		ref := b.get(rvByID[ids[0]][j])
		kind, tag := ref.kind, ref.backend
		data := make([]uint64, n)
		for lane := 0; lane < n; lane++ {
			id := int(idxData[lane])
			rv, ok := rvByID[id]
			if !ok {
				continue
			}
			src := b.get(rv[j])
			pos := lane
			if len(src.data) == 1 {
				pos = 0
			} else if pos >= len(src.data) {
				continue
			}
			data[lane] = src.data[pos]
		}
		out[j] = b.alloc(kind, tag, handle.StateEvaluated, data)
	}
	return out
}

// ---- memory ----

func (b *Backend) Malloc(kind graph.MemKind, bytes uint64) uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mallocSeq++
	ptr := uintptr(b.mallocSeq) << 8 // never collides with 0/nil
	b.mem[ptr] = make([]byte, bytes)
	return ptr
}

func (b *Backend) Free(ptr uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mem, ptr)
}

func (b *Backend) Aggregate(target uintptr, entries []graph.AggEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.mem[target]
	if !ok {
		panic("fakebackend: Aggregate into unknown allocation")
	}
	for i, e := range entries {
		word := e.Literal
		if !e.IsLiteral {
			// MemMap never succeeds in this backend (see above), so every
			// entry getter.go builds is IsLiteral; a pointer entry here
			// would mean a caller used the interface directly.
			word = 0
		}
		if 8*(i+1) > len(buf) {
			break
		}
		putWord(buf, i, word)
	}
}

func putWord(buf []byte, i int, w uint64) {
	for k := 0; k < 8; k++ {
		buf[8*i+k] = byte(w >> (8 * k))
	}
}

func (b *Backend) Buffer(ptr uintptr, kind handle.Kind, count int, backendTag handle.Backend) handle.IR {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.mem[ptr]
	if !ok {
		panic("fakebackend: Buffer over unknown allocation")
	}
	data := make([]uint64, count)
	for i := range data {
		if 8*(i+1) > len(buf) {
			break
		}
		for k := 0; k < 8; k++ {
			data[i] |= uint64(buf[8*i+k]) << (8 * k)
		}
	}
	return b.alloc(kind, backendTag, handle.StateEvaluated, data)
}

func (b *Backend) IndexArray(idx []int) handle.IR {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := make([]uint64, len(idx))
	for i, v := range idx {
		data[i] = uint64(v)
	}
	return b.alloc(handle.KindU32, handle.BackendHost, handle.StateEvaluated, data)
}

// ---- registry ----

func (b *Backend) RegistryPtr(backendTag handle.Backend, domain string, id int) (uintptr, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ptr, ok := b.registry[registryKey{backendTag, domain, id}]
	return ptr, ok
}

func (b *Backend) RegistryIDBound(backendTag handle.Backend, domain string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound[domain]
}

func maxInt(a, bv int) int {
	if a > bv {
		return a
	}
	return bv
}
