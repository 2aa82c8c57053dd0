// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package handle defines the two reference-counted handle types that flow
// through the dispatcher: a 32-bit IR handle and a 64-bit AD-tagged handle
// that packs an AD-graph node id together with an IR handle.
package handle

import "fmt"

// IR is a 32-bit identifier referring to a node in the IR graph. Zero is the
// sentinel for "uninitialized" or "empty"; every handle passed into or out
// of the dispatcher must have a non-zero IR part.
type IR uint32

// IsZero reports whether h is the uninitialized sentinel.
func (h IR) IsZero() bool { return h == 0 }

func (h IR) String() string { return fmt.Sprintf("ir#%d", uint32(h)) }

// Kind is the scalar/array element type carried by an IR handle.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBool
	KindI32
	KindI64
	KindU32
	KindU64
	KindF32
	KindF64
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindBool:
		return "bool"
	case KindI32:
		return "i32"
	case KindI64:
		return "i64"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Backend tags whether a handle's data lives on the host or on a device.
type Backend uint8

const (
	BackendHost Backend = iota
	BackendDevice
)

// State is the evaluation state of an IR handle.
type State uint8

const (
	// StateLiteral handles hold their value inline; no evaluation needed.
	StateLiteral State = iota
	// StateUnevaluated handles are symbolic and must be scheduled/evaluated
	// before their data can be read.
	StateUnevaluated
	// StateEvaluated handles have been materialized to memory.
	StateEvaluated
	// StateDirty handles were mutated in place since they were last evaluated.
	StateDirty
)

// AD is a 64-bit composite handle: the upper 32 bits are an AD-graph node
// id (0 if the value is not tracked for differentiation), the lower 32 bits
// are the IR handle. Zero in either half is meaningful on its own: a zero IR
// half means "uninitialized/empty" regardless of the AD half, and a zero AD
// half means "not differentiable" regardless of the IR half.
type AD uint64

// Make packs an AD node id and an IR handle into a single tagged handle.
func Make(adID uint32, ir IR) AD {
	return AD(uint64(adID)<<32 | uint64(uint32(ir)))
}

// IRPart extracts the IR handle half.
func (h AD) IRPart() IR { return IR(uint32(h)) }

// ADPart extracts the AD node id half (0 means not differentiable).
func (h AD) ADPart() uint32 { return uint32(h >> 32) }

// IsDifferentiable reports whether the AD half is non-zero.
func (h AD) IsDifferentiable() bool { return h.ADPart() != 0 }

// IsZero reports whether the IR half is the uninitialized sentinel. This
// mirrors the dispatcher invariant that a handle with a zero IR part is
// always an error, independent of its AD half.
func (h AD) IsZero() bool { return h.IRPart().IsZero() }

// Detached returns h with its AD half stripped, e.g. when the dispatcher
// decides a call does not need AD tracking after all.
func (h AD) Detached() AD { return Make(0, h.IRPart()) }

func (h AD) String() string {
	return fmt.Sprintf("ad#%d/%s", h.ADPart(), h.IRPart())
}

// RefCounts is a small ledger tests use to assert that every inc_ref is
// matched by a dec_ref on every exit path.
type RefCounts struct {
	counts map[IR]int
}

// NewRefCounts returns an empty ref-count ledger.
func NewRefCounts() *RefCounts {
	return &RefCounts{counts: make(map[IR]int)}
}

// Inc records one more live reference to h.
func (r *RefCounts) Inc(h IR) {
	if h.IsZero() {
		return
	}
	r.counts[h]++
}

// Dec records one fewer live reference to h. It is a programming error to
// decrement a handle with no outstanding references; callers that hit this
// in practice have a ref-count bug in the strategy that owns h.
func (r *RefCounts) Dec(h IR) {
	if h.IsZero() {
		return
	}
	r.counts[h]--
	if r.counts[h] == 0 {
		delete(r.counts, h)
	}
}

// Balanced reports whether every Inc has a matching Dec, i.e. the ledger is
// empty. Used by tests to assert the no-net-change invariant.
func (r *RefCounts) Balanced() bool { return len(r.counts) == 0 }

// Outstanding returns a copy of the handles with a nonzero net reference
// count, for diagnostics when Balanced() is false.
func (r *RefCounts) Outstanding() map[IR]int {
	out := make(map[IR]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}
