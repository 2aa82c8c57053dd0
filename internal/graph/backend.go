// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package graph declares the IR-backend contract the dispatcher consumes
// and the scoped stack helpers built on top of it. The backend itself
// — variable tables, memory, kernel emission — is out of scope for this
// module; callers supply a Backend implementation (see internal/fakebackend
// for a reference one used by tests and the demo CLI).
package graph

import "github.com/probechain/dispatch-core/internal/handle"

// Checkpoint marks a rewindable position inside a recording scope.
type Checkpoint uint64

// ScopeID names a recording scope (a bounded region of the IR that can be
// committed or rolled back as a unit).
type ScopeID uint64

// MemKind distinguishes host-side from device-side allocations.
type MemKind = handle.Backend

// CallBucket groups the lanes that share one callable id. Perm maps bucket-local positions back to the original
// lane indices, e.g. Perm[2] = 7 means the third lane in this bucket was
// originally lane 7.
type CallBucket struct {
	ID   int
	Perm []int
}

// AggEntry is one slot of a getter-strategy aggregation plan: either an
// inline literal word or a pointer into existing backend memory holding
// the evaluated value.
type AggEntry struct {
	IsLiteral bool
	Literal   uint64
	Ptr       uintptr
}

// Backend is the IR graph the dispatcher records into and evaluates
// against. Every dispatcher algorithm is written purely in terms of this
// interface so a fake or a real JIT backend can stand behind it.
type Backend interface {
	// ---- variable ops ----

	Literal(kind handle.Kind, backend handle.Backend, bits uint64, size int) handle.IR
	U32(v uint32) handle.IR
	// IndexArray materializes a host-side index slice as a u32 IR handle,
	// used by the evaluated strategy to gather a bucket's lanes out of the
	// full-size arguments and scatter its results back via CallBucket.Perm.
	IndexArray(idx []int) handle.IR
	Neq(a, b handle.IR) handle.IR
	And(a, b handle.IR) handle.IR
	Bool(v bool) handle.IR
	IncRef(h handle.IR)
	DecRef(h handle.IR)
	Size(h handle.IR) int
	Type(h handle.IR) handle.Kind
	State(h handle.IR) handle.State
	Data(h handle.IR) uint64 // literal bits, valid when State == StateLiteral
	Read(h handle.IR) (uint64, error)
	MemMap(h handle.IR) (uintptr, bool)
	Gather(src, index, mask handle.IR) handle.IR
	Scatter(dst, index, mask, src handle.IR) handle.IR
	Schedule(h handle.IR)
	Eval()
	IsDirty(h handle.IR) bool
	IsZeroLiteral(h handle.IR) bool
	SetBackendTag(h handle.IR, b handle.Backend)
	// Any evaluates a boolean handle and reports whether any lane is true;
	// the while-loop frontend uses it to decide whether another iteration
	// is needed.
	Any(h handle.IR) bool

	// ---- recording ----

	RecordBegin() Checkpoint
	RecordCheckpoint() Checkpoint
	RecordEnd(cp Checkpoint, cleanup bool)
	NewScope() ScopeID
	SetScope(id ScopeID) ScopeID // returns the previous scope, for restoring

	// ---- mask stack ----

	MaskPush(m handle.IR)
	MaskPop()
	MaskDefault(size int) handle.IR
	CallMask() handle.IR

	// ---- self stack (backend only exposes the accessor pair; the stack
	// discipline itself lives in PushSelf/SelfFrame in stacks.go) ----

	Self() (val, idx handle.IR)
	SetSelf(val, idx handle.IR)

	// ---- call emission ----

	CallInput(h handle.IR) handle.IR
	CallReduce(b handle.Backend, domain string, index handle.IR) (buckets []CallBucket, nInst int)
	// Call emits the indirect-call instruction: one compiled body per
	// resolved callable id (rvByID, keyed by the same ids the caller
	// recorded), switched on index at evaluation time so each lane picks up
	// the output its own instance id recorded, not just the first or last
	// callable's.
	Call(name string, index, mask handle.IR, nInst int, ids []int, args []handle.IR, rvByID map[int][]handle.IR, checkpoints []Checkpoint) []handle.IR

	// ---- memory ----

	Malloc(kind MemKind, bytes uint64) uintptr
	Free(ptr uintptr)
	Aggregate(target uintptr, entries []AggEntry)
	// Buffer wraps a raw allocation as a gatherable, already-evaluated IR
	// handle of count elements of kind, the way the getter strategy turns
	// its packed literal table into something Gather can index into.
	Buffer(ptr uintptr, kind handle.Kind, count int, backend handle.Backend) handle.IR

	// ---- registry ----

	RegistryPtr(b handle.Backend, domain string, id int) (uintptr, bool)
	RegistryIDBound(b handle.Backend, domain string) int
}
