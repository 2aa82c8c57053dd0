// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package graph

import "github.com/probechain/dispatch-core/internal/handle"

// StackDepths snapshots the depth of every scoped stack so callers can
// assert the "no net change in stack depth" invariant around a call,
// success or failure.
type StackDepths struct {
	Mask  int
	Self  int
	Scope int
}

// Depths tracks the depth of the three scoped stacks this package manages
// (the dispatcher holds one Depths value).
type Depths struct {
	maskDepth  int
	selfDepth  int
	scopeDepth int
}

func (d *Depths) Snapshot() StackDepths {
	return StackDepths{Mask: d.maskDepth, Self: d.selfDepth, Scope: d.scopeDepth}
}

// InSymbolicRegion reports whether a recording scope is currently open, the
// read-only flag user code consults to tell whether it is safe to issue an
// evaluated (non-recorded) call.
func (d *Depths) InSymbolicRegion() bool { return d.scopeDepth > 0 }

// MaskFrame is a pushed mask-stack entry. Release must be called exactly
// once, on every exit path (including panics), to keep the backend's mask
// stack in LIFO balance — mirroring the "release on every exit path"
// discipline the linear type checker enforces for resource bindings.
type MaskFrame struct {
	d  *Depths
	be Backend
	released bool
}

// PushMask ANDs mask into the current call mask and pushes the result.
func PushMask(d *Depths, be Backend, mask handle.IR) *MaskFrame {
	cur := be.CallMask()
	combined := mask
	if !cur.IsZero() {
		combined = be.And(cur, mask)
	}
	be.MaskPush(combined)
	d.maskDepth++
	return &MaskFrame{d: d, be: be}
}

// Release pops the mask frame. Safe to call multiple times; only the first
// call has an effect.
func (f *MaskFrame) Release() {
	if f.released {
		return
	}
	f.released = true
	f.be.MaskPop()
	f.d.maskDepth--
}

// SelfFrame remembers the self/idx pair that was active before a push so it
// can be restored on release, since the backend only exposes the accessor
// pair (Self/SetSelf) and not a stack of its own.
type SelfFrame struct {
	d        *Depths
	be       Backend
	prevVal  handle.IR
	prevIdx  handle.IR
	released bool
}

// PushSelf records the current self (val, idx) and installs a new one.
func PushSelf(d *Depths, be Backend, val, idx handle.IR) *SelfFrame {
	prevVal, prevIdx := be.Self()
	be.SetSelf(val, idx)
	d.selfDepth++
	return &SelfFrame{d: d, be: be, prevVal: prevVal, prevIdx: prevIdx}
}

// Release restores the previous self (val, idx) pair.
func (f *SelfFrame) Release() {
	if f.released {
		return
	}
	f.released = true
	f.be.SetSelf(f.prevVal, f.prevIdx)
	f.d.selfDepth--
}

// ScopeFrame is an open recording scope: a checkpoint plus a disarm bit
// that decides whether RecordEnd keeps or discards the region when the
// frame is released (disarm to commit, then unwind).
type ScopeFrame struct {
	d         *Depths
	be        Backend
	prevScope ScopeID
	cp        Checkpoint
	armed     bool // true = discard on release (not yet committed)
	released  bool
}

// OpenScope begins a new recording scope and returns a frame tracking it.
// The scope starts "armed", meaning a release without a prior Disarm()
// discards everything recorded since the checkpoint — the safe default
// when an exception unwinds through a partially recorded region.
func OpenScope(d *Depths, be Backend) *ScopeFrame {
	prev := be.SetScope(be.NewScope())
	cp := be.RecordBegin()
	d.scopeDepth++
	return &ScopeFrame{d: d, be: be, prevScope: prev, cp: cp, armed: true}
}

// Disarm commits the scope: the subsequent Release keeps the recorded IR
// instead of discarding it.
func (f *ScopeFrame) Disarm() { f.armed = false }

// Checkpoint returns the checkpoint this scope began at, so callers can
// capture intermediate checkpoints relative to it.
func (f *ScopeFrame) Checkpoint() Checkpoint { return f.cp }

// Release ends the scope, keeping its IR if Disarm was called and
// discarding it otherwise, then restores the previous scope.
func (f *ScopeFrame) Release() {
	if f.released {
		return
	}
	f.released = true
	f.be.RecordEnd(f.cp, f.armed)
	f.be.SetScope(f.prevScope)
	f.d.scopeDepth--
}
