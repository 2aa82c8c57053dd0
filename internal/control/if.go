// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package control implements the If and While control-flow frontends that
// sit on top of the dispatcher's scoped mask stack: both branches/iterations
// of a conditional run under a narrowed mask, and their lane-wise results
// are merged back together with a masked scatter instead of a real branch.
package control

import (
	"fmt"

	"github.com/probechain/dispatch-core/internal/dispatch"
	"github.com/probechain/dispatch-core/internal/graph"
	"github.com/probechain/dispatch-core/internal/handle"
)

// Branch produces one side of an If's state, given its own private copy of
// the state tuple (so mutations made inside one branch, e.g. DecRef'ing an
// input it thinks it owns, can never leak into the other branch) and, for
// the masked modes, the narrowed mask already pushed onto the dispatcher's
// mask stack.
type Branch func(state []handle.IR) ([]handle.IR, error)

// Mode picks how If runs its branches.
type Mode uint8

const (
	// ModeAuto infers Scalar when cond has exactly one lane, Symbolic
	// otherwise.
	ModeAuto Mode = iota
	// ModeScalar runs exactly one branch — no masked merge — based on
	// cond's single lane. Requires cond to be a size-1 handle.
	ModeScalar
	// ModeSymbolic runs both branches under complementary masks and merges
	// their results lane by lane with a masked scatter.
	ModeSymbolic
	// ModeEvaluated is ModeSymbolic outside a recording scope: the merge
	// is identical, the distinction only matters to a real backend's
	// scheduling, which this reference backend does not differentiate.
	ModeEvaluated
)

// If runs thenBranch and elseBranch per mode and merges their results.
// In ModeScalar, exactly one branch runs and its result is returned as-is.
// In ModeSymbolic/ModeEvaluated, thenBranch runs under mask=cond and
// elseBranch under mask=!cond, both ANDed with whatever mask is already
// active, then their results are merged lane by lane: a lane takes the
// then-branch's value unless cond was false for it.
//
// state is threaded through as each branch's input, isolated per branch:
// its handles are ref-protected for the duration of both branches (so one
// branch freeing what it thinks is its own copy can never starve the
// other) and each branch receives its own deep copy, never the shared
// original.
func If(d *dispatch.Dispatcher, mode Mode, cond handle.IR, state []handle.IR, thenBranch, elseBranch Branch) ([]handle.IR, error) {
	be := d.Backend

	stashRefs(be, state)
	defer unstashRefs(be, state)

	if mode == ModeAuto {
		if be.Size(cond) == 1 {
			mode = ModeScalar
		} else {
			mode = ModeSymbolic
		}
	}

	if mode == ModeScalar {
		bit, err := be.Read(cond)
		if err != nil {
			return nil, fmt.Errorf("control: if-statement scalar-mode condition: %w", err)
		}
		branch := elseBranch
		if bit != 0 {
			branch = thenBranch
		}
		rv, err := branch(isolateState(be, state))
		if err != nil {
			return nil, fmt.Errorf("control: if-statement scalar branch: %w", err)
		}
		return rv, nil
	}

	thenFrame := graph.PushMask(d.Depths(), be, cond)
	thenRV, err := thenBranch(isolateState(be, state))
	thenFrame.Release()
	if err != nil {
		return nil, fmt.Errorf("control: if-statement then branch: %w", err)
	}

	notCond := be.Neq(cond, be.Bool(true))
	elseFrame := graph.PushMask(d.Depths(), be, notCond)
	elseRV, err := elseBranch(isolateState(be, state))
	elseFrame.Release()
	if err != nil {
		return nil, fmt.Errorf("control: if-statement else branch: %w", err)
	}

	if len(thenRV) != len(elseRV) {
		return nil, fmt.Errorf("control: if-statement branches returned %d and %d values: %w",
			len(thenRV), len(elseRV), dispatch.ErrReturnShapeMismatch)
	}

	n := be.Size(cond)
	idx := be.IndexArray(arange(n))
	out := make([]handle.IR, len(thenRV))
	for i := range thenRV {
		if be.Size(thenRV[i]) != be.Size(elseRV[i]) && be.Size(thenRV[i]) != 1 && be.Size(elseRV[i]) != 1 {
			return nil, fmt.Errorf("control: if-statement result %d: %w", i, dispatch.ErrReturnShapeMismatch)
		}
		out[i] = be.Scatter(thenRV[i], idx, notCond, elseRV[i])
	}
	return out, nil
}

// stashRefs holds one protective extra reference on every state handle for
// the duration of both branches, so a branch freeing its own isolated copy
// can never pull the shared original's refcount to zero out from under the
// branch that has not run yet.
func stashRefs(be graph.Backend, state []handle.IR) {
	for _, h := range state {
		be.IncRef(h)
	}
}

func unstashRefs(be graph.Backend, state []handle.IR) {
	for _, h := range state {
		be.DecRef(h)
	}
}

// isolateState deep-copies every handle in state (via an identity gather,
// which always allocates a fresh value in every Backend implementation)
// so a branch only ever sees and mutates its own private copy, never the
// tuple shared with the other branch.
func isolateState(be graph.Backend, state []handle.IR) []handle.IR {
	out := make([]handle.IR, len(state))
	for i, h := range state {
		if h.IsZero() {
			continue
		}
		n := be.Size(h)
		out[i] = be.Gather(h, be.IndexArray(arange(n)), be.MaskDefault(n))
	}
	return out
}

func arange(n int) []int {
	a := make([]int, n)
	for i := range a {
		a[i] = i
	}
	return a
}
