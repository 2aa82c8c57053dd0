// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package control

import (
	"fmt"

	"github.com/probechain/dispatch-core/internal/dispatch"
	"github.com/probechain/dispatch-core/internal/graph"
	"github.com/probechain/dispatch-core/internal/handle"
)

// maxIterations bounds the loop so a cond callback that never goes false
// (a bug in caller code, not a dispatcher invariant) fails loudly instead
// of hanging.
const maxIterations = 10000

// Cond evaluates the loop condition over the current flattened state
// leaves, returning a boolean handle with one lane per active element.
type Cond func(leaves []handle.IR) (handle.IR, error)

// Body advances the flattened state leaves by one iteration for whichever
// lanes are active.
type Body func(leaves []handle.IR) ([]handle.IR, error)

// While repeatedly runs body under a mask narrowed to the lanes cond still
// reports active, merging each iteration's output back into the state so
// lanes that have already finished keep their last value.
//
// init may be any pytree of handle.IR leaves: a bare handle, a flat
// []handle.IR, or any nesting of slices/arrays, string- or int-keyed maps,
// and structs built from those. It is flattened once up front (leaf order
// is depth-first, paths like "state[2]", "state[\"k\"]", "state.Field" —
// see pytree.go) and the result is rebuilt into init's exact shape before
// returning, so callers never see the flattened form. Every leaf keeps the
// same scalar type across iterations and a size transition that is either
// stable or a 1->N broadcast.
func While(d *dispatch.Dispatcher, init interface{}, cond Cond, body Body) (interface{}, error) {
	be := d.Backend

	leaves, paths, err := flattenState(init)
	if err != nil {
		return nil, fmt.Errorf("control: while-loop: %w", err)
	}

	kinds := make([]handle.Kind, len(leaves))
	sizes := make([]int, len(leaves))
	for i, h := range leaves {
		kinds[i] = be.Type(h)
		sizes[i] = be.Size(h)
	}

	cur := leaves
	for iter := 0; iter < maxIterations; iter++ {
		active, err := cond(cur)
		if err != nil {
			return nil, fmt.Errorf("control: while-loop condition: %w", err)
		}
		if !be.Any(active) {
			return rebuildState(init, cur)
		}

		frame := graph.PushMask(d.Depths(), be, active)
		next, err := body(cur)
		frame.Release()
		if err != nil {
			return nil, fmt.Errorf("control: while-loop body: %w", err)
		}

		if len(next) != len(cur) {
			return nil, fmt.Errorf("control: while-loop state arity changed %d -> %d: %w",
				len(cur), len(next), dispatch.ErrLoopStateChanged)
		}

		n := be.Size(active)
		idx := be.IndexArray(arange(n))
		merged := make([]handle.IR, len(cur))
		for i := range cur {
			if be.Type(next[i]) != kinds[i] {
				return nil, fmt.Errorf("control: while-loop leaf %s changed type: %w", paths[i], dispatch.ErrLoopStateChanged)
			}
			newSize := be.Size(next[i])
			if newSize != sizes[i] && newSize != 1 && sizes[i] != 1 {
				return nil, fmt.Errorf("control: while-loop leaf %s size %d -> %d: %w",
					paths[i], sizes[i], newSize, dispatch.ErrLoopSizeConflict)
			}
			merged[i] = be.Scatter(cur[i], idx, active, next[i])
			sizes[i] = be.Size(merged[i])
		}
		cur = merged
	}
	return nil, fmt.Errorf("control: while-loop exceeded %d iterations: %w", maxIterations, dispatch.ErrInternalInvariant)
}
