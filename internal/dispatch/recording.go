// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package dispatch

import (
	"fmt"

	"github.com/probechain/dispatch-core/internal/ad"
	"github.com/probechain/dispatch-core/internal/graph"
	"github.com/probechain/dispatch-core/internal/handle"
	"github.com/probechain/dispatch-core/internal/registry"
)

// runRecording is the recording strategy: it records every distinct
// callable's body exactly once inside one symbolic scope and emits a
// single indirect-call instruction that switches between the recorded
// bodies at kernel-evaluation time. This is the strategy that lets the
// compiled kernel stay branch-free per lane while still supporting
// per-instance virtual dispatch.
func (d *Dispatcher) runRecording(req Request, table *registry.Table, callableCount int, irArgs []handle.IR, name string) ([]handle.IR, error) {
	scope := graph.OpenScope(&d.depths, d.Backend)
	defer scope.Release()

	wrapped := make([]handle.IR, len(irArgs))
	for i, a := range irArgs {
		wrapped[i] = d.Backend.CallInput(a)
	}

	maskFrame := graph.PushMask(&d.depths, d.Backend, req.Mask)
	defer maskFrame.Release()

	// Every differentiable input gets CaptureImplicit'd once per recorded
	// callable body: each body runs under its own self id and may touch
	// that input through an implicit side effect (not an explicit operand),
	// the same dependency ad.CustomOp.Forward/Backward register for the AD
	// passes, just for the primal recording pass instead.
	var inputADIDs []ad.NodeID
	for _, a := range req.Args {
		if a.IsDifferentiable() {
			inputADIDs = append(inputADIDs, a.ADPart())
		}
	}

	var (
		proto       *rvPrototype
		checkpoints []graph.Checkpoint
		ids         []int
		rvByID      = make(map[int][]handle.IR)
	)

	for i := 1; i <= callableCount; i++ {
		ptr, ok := table.Resolve(i)
		if !ok {
			continue
		}

		self := graph.PushSelf(&d.depths, d.Backend, d.Backend.U32(uint32(i)), req.InstanceIndex)
		cp := d.Backend.RecordCheckpoint()

		for _, id := range inputADIDs {
			d.AD.CaptureImplicit(id)
		}

		rv, err := req.UserFn(req.Payload, ptr, wrapped)
		if err != nil {
			self.Release()
			return nil, fmt.Errorf("dispatch: recording callable %d of %q: %w", i, name, err)
		}

		proto, err = d.checkRV(proto, rv, req.Backend, name, i)
		if err != nil {
			self.Release()
			return nil, err
		}
		rvByID[i] = rv

		checkpoints = append(checkpoints, cp)
		ids = append(ids, i)
		self.Release()
	}

	if len(ids) == 0 {
		return nil, wrap(ErrRegistryMiss, name, 0, "no callable in range resolved to an instance")
	}

	terminal := d.Backend.RecordCheckpoint()
	checkpoints = append(checkpoints, terminal)

	out := d.Backend.Call(name, req.InstanceIndex, d.Backend.CallMask(), len(ids), ids, wrapped, rvByID, checkpoints)

	scope.Disarm()
	return out, nil
}
