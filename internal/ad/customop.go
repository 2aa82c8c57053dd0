// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package ad

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/probechain/dispatch-core/internal/handle"
)

// RedispatchFn re-enters the dispatcher with a generated forward/backward
// callback: the cleanest way to reuse all of the dispatcher's
// strategy/shape-unification logic instead of duplicating it here. The
// dispatch package supplies this closure when it constructs a CustomOp, so
// this package never has to import the dispatcher (which in turn imports
// this package to build the op).
type RedispatchFn func(args []handle.IR) (rv []handle.IR, err error)

// CustomOp wraps one recorded indirect call as a single AD-graph node. It
// owns payload from the moment it is successfully attached to the engine
// until Destroy runs cleanupFn exactly once.
type CustomOp struct {
	// ID tags this op instance for cross-referencing in structured log
	// fields and in test harnesses that assert call ordering.
	ID uuid.UUID

	CallableCount int
	Domain        string
	Name          string

	// SavedArgs are the borrowed IR halves of the call's inputs, kept
	// alive for the lifetime of the op so forward/backward can reread them.
	SavedArgs []handle.IR

	// InputADIDs / OutputADIDs map AD-graph node ids to positions in the
	// saved argument / return-value vectors, mirroring the "index maps
	// from IR-level AD nodes to positions in the input/output argument
	// vectors" the dispatcher needs.
	InputADIDs  []NodeID
	OutputADIDs []NodeID

	Payload   interface{}
	cleanupFn func(interface{})

	forward  RedispatchFn
	backward RedispatchFn

	deleterDisabled bool
	destroyed       bool
}

// New builds a CustomOp. forward and backward are the re-entrant callbacks
// described above; cleanupFn releases payload and must be idempotent-safe
// to never be called more than once (CustomOp enforces the "exactly once"
// part).
func New(callableCount int, domain, name string, savedArgs []handle.IR,
	inputADIDs, outputADIDs []NodeID, payload interface{}, cleanupFn func(interface{}),
	forward, backward RedispatchFn) *CustomOp {
	return &CustomOp{
		ID:            uuid.New(),
		CallableCount: callableCount,
		Domain:        domain,
		Name:          name,
		SavedArgs:     savedArgs,
		InputADIDs:    inputADIDs,
		OutputADIDs:   outputADIDs,
		Payload:       payload,
		cleanupFn:     cleanupFn,
		forward:       forward,
		backward:      backward,
	}
}

// DisableDeleter relinquishes this op's ownership of payload — used when
// engine.CustomOp reports "not needed" so the caller keeps responsibility
// for cleanup instead of the (never-attached) op.
func (op *CustomOp) DisableDeleter() { op.deleterDisabled = true }

// Destroy runs cleanupFn exactly once, unless DisableDeleter was called.
func (op *CustomOp) Destroy() {
	if op.destroyed {
		return
	}
	op.destroyed = true
	if op.deleterDisabled || op.cleanupFn == nil {
		return
	}
	op.cleanupFn(op.Payload)
}

// Forward runs the forward-mode AD pass: concatenate (saved_args,
// grad(input_ad_ids)), re-enter the dispatcher via forward(), and
// accumulate the results onto the output AD nodes.
func (op *CustomOp) Forward(e Engine) error {
	args := make([]handle.IR, 0, len(op.SavedArgs)+len(op.InputADIDs))
	args = append(args, op.SavedArgs...)
	for _, id := range op.InputADIDs {
		args = append(args, e.Grad(id))
	}

	for _, id := range op.InputADIDs {
		e.CaptureImplicit(id)
	}

	rv, err := op.forward(args)
	if err != nil {
		return fmt.Errorf("ad: custom op %q forward: %w", op.qualifiedName(), err)
	}
	if len(rv) != len(op.OutputADIDs) {
		return fmt.Errorf("ad: custom op %q forward returned %d tangents, expected %d",
			op.qualifiedName(), len(rv), len(op.OutputADIDs))
	}
	for i, id := range op.OutputADIDs {
		if id == 0 {
			continue
		}
		e.AccumGrad(id, rv[i])
		e.Enqueue(id)
	}
	return nil
}

// Backward runs the reverse-mode AD pass: append grad(output_ad_ids) to
// the saved args, re-enter the dispatcher via backward() inside an
// isolation boundary so its internal traversal cannot escape into the
// enclosing graph, and accumulate the results onto the input AD nodes.
func (op *CustomOp) Backward(e Engine) error {
	args := make([]handle.IR, 0, len(op.SavedArgs)+len(op.OutputADIDs))
	args = append(args, op.SavedArgs...)
	for _, id := range op.OutputADIDs {
		args = append(args, e.Grad(id))
	}

	tok := e.PushIsolation()
	defer e.PopIsolation(tok)

	for _, id := range op.OutputADIDs {
		e.CaptureImplicit(id)
	}

	rv, err := op.backward(args)
	if err != nil {
		return fmt.Errorf("ad: custom op %q backward: %w", op.qualifiedName(), err)
	}
	if len(rv) != len(op.InputADIDs) {
		return fmt.Errorf("ad: custom op %q backward returned %d cotangents, expected %d",
			op.qualifiedName(), len(rv), len(op.InputADIDs))
	}
	for i, id := range op.InputADIDs {
		if id == 0 {
			continue
		}
		e.AccumGrad(id, rv[i])
		e.Enqueue(id)
	}
	return nil
}

func (op *CustomOp) qualifiedName() string {
	if op.Domain == "" {
		return op.Name
	}
	return op.Domain + "::" + op.Name
}
