// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package dispatch implements the symbolic indirect-call dispatcher: the
// entry point that fuses per-instance sub-computations into one compiled
// kernel (recording strategy), falls back to a bucketized evaluated
// strategy outside symbolic regions, specializes to a packed-literal
// gather for getter calls, and wraps the result in a CustomOp when any
// input is differentiable. Only the inputs' AD halves are inspected:
// UserFn returns plain IR handles, so outputs carry no AD tag of their own.
package dispatch

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"

	"github.com/probechain/dispatch-core/internal/ad"
	"github.com/probechain/dispatch-core/internal/graph"
	"github.com/probechain/dispatch-core/internal/handle"
	"github.com/probechain/dispatch-core/internal/registry"
	"github.com/probechain/dispatch-core/internal/xlog"
)

// UserFn is the callable protocol: given the payload and an opaque
// instance pointer (0 for the degenerate "null instance" prototype call),
// produce the per-instance sub-computation's return values from the
// already call-input-wrapped argument handles.
type UserFn func(payload interface{}, instancePtr uintptr, args []handle.IR) (rv []handle.IR, err error)

// CleanupFn releases payload. The dispatcher invokes it exactly once when
// Call returns an error. On success it does not invoke it: either an
// attached CustomOp owns payload (Response.HandledCleanup is true) or
// cleanup is left to the caller.
type CleanupFn func(payload interface{})

// Request is the dispatcher's public contract.
// Exactly one of Domain and CallableCount must be set.
type Request struct {
	Backend       handle.Backend
	Domain        string
	CallableCount int
	Name          string
	IsGetter      bool
	InstanceIndex handle.IR
	Mask          handle.IR
	Args          []handle.AD
	Payload       interface{}
	UserFn        UserFn
	CleanupFn     CleanupFn
	ADEnabled     bool
}

// Response is the dispatcher's result: the return-value handles and
// whether payload ownership was handed off to an attached CustomOp.
type Response struct {
	RV             []handle.AD
	HandledCleanup bool
}

// Dispatcher owns the process-wide scoped stacks and the
// flags that pick a strategy.
type Dispatcher struct {
	Backend       graph.Backend
	AD            ad.Engine
	SymbolicCalls bool // the "SymbolicCalls" flag: enables the recording strategy

	depths graph.Depths
	log    *xlog.Logger
}

// New builds a Dispatcher over the given backend and AD engine.
func New(be graph.Backend, engine ad.Engine) *Dispatcher {
	return &Dispatcher{Backend: be, AD: engine, log: xlog.Root.With("component", "dispatch")}
}

// Symbolic reports whether a recording scope is currently open: the
// read-only flag user code consults to tell whether an evaluated
// (non-recorded) call is safe to issue right now.
func (d *Dispatcher) Symbolic() bool { return d.depths.InSymbolicRegion() }

// StackDepths exposes the current scoped-stack depths, for tests asserting
// the "no net change in stack depth" invariant.
func (d *Dispatcher) StackDepths() graph.StackDepths { return d.depths.Snapshot() }

// Depths exposes the dispatcher's scoped-stack state so the control-flow
// frontends (If, While) can push their own mask frames onto the same
// stacks the dispatcher itself uses, keeping one LIFO discipline across
// both.
func (d *Dispatcher) Depths() *graph.Depths { return &d.depths }

// Call is the dispatcher entry point.
func (d *Dispatcher) Call(req Request) (resp Response, err error) {
	name := combinedName(req.Domain, req.Name)
	callID := uuid.New()
	log := d.log.With("call_id", callID, "name", name)
	cleaned := false
	defer func() {
		if err != nil && !cleaned && req.CleanupFn != nil {
			req.CleanupFn(req.Payload)
		}
		if err != nil {
			log.Debug("call failed", "err", err)
		}
	}()

	if (req.Domain != "") == (req.CallableCount != 0) {
		return Response{}, wrap(ErrModeConflict, name, 0, "")
	}

	table := registry.New(d.Backend, req.Backend, req.Domain, req.CallableCount)
	callableCount := table.Count()
	log.Trace("call dispatched", "request", spew.Sdump(req))

	irArgs := make([]handle.IR, len(req.Args))
	argsAD := make([]bool, len(req.Args))
	for i, a := range req.Args {
		irArgs[i] = a.IRPart()
		argsAD[i] = a.IsDifferentiable()
	}

	size, err := d.unifySize(req.InstanceIndex, req.Mask, irArgs, name)
	if err != nil {
		return Response{}, err
	}

	if d.isDegenerate(req.InstanceIndex, req.Mask, size, callableCount) {
		rv, derr := d.runDegenerate(req, size)
		if derr != nil {
			return Response{}, derr
		}
		return Response{RV: rv, HandledCleanup: false}, nil
	}

	var rvIR []handle.IR
	switch {
	case req.IsGetter:
		rvIR, err = d.runGetter(req, table, callableCount)
	case d.SymbolicCalls:
		rvIR, err = d.runRecording(req, table, callableCount, irArgs, name)
	default:
		if d.Symbolic() {
			return Response{}, wrap(ErrSymbolicModeRequired, name, 0, "")
		}
		rvIR, err = d.runEvaluated(req, table, callableCount, irArgs, size)
	}
	if err != nil {
		return Response{}, err
	}

	for _, h := range rvIR {
		if h.IsZero() {
			return Response{}, wrap(ErrEmptyReturn, name, 0, "strategy produced a zero handle")
		}
	}

	needsAD := req.ADEnabled
	if needsAD {
		needsAD = false
		for _, ok := range argsAD {
			if ok {
				needsAD = true
				break
			}
		}
	}

	if !needsAD {
		rv := make([]handle.AD, len(rvIR))
		for i, h := range rvIR {
			rv[i] = handle.Make(0, h)
		}
		return Response{RV: rv, HandledCleanup: false}, nil
	}

	rv, handled, werr := d.wrapCustomOp(req, table, irArgs, argsAD, rvIR, name)
	if werr != nil {
		return Response{}, werr
	}
	cleaned = handled
	return Response{RV: rv, HandledCleanup: handled}, nil
}

func combinedName(domain, name string) string {
	if domain == "" {
		return name
	}
	return domain + "::" + name
}

// unifySize implements "Size unification": every
// non-broadcast input must share one common size, or be broadcastable
// (size 1).
func (d *Dispatcher) unifySize(instanceIndex, mask handle.IR, args []handle.IR, name string) (int, error) {
	size := 1
	grow := func(h handle.IR) error {
		if h.IsZero() {
			return nil
		}
		s := d.Backend.Size(h)
		if s == size || s == 1 {
			if s > size {
				size = s
			}
			return nil
		}
		if size == 1 {
			size = s
			return nil
		}
		return wrap(ErrShapeMismatch, name, 0, fmt.Sprintf("size %d incompatible with unified size %d", s, size))
	}
	if err := grow(instanceIndex); err != nil {
		return 0, err
	}
	if err := grow(mask); err != nil {
		return 0, err
	}
	for i, a := range args {
		if err := grow(a); err != nil {
			return 0, wrapSlot(ErrShapeMismatch, name, 0, i, err.Error())
		}
	}
	return size, nil
}

// isDegenerate implements "Degenerate case" predicate.
func (d *Dispatcher) isDegenerate(instanceIndex, mask handle.IR, size, callableCount int) bool {
	if callableCount == 0 {
		return true
	}
	if size == 0 {
		return true
	}
	if !instanceIndex.IsZero() && d.Backend.IsZeroLiteral(instanceIndex) {
		return true
	}
	if !mask.IsZero() && d.Backend.IsZeroLiteral(mask) && d.Backend.Type(mask) == handle.KindBool {
		return true
	}
	return false
}

// runDegenerate calls user_fn once with a null instance pointer to learn
// the output prototype, then replaces every returned handle with a zero
// literal of the same type and size, under an all-false mask.
func (d *Dispatcher) runDegenerate(req Request, size int) ([]handle.AD, error) {
	falseMask := d.Backend.Bool(false)
	d.Backend.MaskPush(falseMask)
	defer d.Backend.MaskPop()

	rv, err := req.UserFn(req.Payload, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatch: degenerate prototype call: %w", err)
	}
	out := make([]handle.AD, len(rv))
	for i, h := range rv {
		kind := d.Backend.Type(h)
		zero := d.Backend.Literal(kind, req.Backend, 0, size)
		out[i] = handle.Make(0, zero)
	}
	return out, nil
}
