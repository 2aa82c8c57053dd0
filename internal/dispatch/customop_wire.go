// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package dispatch

import (
	"github.com/probechain/dispatch-core/internal/ad"
	"github.com/probechain/dispatch-core/internal/handle"
	"github.com/probechain/dispatch-core/internal/registry"
)

// adConvention documents how the forward/backward callback reuses the same
// UserFn a caller registers for the primal call: the cleanest way to do
// this is for that UserFn to accept a doubled argument list during AD
// passes, the primal arguments followed by one tangent (forward) or one
// output cotangent (backward) per differentiable slot, returning the
// corresponding tangents/cotangents instead of primal results. Dispatch
// only threads the concatenation and re-entry; the gradient math itself is
// the callable's responsibility, exactly as the primal math is.
const adConvention = "UserFn receives primal args ++ tangents/cotangents during AD passes"

// wrapCustomOp builds a CustomOp over the strategy's plain-IR outputs,
// tries to attach it to the AD graph, and reports whether the op (not the
// caller) now owns payload.
func (d *Dispatcher) wrapCustomOp(req Request, table *registry.Table, irArgs []handle.IR, argsAD []bool, rvIR []handle.IR, name string) ([]handle.AD, bool, error) {
	var inputADIDs []ad.NodeID
	for i, isAD := range argsAD {
		if isAD {
			inputADIDs = append(inputADIDs, req.Args[i].ADPart())
		}
	}

	outputADIDs := make([]ad.NodeID, len(rvIR))
	for i, h := range rvIR {
		outputADIDs[i] = d.AD.VarNew(d.Backend.Size(h))
	}

	forwardFn := d.buildRedispatch(req, name+"$fwd")
	backwardFn := d.buildRedispatch(req, name+"$bwd")

	op := ad.New(table.Count(), req.Domain, req.Name, irArgs, inputADIDs, outputADIDs,
		req.Payload, req.CleanupFn, forwardFn, backwardFn)

	if d.AD.CustomOp(op) {
		rv := make([]handle.AD, len(rvIR))
		for i, h := range rvIR {
			rv[i] = handle.Make(outputADIDs[i], h)
		}
		return rv, true, nil
	}

	op.DisableDeleter()
	rv := make([]handle.AD, len(rvIR))
	for i, h := range rvIR {
		rv[i] = handle.Make(0, h)
	}
	return rv, false, nil
}

// buildRedispatch builds the re-entrant callback CustomOp.Forward/Backward
// invoke: it re-enters d.Call with the same dispatch coordinates and the
// original UserFn, under a derived name so logs/diagnostics can tell the
// AD passes apart from the primal call.
func (d *Dispatcher) buildRedispatch(req Request, derivedName string) ad.RedispatchFn {
	return func(args []handle.IR) ([]handle.IR, error) {
		adArgs := make([]handle.AD, len(args))
		for i, h := range args {
			adArgs[i] = handle.Make(0, h)
		}
		sub := Request{
			Backend:       req.Backend,
			Domain:        req.Domain,
			CallableCount: req.CallableCount,
			Name:          derivedName,
			IsGetter:      false,
			InstanceIndex: req.InstanceIndex,
			Mask:          req.Mask,
			Args:          adArgs,
			Payload:       req.Payload,
			UserFn:        req.UserFn,
			CleanupFn:     func(interface{}) {},
			ADEnabled:     false,
		}
		resp, err := d.Call(sub)
		if err != nil {
			return nil, err
		}
		out := make([]handle.IR, len(resp.RV))
		for i, h := range resp.RV {
			out[i] = h.IRPart()
		}
		return out, nil
	}
}
