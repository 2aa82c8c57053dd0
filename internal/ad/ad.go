// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package ad declares the automatic-differentiation graph contract the
// dispatcher consumes, and the CustomOp node that wraps a recorded
// indirect call as a single AD-graph node.
package ad

import "github.com/probechain/dispatch-core/internal/handle"

// NodeID identifies a node in the AD graph. Zero means "not tracked".
type NodeID = uint32

// TraverseMode selects the direction of an ad graph traversal.
type TraverseMode uint8

const (
	TraverseForward TraverseMode = iota
	TraverseBackward
)

// TraverseFlags modulate a traversal; bits are engine-specific, the
// dispatcher only ever passes them through unchanged.
type TraverseFlags uint32

// IsolationToken is returned by PushIsolation and must be passed back to
// PopIsolation to close the boundary. It prevents a CustomOp's backward
// pass from letting its internal traversal escape into the enclosing AD
// graph.
type IsolationToken uint64

// Engine is the AD graph the dispatcher and CustomOp consume. A concrete
// implementation lives outside this module's scope; tests
// and the demo CLI use internal/fakebackend's reference implementation.
type Engine interface {
	VarNew(size int) NodeID
	VarIncRef(id NodeID)
	VarDecRef(id NodeID)
	VarCopy(id NodeID) NodeID
	VarGather(id NodeID, index, mask handle.IR) NodeID
	VarScatter(dst NodeID, index, mask handle.IR, src NodeID) NodeID

	// Grad returns the current gradient/tangent buffer for id as an IR
	// handle (zero if none has accumulated yet).
	Grad(id NodeID) handle.IR
	// AccumGrad adds grad into the running gradient for id.
	AccumGrad(id NodeID, grad handle.IR)

	Enqueue(id NodeID)
	Traverse(mode TraverseMode, flags TraverseFlags)

	// CustomOp attaches op to the graph. It returns attached=false when the
	// engine decides the op is not needed (e.g. none of its outputs are
	// reachable from anything differentiable), in which case the caller
	// must relinquish payload ownership back to itself instead of to op.
	CustomOp(op *CustomOp) (attached bool)

	PushIsolation() IsolationToken
	PopIsolation(tok IsolationToken)

	// CaptureImplicit registers an implicit (side-effect) dependency that
	// was created while recording id's defining instruction, so AD
	// traversal accounts for it even though it never appears as an
	// explicit operand.
	CaptureImplicit(id NodeID)
}
