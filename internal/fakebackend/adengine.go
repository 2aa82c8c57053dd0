// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package fakebackend

import (
	"sync"

	"github.com/probechain/dispatch-core/internal/ad"
	"github.com/probechain/dispatch-core/internal/handle"
)

// Engine is the in-process reference implementation of ad.Engine. Gradients
// are plain IR handles in the same Backend the node's primal value lives
// in, accumulated by addition; there is no lazy graph, so Traverse is a
// no-op and CustomOp always attaches (every node is conservatively treated
// as reachable from something differentiable).
type Engine struct {
	be *Backend

	mu       sync.Mutex
	nextID   uint32
	grads    map[ad.NodeID]handle.IR
	sizes    map[ad.NodeID]int
	isoSeq   uint64
	attached []*ad.CustomOp
	enqueued []ad.NodeID
}

// NewEngine returns an Engine that accumulates gradients as values in be.
func NewEngine(be *Backend) *Engine {
	return &Engine{
		be:    be,
		grads: make(map[ad.NodeID]handle.IR),
		sizes: make(map[ad.NodeID]int),
	}
}

func (e *Engine) VarNew(size int) ad.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.sizes[id] = size
	return id
}

func (e *Engine) VarIncRef(id ad.NodeID) {}
func (e *Engine) VarDecRef(id ad.NodeID) {}

func (e *Engine) VarCopy(id ad.NodeID) ad.NodeID {
	e.mu.Lock()
	size := e.sizes[id]
	g := e.grads[id]
	e.mu.Unlock()
	newID := e.VarNew(size)
	if !g.IsZero() {
		e.AccumGrad(newID, g)
	}
	return newID
}

func (e *Engine) VarGather(id ad.NodeID, index, mask handle.IR) ad.NodeID {
	e.mu.Lock()
	g := e.grads[id]
	e.mu.Unlock()
	newID := e.VarNew(e.be.Size(index))
	if !g.IsZero() {
		e.AccumGrad(newID, e.be.Gather(g, index, mask))
	}
	return newID
}

func (e *Engine) VarScatter(dst ad.NodeID, index, mask handle.IR, src ad.NodeID) ad.NodeID {
	e.mu.Lock()
	dg, srcOk := e.grads[dst], e.grads[src]
	size := e.sizes[dst]
	e.mu.Unlock()
	newID := e.VarNew(size)
	if !dg.IsZero() {
		e.AccumGrad(newID, dg)
	}
	if !srcOk.IsZero() {
		g, ok := e.grads[newID]
		if !ok || g.IsZero() {
			g = e.be.Literal(handle.KindF64, handle.BackendHost, 0, size)
		}
		e.grads[newID] = e.be.Scatter(g, index, mask, srcOk)
	}
	return newID
}

func (e *Engine) Grad(id ad.NodeID) handle.IR {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.grads[id]
}

func (e *Engine) AccumGrad(id ad.NodeID, grad handle.IR) {
	if id == 0 || grad.IsZero() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.grads[id]
	if !ok || cur.IsZero() {
		e.grads[id] = grad
		return
	}
	size := e.be.Size(cur)
	if g2 := e.be.Size(grad); g2 > size {
		size = g2
	}
	e.grads[id] = e.addScalars(cur, grad, size)
}

// addScalars adds two handles elementwise. The reference backend only
// needs this for accumulating gradients of float kinds, so it decodes each
// operand as f32 if that is its kind and as f64 otherwise, and stores the
// sum in a's kind.
func (e *Engine) addScalars(a, b handle.IR, n int) handle.IR {
	e.be.mu.Lock()
	defer e.be.mu.Unlock()
	va, vb := e.be.get(a), e.be.get(b)
	da := e.be.broadcastLocked(a, n)
	db := e.be.broadcastLocked(b, n)
	out := make([]uint64, n)
	for i := range out {
		out[i] = floatBits(va.kind, bitsToFloat(va.kind, da[i])+bitsToFloat(vb.kind, db[i]))
	}
	return e.be.alloc(va.kind, va.backend, handle.StateEvaluated, out)
}

func (e *Engine) Enqueue(id ad.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enqueued = append(e.enqueued, id)
}

func (e *Engine) Traverse(mode ad.TraverseMode, flags ad.TraverseFlags) {
	// No lazy graph to walk: CustomOp only records attached ops, and callers
	// run their Forward/Backward directly (see Attached), so traversal here
	// is a no-op.
}

func (e *Engine) CustomOp(op *ad.CustomOp) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attached = append(e.attached, op)
	return true
}

func (e *Engine) PushIsolation() ad.IsolationToken {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isoSeq++
	return ad.IsolationToken(e.isoSeq)
}

func (e *Engine) PopIsolation(tok ad.IsolationToken) {}

func (e *Engine) CaptureImplicit(id ad.NodeID) {}

// Attached returns the CustomOps this engine has accepted, for tests that
// want to drive Forward/Backward directly.
func (e *Engine) Attached() []*ad.CustomOp {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*ad.CustomOp, len(e.attached))
	copy(out, e.attached)
	return out
}
