// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package dispatch

import "github.com/probechain/dispatch-core/internal/handle"

// rvPrototype is the return shape every callable in one dispatch must agree
// on: count, per-slot scalar type, and per-slot backend tag. The backend tag
// stored per slot is the request's backend tag, not one read from the
// returned handle.
type rvPrototype struct {
	kinds    []handle.Kind
	backends []handle.Backend
}

// checkRV enforces the return-consistency rule shared by the recording and
// evaluated strategies: every callable invoked for the same call site must
// return the same number of values, with the same type in each slot. The
// first callable to run establishes the prototype; every subsequent one is
// checked against it. The backend comparison uses the backendTag argument
// for every callable, not each returned handle's own backend, so within one
// call it never reports ErrReturnBackendMismatch.
func (d *Dispatcher) checkRV(proto *rvPrototype, rv []handle.IR, backendTag handle.Backend, name string, callable int) (*rvPrototype, error) {
	if len(rv) == 0 {
		return proto, wrap(ErrEmptyReturn, name, callable, "")
	}
	for i, h := range rv {
		if h.IsZero() {
			return proto, wrapSlot(ErrEmptyReturn, name, callable, i, "")
		}
	}

	if proto == nil {
		kinds := make([]handle.Kind, len(rv))
		backends := make([]handle.Backend, len(rv))
		for i, h := range rv {
			kinds[i] = d.Backend.Type(h)
			backends[i] = backendTag
		}
		return &rvPrototype{kinds: kinds, backends: backends}, nil
	}

	if len(rv) != len(proto.kinds) {
		return proto, wrap(ErrReturnArityMismatch, name, callable, "")
	}
	for i, h := range rv {
		if k := d.Backend.Type(h); k != proto.kinds[i] {
			return proto, wrapSlot(ErrReturnTypeMismatch, name, callable, i,
				k.String()+" does not match prior callable's "+proto.kinds[i].String())
		}
		if backendTag != proto.backends[i] {
			return proto, wrapSlot(ErrReturnBackendMismatch, name, callable, i, "")
		}
	}
	return proto, nil
}
