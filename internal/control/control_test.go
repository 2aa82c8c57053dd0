// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package control_test

import (
	"math"
	"testing"

	"github.com/probechain/dispatch-core/internal/control"
	"github.com/probechain/dispatch-core/internal/dispatch"
	"github.com/probechain/dispatch-core/internal/fakebackend"
	"github.com/probechain/dispatch-core/internal/handle"
)

func TestIfMergesBranchesByMask(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	x := be.ArrayF64([]float64{-3, 2, -1, 4})
	cond := be.Neq(signBit(be, x), be.Bool(false))

	out, err := control.If(d, control.ModeAuto, cond, nil,
		func(state []handle.IR) ([]handle.IR, error) {
			return []handle.IR{negate(be, x)}, nil
		},
		func(state []handle.IR) ([]handle.IR, error) {
			return []handle.IR{x}, nil
		},
	)
	if err != nil {
		t.Fatalf("If: %v", err)
	}
	got := be.ReadAll(out[0])
	want := []float64{3, 2, 1, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("lane %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestIfScalarModeRunsExactlyOneBranch(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	trueCond := be.Bool(true)
	state := []handle.IR{be.ArrayF64([]float64{1, 2, 3})}

	thenRan, elseRan := false, false
	out, err := control.If(d, control.ModeScalar, trueCond, state,
		func(s []handle.IR) ([]handle.IR, error) {
			thenRan = true
			return []handle.IR{s[0]}, nil
		},
		func(s []handle.IR) ([]handle.IR, error) {
			elseRan = true
			return []handle.IR{s[0]}, nil
		},
	)
	if err != nil {
		t.Fatalf("If: %v", err)
	}
	if !thenRan || elseRan {
		t.Fatalf("scalar mode must run exactly the taken branch: thenRan=%v elseRan=%v", thenRan, elseRan)
	}
	got := be.ReadAll(out[0])
	want := []float64{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("lane %d: got %v want %v", i, got[i], want[i])
		}
	}

	// The branch must have received an isolated copy of state, not the
	// original handle.
	if out[0] == state[0] {
		t.Fatalf("scalar branch must receive an isolated copy of state, not the original handle")
	}
}

func TestWhileConvergesAndMergesByMask(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	state := []handle.IR{be.ArrayF64([]float64{3, 0, 5})}

	final, err := control.While(d, state,
		func(s []handle.IR) (handle.IR, error) {
			vals := be.ReadAll(s[0])
			words := make([]int, len(vals))
			for i, v := range vals {
				if v > 0 {
					words[i] = 1
				}
			}
			return boolArray(be, words), nil
		},
		func(s []handle.IR) ([]handle.IR, error) {
			vals := be.ReadAll(s[0])
			out := make([]float64, len(vals))
			for i, v := range vals {
				out[i] = v - 1
			}
			return []handle.IR{be.ArrayF64(out)}, nil
		},
	)
	if err != nil {
		t.Fatalf("While: %v", err)
	}
	out := final.([]handle.IR)
	got := be.ReadAll(out[0])
	want := []float64{0, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("lane %d: got %v want %v", i, got[i], want[i])
		}
	}
}

// pair is a small struct-shaped loop state used to exercise the pytree
// walker's struct-field and nested-slice paths.
type pair struct {
	Count handle.IR
	Vals  []handle.IR
}

func TestWhileAcceptsStructAndNestedSliceState(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	init := pair{
		Count: be.ArrayF64([]float64{0}),
		Vals:  []handle.IR{be.ArrayF64([]float64{3, 0, 5})},
	}

	final, err := control.While(d, init,
		func(leaves []handle.IR) (handle.IR, error) {
			vals := be.ReadAll(leaves[1])
			words := make([]int, len(vals))
			for i, v := range vals {
				if v > 0 {
					words[i] = 1
				}
			}
			return boolArray(be, words), nil
		},
		func(leaves []handle.IR) ([]handle.IR, error) {
			vals := be.ReadAll(leaves[1])
			out := make([]float64, len(vals))
			for i, v := range vals {
				out[i] = v - 1
			}
			return []handle.IR{leaves[0], be.ArrayF64(out)}, nil
		},
	)
	if err != nil {
		t.Fatalf("While: %v", err)
	}
	got := final.(pair)
	vals := be.ReadAll(got.Vals[0])
	want := []float64{0, 0, 0}
	for i := range want {
		if vals[i] != want[i] {
			t.Errorf("lane %d: got %v want %v", i, vals[i], want[i])
		}
	}
}

// signBit and negate are small test-only helpers built from ReadAll/ArrayF64
// since the fake backend has no dedicated sign/negate op.
func signBit(be *fakebackend.Backend, h handle.IR) handle.IR {
	vals := be.ReadAll(h)
	words := make([]int, len(vals))
	for i, v := range vals {
		if math.Signbit(v) {
			words[i] = 1
		}
	}
	return boolArray(be, words)
}

func negate(be *fakebackend.Backend, h handle.IR) handle.IR {
	vals := be.ReadAll(h)
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = -v
	}
	return be.ArrayF64(out)
}

func boolArray(be *fakebackend.Backend, words []int) handle.IR {
	idx := make([]int, len(words))
	copy(idx, words)
	return be.IndexArray(idx)
}
