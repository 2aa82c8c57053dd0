// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package dispatch_test

import (
	"errors"
	"math"
	"testing"

	"github.com/probechain/dispatch-core/internal/dispatch"
	"github.com/probechain/dispatch-core/internal/fakebackend"
	"github.com/probechain/dispatch-core/internal/handle"
)

// scaleFn returns a UserFn that multiplies its single argument by a
// per-instance coefficient looked up by instance pointer.
func scaleFn(be *fakebackend.Backend, coeffs map[uintptr]float64) dispatch.UserFn {
	return func(payload interface{}, instancePtr uintptr, args []handle.IR) ([]handle.IR, error) {
		c := coeffs[instancePtr]
		if len(args) == 0 {
			return []handle.IR{be.Literal(handle.KindF64, handle.BackendHost, math.Float64bits(c), 1)}, nil
		}
		xs := be.ReadAll(args[0])
		out := make([]float64, len(xs))
		for i, x := range xs {
			out[i] = x * c
		}
		return []handle.IR{be.ArrayF64(out)}, nil
	}
}

func arrayOf(be *fakebackend.Backend, vals []float64) handle.IR {
	return be.ArrayF64(vals)
}

func TestEvaluatedStrategyTwoCallables(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	instanceIdx := be.IndexArray([]int{1, 2, 1, 2})
	x := arrayOf(be, []float64{1, 2, 3, 4})

	resp, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 2,
		Name:          "scale",
		InstanceIndex: instanceIdx,
		Args:          []handle.AD{handle.Make(0, x)},
		UserFn:        scaleFn(be, map[uintptr]float64{1: 10, 2: 100}),
		CleanupFn:     func(interface{}) {},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(resp.RV) != 1 {
		t.Fatalf("expected 1 return value, got %d", len(resp.RV))
	}
	got := readF64s(t, be, resp.RV[0].IRPart())
	want := []float64{10, 200, 30, 400}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("lane %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestRecordingStrategyEmitsOneCallPerCallable(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)
	d.SymbolicCalls = true

	instanceIdx := be.IndexArray([]int{1, 2})
	x := arrayOf(be, []float64{5, 5})

	resp, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 2,
		Name:          "scale",
		InstanceIndex: instanceIdx,
		Args:          []handle.AD{handle.Make(0, x)},
		UserFn:        scaleFn(be, map[uintptr]float64{1: 2, 2: 3}),
		CleanupFn:     func(interface{}) {},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(resp.RV) != 1 {
		t.Fatalf("expected 1 return value, got %d", len(resp.RV))
	}
}

func TestRecordingStrategyMatchesEvaluatedPerLane(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)
	d.SymbolicCalls = true

	coeffs := map[uintptr]float64{1: 2, 2: 3}
	instanceIdx := be.IndexArray([]int{1, 2, 1, 2})
	x := arrayOf(be, []float64{10, 10, 10, 10})

	resp, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 2,
		Name:          "scale",
		InstanceIndex: instanceIdx,
		Args:          []handle.AD{handle.Make(0, x)},
		UserFn:        scaleFn(be, coeffs),
		CleanupFn:     func(interface{}) {},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	got := readF64s(t, be, resp.RV[0].IRPart())
	want := []float64{20, 30, 20, 30}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("lane %d: got %v want %v (recording strategy must select per-lane by instance id, not broadcast one callable)", i, got[i], want[i])
		}
	}
}

func TestGetterStrategyScalarLookup(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	radii := map[uintptr]uint64{1: 7, 2: 9}
	userFn := func(payload interface{}, instancePtr uintptr, args []handle.IR) ([]handle.IR, error) {
		return []handle.IR{be.Literal(handle.KindU32, handle.BackendHost, radii[instancePtr], 1)}, nil
	}

	instanceIdx := be.IndexArray([]int{1, 2, 1})
	resp, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 2,
		Name:          "radius",
		IsGetter:      true,
		InstanceIndex: instanceIdx,
		UserFn:        userFn,
		CleanupFn:     func(interface{}) {},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	out := resp.RV[0].IRPart()
	if be.Size(out) != 3 {
		t.Fatalf("expected 3 lanes, got %d", be.Size(out))
	}
}

func TestGetterStrategyShortcutsIdenticalScalars(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	userFn := func(payload interface{}, instancePtr uintptr, args []handle.IR) ([]handle.IR, error) {
		return []handle.IR{be.Literal(handle.KindU32, handle.BackendHost, 42, 1)}, nil
	}

	instanceIdx := be.IndexArray([]int{1, 2, 1})
	resp, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 2,
		Name:          "tag",
		IsGetter:      true,
		InstanceIndex: instanceIdx,
		UserFn:        userFn,
		CleanupFn:     func(interface{}) {},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	out := resp.RV[0].IRPart()
	if be.Size(out) != 3 {
		t.Fatalf("expected 3 lanes, got %d", be.Size(out))
	}
	if be.State(out) != handle.StateLiteral {
		t.Fatalf("expected the uniform-scalar shortcut to produce a literal, got state %v", be.State(out))
	}
}

func TestModeConflict(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	_, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 2,
		Domain:        "shape",
		Name:          "area",
		UserFn:        func(interface{}, uintptr, []handle.IR) ([]handle.IR, error) { return nil, nil },
	})
	if !errors.Is(err, dispatch.ErrModeConflict) {
		t.Fatalf("expected ErrModeConflict, got %v", err)
	}
}

func TestDegenerateCaseReturnsZeroUnderFalseMask(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	resp, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		Domain:        "empty",
		CallableCount: 0,
		Name:          "never",
		UserFn: func(interface{}, uintptr, []handle.IR) ([]handle.IR, error) {
			return []handle.IR{be.Literal(handle.KindF64, handle.BackendHost, 0, 1)}, nil
		},
		CleanupFn: func(interface{}) {},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(resp.RV) != 1 {
		t.Fatalf("expected 1 return value, got %d", len(resp.RV))
	}
}

func TestReturnArityMismatchAcrossCallables(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	userFn := func(payload interface{}, instancePtr uintptr, args []handle.IR) ([]handle.IR, error) {
		if instancePtr == 1 {
			return []handle.IR{be.Literal(handle.KindF64, handle.BackendHost, 0, 1)}, nil
		}
		return []handle.IR{
			be.Literal(handle.KindF64, handle.BackendHost, 0, 1),
			be.Literal(handle.KindF64, handle.BackendHost, 0, 1),
		}, nil
	}

	instanceIdx := be.IndexArray([]int{1, 2})
	_, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 2,
		Name:          "bad",
		InstanceIndex: instanceIdx,
		UserFn:        userFn,
		CleanupFn:     func(interface{}) {},
	})
	if !errors.Is(err, dispatch.ErrReturnArityMismatch) {
		t.Fatalf("expected ErrReturnArityMismatch, got %v", err)
	}
}

func TestADForwardTangentThroughCustomOp(t *testing.T) {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	// A differentiable callable must accept the doubled argument list
	// during AD passes: primal args, then one tangent per differentiable
	// input (forward) or one cotangent per output (backward).
	userFn := func(payload interface{}, instancePtr uintptr, args []handle.IR) ([]handle.IR, error) {
		c := map[uintptr]float64{1: 2, 2: 3}[instancePtr]
		if len(args) == 1 {
			x, _ := be.Read(args[0])
			v := math.Float64frombits(x) * c
			return []handle.IR{be.Literal(handle.KindF64, handle.BackendHost, math.Float64bits(v), 1)}, nil
		}
		// args[0] is the primal, args[1] is the tangent/cotangent.
		g, _ := be.Read(args[1])
		v := math.Float64frombits(g) * c
		return []handle.IR{be.Literal(handle.KindF64, handle.BackendHost, math.Float64bits(v), 1)}, nil
	}

	xIR := be.Literal(handle.KindF64, handle.BackendHost, math.Float64bits(5), 1)
	xAD := eng.VarNew(1)
	seed := be.Literal(handle.KindF64, handle.BackendHost, math.Float64bits(1), 1)
	eng.AccumGrad(xAD, seed)

	instanceIdx := be.IndexArray([]int{1})
	resp, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 1,
		Name:          "lin",
		InstanceIndex: instanceIdx,
		Args:          []handle.AD{handle.Make(xAD, xIR)},
		UserFn:        userFn,
		CleanupFn:     func(interface{}) {},
		ADEnabled:     true,
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.HandledCleanup {
		t.Fatalf("expected the custom op to take ownership of cleanup")
	}
	if !resp.RV[0].IsDifferentiable() {
		t.Fatalf("expected an AD-tagged output")
	}

	ops := eng.Attached()
	if len(ops) != 1 {
		t.Fatalf("expected exactly one attached CustomOp, got %d", len(ops))
	}
	if err := ops[0].Forward(eng); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	outID := resp.RV[0].ADPart()
	got := eng.Grad(outID)
	x, _ := be.Read(got)
	if v := math.Float64frombits(x); v != 2 {
		t.Fatalf("forward tangent: got %v want 2", v)
	}
}

func readF64s(t *testing.T, be *fakebackend.Backend, h handle.IR) []float64 {
	t.Helper()
	n := be.Size(h)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		lane := be.Gather(h, be.IndexArray([]int{i}), be.MaskDefault(1))
		bits, err := be.Read(lane)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		out[i] = math.Float64frombits(bits)
	}
	return out
}
