// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package handle_test

import (
	"testing"

	"github.com/probechain/dispatch-core/internal/handle"
)

func TestADPacksAndUnpacks(t *testing.T) {
	h := handle.Make(42, 7)
	if got := h.ADPart(); got != 42 {
		t.Errorf("ADPart: got %d want 42", got)
	}
	if got := h.IRPart(); got != 7 {
		t.Errorf("IRPart: got %d want 7", got)
	}
	if !h.IsDifferentiable() {
		t.Errorf("expected differentiable")
	}
}

func TestADZeroIRIsZeroRegardlessOfADPart(t *testing.T) {
	h := handle.Make(99, 0)
	if !h.IsZero() {
		t.Errorf("expected IsZero true when IR half is 0")
	}
}

func TestADDetachedStripsADPart(t *testing.T) {
	h := handle.Make(5, 3)
	d := h.Detached()
	if d.IsDifferentiable() {
		t.Errorf("expected Detached to strip the AD half")
	}
	if d.IRPart() != 3 {
		t.Errorf("Detached must keep the IR half, got %d", d.IRPart())
	}
}

func TestRefCountsBalance(t *testing.T) {
	rc := handle.NewRefCounts()
	rc.Inc(1)
	rc.Inc(1)
	rc.Inc(2)
	if rc.Balanced() {
		t.Fatalf("expected unbalanced before decrements")
	}
	rc.Dec(1)
	rc.Dec(1)
	rc.Dec(2)
	if !rc.Balanced() {
		t.Fatalf("expected balanced after matching decrements, outstanding: %v", rc.Outstanding())
	}
}

func TestRefCountsIgnoresZeroHandle(t *testing.T) {
	rc := handle.NewRefCounts()
	rc.Inc(0)
	rc.Dec(0)
	if !rc.Balanced() {
		t.Fatalf("zero handle must never affect the ledger")
	}
}
