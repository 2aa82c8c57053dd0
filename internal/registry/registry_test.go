// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package registry_test

import (
	"testing"

	"github.com/probechain/dispatch-core/internal/fakebackend"
	"github.com/probechain/dispatch-core/internal/handle"
	"github.com/probechain/dispatch-core/internal/registry"
)

func TestRawIndexModeResolvesIdentity(t *testing.T) {
	be := fakebackend.New()
	table := registry.New(be, handle.BackendHost, "", 3)

	if table.Count() != 3 {
		t.Fatalf("Count: got %d want 3", table.Count())
	}
	for id := 1; id <= 3; id++ {
		ptr, ok := table.Resolve(id)
		if !ok || ptr != uintptr(id) {
			t.Errorf("Resolve(%d): got (%v, %v) want (%v, true)", id, ptr, ok, uintptr(id))
		}
	}
	if _, ok := table.Resolve(0); ok {
		t.Errorf("Resolve(0) must report ok=false (null instance)")
	}
}

func TestDomainModeResolvesThroughBackendRegistry(t *testing.T) {
	be := fakebackend.New()
	be.Register(handle.BackendHost, "shape", 1, 0x1000)
	be.Register(handle.BackendHost, "shape", 2, 0x2000)

	table := registry.New(be, handle.BackendHost, "shape", 0)
	if table.Count() != 3 {
		t.Fatalf("Count: got %d want 3 (bound is max id + 1)", table.Count())
	}

	ptr, ok := table.Resolve(1)
	if !ok || ptr != 0x1000 {
		t.Errorf("Resolve(1): got (%#x, %v) want (0x1000, true)", ptr, ok)
	}

	if _, ok := table.Resolve(99); ok {
		t.Errorf("Resolve(99) must report ok=false for an unregistered id")
	}

	// A repeat lookup should hit the LRU cache and return the same result.
	ptr2, ok2 := table.Resolve(1)
	if ptr2 != ptr || ok2 != ok {
		t.Errorf("cached Resolve(1) mismatch: got (%#x, %v)", ptr2, ok2)
	}
}
