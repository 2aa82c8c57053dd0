// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package dispatch

import (
	"fmt"

	"github.com/probechain/dispatch-core/internal/graph"
	"github.com/probechain/dispatch-core/internal/handle"
	"github.com/probechain/dispatch-core/internal/registry"
)

const aggEntryBytes = 8 // every packed literal/pointer slot is one 64-bit word

// runGetter is the getter strategy: when every callable's body is a
// constant-time scalar read with no call arguments, there is no need to
// emit a call at all. Each callable is invoked once, up front, to produce
// one scalar per output slot; the scalars are packed into a small lookup
// table indexed by callable id, and the final per-lane result is a single
// gather against that table.
func (d *Dispatcher) runGetter(req Request, table *registry.Table, callableCount int) ([]handle.IR, error) {
	name := combinedName(req.Domain, req.Name)

	var proto *rvPrototype
	var kinds []handle.Kind
	// tables[j][id] is the packed entry for output slot j, callable id.
	// Index 0 is the null-instance default (zero) and is never overwritten,
	// so instance_index values of 0 that reach here (a lane whose mask was
	// true but whose index was 0) still gather a well-defined zero.
	var tables [][]graph.AggEntry
	var resolvedIDs []int

	for i := 1; i <= callableCount; i++ {
		ptr, ok := table.Resolve(i)
		if !ok {
			continue
		}
		resolvedIDs = append(resolvedIDs, i)

		self := graph.PushSelf(&d.depths, d.Backend, d.Backend.U32(uint32(i)), req.InstanceIndex)
		rv, err := req.UserFn(req.Payload, ptr, nil)
		if err != nil {
			self.Release()
			return nil, fmt.Errorf("dispatch: getter callable %d of %q: %w", i, name, err)
		}
		proto, err = d.checkRV(proto, rv, req.Backend, name, i)
		if err != nil {
			self.Release()
			return nil, err
		}

		if tables == nil {
			tables = make([][]graph.AggEntry, len(rv))
			kinds = make([]handle.Kind, len(rv))
			for j, h := range rv {
				kinds[j] = d.Backend.Type(h)
				tables[j] = make([]graph.AggEntry, callableCount+1)
			}
		}

		for j, h := range rv {
			if d.Backend.Size(h) != 1 {
				self.Release()
				return nil, wrapSlot(ErrReturnNotScalar, name, i, j, "")
			}
			entry, eerr := d.aggEntryFor(h, name, i, j)
			if eerr != nil {
				self.Release()
				return nil, eerr
			}
			tables[j][i] = entry
		}
		self.Release()
	}

	if len(resolvedIDs) == 0 {
		return nil, wrap(ErrRegistryMiss, name, 0, "no callable in range resolved to an instance")
	}

	out := make([]handle.IR, len(tables))
	for j, entries := range tables {
		if lit, ok := uniformLiteral(entries, resolvedIDs); ok {
			// Every resolved callable produced the same scalar for this
			// slot: the indirect lookup can never disagree lane to lane, so
			// skip the malloc/Aggregate/Buffer/Gather chain entirely and
			// broadcast the shared value straight to the unified size.
			out[j] = d.Backend.Literal(kinds[j], req.Backend, lit, d.Backend.Size(req.InstanceIndex))
			continue
		}
		target := d.Backend.Malloc(req.Backend, uint64(len(entries))*aggEntryBytes)
		d.Backend.Aggregate(target, entries)
		buf := d.Backend.Buffer(target, kinds[j], len(entries), req.Backend)
		gatherMask := d.Backend.MaskDefault(0)
		out[j] = d.Backend.Gather(buf, req.InstanceIndex, gatherMask)
	}
	return out, nil
}

// uniformLiteral reports whether every resolved callable's entry in a
// getter slot's table is the same literal value, in which case the whole
// packed-table/gather machinery is unnecessary: any lane's lookup would
// land on the same answer regardless of its instance id. Unresolved ids
// never occupied a slot and are excluded from the comparison.
func uniformLiteral(entries []graph.AggEntry, resolvedIDs []int) (uint64, bool) {
	var lit uint64
	seen := false
	for _, id := range resolvedIDs {
		e := entries[id]
		if !e.IsLiteral {
			return 0, false
		}
		if !seen {
			lit, seen = e.Literal, true
			continue
		}
		if e.Literal != lit {
			return 0, false
		}
	}
	return lit, seen
}

// aggEntryFor converts a scalar return handle into the literal-or-pointer
// form the packed aggregation table stores.
func (d *Dispatcher) aggEntryFor(h handle.IR, name string, callable, slot int) (graph.AggEntry, error) {
	if d.Backend.State(h) == handle.StateLiteral {
		return graph.AggEntry{IsLiteral: true, Literal: d.Backend.Data(h)}, nil
	}
	if ptr, ok := d.Backend.MemMap(h); ok {
		return graph.AggEntry{Ptr: ptr}, nil
	}
	return graph.AggEntry{}, wrapSlot(ErrInternalInvariant, name, callable, slot,
		"getter output is neither a literal nor backed by mapped memory")
}
