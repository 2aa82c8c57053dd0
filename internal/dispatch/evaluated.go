// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package dispatch

import (
	"fmt"

	"github.com/probechain/dispatch-core/internal/graph"
	"github.com/probechain/dispatch-core/internal/handle"
	"github.com/probechain/dispatch-core/internal/registry"
)

// runEvaluated is the evaluated strategy: outside a symbolic region there is
// no kernel to fuse into, so instead of recording each callable's body once
// it groups lanes into call buckets by callable id and runs one plain,
// non-recorded invocation per bucket, scattering each bucket's results back
// into its original lane positions.
func (d *Dispatcher) runEvaluated(req Request, table *registry.Table, callableCount int, irArgs []handle.IR, size int) ([]handle.IR, error) {
	name := combinedName(req.Domain, req.Name)

	buckets, _ := d.Backend.CallReduce(req.Backend, req.Domain, req.InstanceIndex)
	if len(buckets) == 0 {
		return nil, wrap(ErrRegistryMiss, name, 0, "call_reduce produced no buckets")
	}

	var proto *rvPrototype
	var outs []handle.IR
	ran := 0
	prevWavefront := -1

	for _, bucket := range buckets {
		ptr, ok := table.Resolve(bucket.ID)
		if !ok {
			continue
		}

		// Two consecutive buckets of the same wavefront size look, to an
		// emitter, like a single vectorizable run; force everything
		// scheduled so far through before starting the next one so a real
		// backend never accidentally fuses two distinct callables' bodies
		// into one kernel.
		if bucket.Perm != nil && len(bucket.Perm) == prevWavefront {
			d.Backend.Eval()
		}
		prevWavefront = len(bucket.Perm)

		idxArr := d.Backend.IndexArray(bucket.Perm)
		gatherMask := d.Backend.MaskDefault(len(bucket.Perm))

		var laneMask handle.IR
		if !req.Mask.IsZero() {
			laneMask = d.Backend.Gather(req.Mask, idxArr, gatherMask)
		} else {
			laneMask = gatherMask
		}

		bucketArgs := make([]handle.IR, len(irArgs))
		for i, a := range irArgs {
			if a.IsZero() {
				continue
			}
			bucketArgs[i] = d.Backend.Gather(a, idxArr, gatherMask)
		}

		self := graph.PushSelf(&d.depths, d.Backend, d.Backend.U32(uint32(bucket.ID)), req.InstanceIndex)
		rv, err := req.UserFn(req.Payload, ptr, bucketArgs)
		if err != nil {
			self.Release()
			return nil, fmt.Errorf("dispatch: evaluated bucket %d of %q: %w", bucket.ID, name, err)
		}
		proto, err = d.checkRV(proto, rv, req.Backend, name, bucket.ID)
		if err != nil {
			self.Release()
			return nil, err
		}
		self.Release()

		if outs == nil {
			outs = make([]handle.IR, len(rv))
			for j, h := range rv {
				kind := d.Backend.Type(h)
				outs[j] = d.Backend.Literal(kind, req.Backend, 0, size)
			}
		}
		for j, h := range rv {
			outs[j] = d.Backend.Scatter(outs[j], idxArr, laneMask, h)
			d.Backend.Schedule(outs[j])
		}
		ran++
	}

	if ran == 0 {
		return nil, wrap(ErrRegistryMiss, name, 0, "no bucket resolved to a registered instance")
	}
	return outs, nil
}
