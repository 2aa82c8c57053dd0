// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package fakebackend_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probechain/dispatch-core/internal/fakebackend"
	"github.com/probechain/dispatch-core/internal/graph"
	"github.com/probechain/dispatch-core/internal/handle"
)

func TestGatherScatterRoundTrip(t *testing.T) {
	be := fakebackend.New()

	src := be.ArrayF64([]float64{10, 20, 30})
	idx := be.IndexArray([]int{2, 0, 1, 2})
	mask := be.MaskDefault(4)

	gathered := be.Gather(src, idx, mask)
	require.Equal(t, 4, be.Size(gathered))
	assert.Equal(t, []float64{30, 10, 20, 30}, be.ReadAll(gathered))

	updated := be.Scatter(src, be.IndexArray([]int{0, 1, 2}), be.MaskDefault(3), be.ArrayF64([]float64{1, 2, 3}))
	assert.Equal(t, []float64{1, 2, 3}, be.ReadAll(updated))
}

func TestRecordEndDiscardRollsBackCreatedHandles(t *testing.T) {
	be := fakebackend.New()

	before := be.ArrayF64([]float64{1})
	cp := be.RecordBegin()
	_ = be.ArrayF64([]float64{2})
	_ = be.ArrayF64([]float64{3})
	be.RecordEnd(cp, true)

	assert.Equal(t, []float64{1}, be.ReadAll(before))
}

func TestCallReduceGroupsLanesByInstanceID(t *testing.T) {
	be := fakebackend.New()

	idx := be.IndexArray([]int{1, 2, 1, 0, 2})
	buckets, nInst := be.CallReduce(handle.BackendHost, "", idx)
	require.Equal(t, 3, nInst)

	byID := make(map[int][]int, len(buckets))
	for _, b := range buckets {
		byID[b.ID] = b.Perm
	}
	assert.ElementsMatch(t, []int{0, 2}, byID[1])
	assert.ElementsMatch(t, []int{1, 4}, byID[2])
	assert.Len(t, buckets, 2) // lane with id 0 (null instance) is never bucketed
}

func TestAggregateAndBufferRoundTrip(t *testing.T) {
	be := fakebackend.New()

	entries := []graph.AggEntry{
		{IsLiteral: true, Literal: 0},
		{IsLiteral: true, Literal: 7},
		{IsLiteral: true, Literal: 9},
	}
	target := be.Malloc(handle.BackendHost, uint64(len(entries))*8)
	be.Aggregate(target, entries)
	buf := be.Buffer(target, handle.KindU32, len(entries), handle.BackendHost)

	gathered := be.Gather(buf, be.IndexArray([]int{1, 2, 0}), be.MaskDefault(0))
	require.Equal(t, 3, be.Size(gathered))
	got := make([]uint64, 3)
	for i := range got {
		lane := be.Gather(gathered, be.IndexArray([]int{i}), be.MaskDefault(1))
		got[i] = be.Data(lane)
	}
	assert.Equal(t, []uint64{7, 9, 0}, got)
}

func TestRegisterAndRegistryPtr(t *testing.T) {
	be := fakebackend.New()
	be.Register(handle.BackendHost, "shape", 1, 0xdead)
	be.Register(handle.BackendHost, "shape", 2, 0xbeef)

	ptr, ok := be.RegistryPtr(handle.BackendHost, "shape", 1)
	require.True(t, ok)
	assert.EqualValues(t, 0xdead, ptr)

	assert.Equal(t, 3, be.RegistryIDBound(handle.BackendHost, "shape"))

	_, ok = be.RegistryPtr(handle.BackendHost, "shape", 99)
	assert.False(t, ok)
}
