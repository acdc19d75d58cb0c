// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolextent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/pool-progs-ng/lib/poolextent"
)

func TestRequestLowestFirst(t *testing.T) {
	t.Parallel()
	a := poolextent.New(1000)

	granted, ranges := a.Request(100)
	assert.EqualValues(t, 100, granted)
	require.Len(t, ranges, 1)
	assert.Equal(t, poolextent.Range{Start: 0, Length: 100}, ranges[0])

	granted, ranges = a.Request(50)
	assert.EqualValues(t, 50, granted)
	require.Len(t, ranges, 1)
	assert.Equal(t, poolextent.Range{Start: 100, Length: 50}, ranges[0])
}

func TestRequestFragmented(t *testing.T) {
	t.Parallel()
	a := poolextent.New(1000)
	require.NoError(t, a.Reserve([]poolextent.Range{
		{Start: 0, Length: 100},
		{Start: 150, Length: 50},
	}))

	granted, ranges := a.Request(60)
	assert.EqualValues(t, 60, granted)
	require.Len(t, ranges, 2)
	assert.Equal(t, poolextent.Range{Start: 100, Length: 50}, ranges[0])
	assert.Equal(t, poolextent.Range{Start: 200, Length: 10}, ranges[1])
}

func TestRequestPartial(t *testing.T) {
	t.Parallel()
	a := poolextent.New(100)
	granted, ranges := a.Request(150)
	assert.EqualValues(t, 100, granted)
	require.Len(t, ranges, 1)
	assert.EqualValues(t, 0, a.Available())
}

func TestReserveOverlapRejected(t *testing.T) {
	t.Parallel()
	a := poolextent.New(1000)
	require.NoError(t, a.Reserve([]poolextent.Range{{Start: 0, Length: 100}}))
	err := a.Reserve([]poolextent.Range{{Start: 50, Length: 10}})
	assert.Error(t, err)
	assert.EqualValues(t, 100, a.InUse())
}

func TestReserveExceedsCapacityRejected(t *testing.T) {
	t.Parallel()
	a := poolextent.New(100)
	err := a.Reserve([]poolextent.Range{{Start: 50, Length: 100}})
	assert.Error(t, err)
}

func TestReserveCoalescesAdjacent(t *testing.T) {
	t.Parallel()
	a := poolextent.New(1000)
	require.NoError(t, a.Reserve([]poolextent.Range{{Start: 0, Length: 100}}))
	require.NoError(t, a.Reserve([]poolextent.Range{{Start: 100, Length: 50}}))

	// the coalesced range should now be indivisible as far as Request
	// sees it: the next free sector is 150, not 100.
	_, ranges := a.Request(1)
	require.Len(t, ranges, 1)
	assert.EqualValues(t, 150, ranges[0].Start)
}

func TestGrowRejectsShrink(t *testing.T) {
	t.Parallel()
	a := poolextent.New(1000)
	assert.Error(t, a.Grow(500))
	assert.NoError(t, a.Grow(2000))
	assert.EqualValues(t, 2000, a.Capacity())
}

// TestDisjointGrantsProperty is property P1: the union of everything
// ever granted stays disjoint and within [0, capacity).
func TestDisjointGrantsProperty(t *testing.T) {
	t.Parallel()
	a := poolextent.New(10000)
	var all []poolextent.Range
	for i := 0; i < 20; i++ {
		_, ranges := a.Request(37)
		all = append(all, ranges...)
	}
	for i, r := range all {
		assert.GreaterOrEqual(t, int64(r.Start), int64(0))
		assert.LessOrEqual(t, int64(r.End()), int64(10000))
		for j, o := range all {
			if i == j {
				continue
			}
			disjoint := r.End() <= o.Start || o.End() <= r.Start
			assert.True(t, disjoint, "ranges %+v and %+v must not overlap", r, o)
		}
	}
}
