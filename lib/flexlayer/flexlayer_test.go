// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package flexlayer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/pool-progs-ng/lib/flexlayer"
	"git.lukeshu.com/pool-progs-ng/lib/poolextent"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

func TestGrowMetaAndSpareStaysEqual(t *testing.T) {
	t.Parallel()
	f := flexlayer.New(10000)
	require.NoError(t, f.GrowMetaAndSpare(100))
	assert.EqualValues(t, 100, f.Size(flexlayer.ThinMetaDev))
	assert.EqualValues(t, 100, f.Size(flexlayer.ThinMetaDevSpare))

	require.NoError(t, f.GrowMetaAndSpare(50))
	assert.EqualValues(t, 150, f.Size(flexlayer.ThinMetaDev))
	assert.EqualValues(t, 150, f.Size(flexlayer.ThinMetaDevSpare))
}

func TestRegionsDoNotOverlap(t *testing.T) {
	t.Parallel()
	f := flexlayer.New(10000)
	require.NoError(t, f.GrowMetaAndSpare(100))
	f.GrowMeta(200)
	f.GrowData(500)

	var all []poolextent.Range
	for _, region := range []flexlayer.SubDev{flexlayer.ThinMetaDev, flexlayer.ThinMetaDevSpare, flexlayer.MetaDev, flexlayer.ThinDataDev} {
		all = append(all, f.Ranges(region)...)
	}
	for i, r := range all {
		for j, o := range all {
			if i == j {
				continue
			}
			disjoint := r.End() <= o.Start || o.End() <= r.Start
			assert.True(t, disjoint, "region ranges %+v and %+v overlap", r, o)
		}
	}
}

func TestSwapMetaSpare(t *testing.T) {
	t.Parallel()
	f := flexlayer.New(10000)
	require.NoError(t, f.GrowMetaAndSpare(100))
	before := f.Ranges(flexlayer.ThinMetaDev)
	spareBefore := f.Ranges(flexlayer.ThinMetaDevSpare)

	f.SwapMetaSpare()
	assert.Equal(t, before, f.Ranges(flexlayer.ThinMetaDevSpare))
	assert.Equal(t, spareBefore, f.Ranges(flexlayer.ThinMetaDev))
}

func TestRestoreReservesExistingAllocations(t *testing.T) {
	t.Parallel()
	f := flexlayer.New(10000)
	require.NoError(t, f.GrowMetaAndSpare(100))
	f.GrowData(200)

	saved := map[flexlayer.SubDev][]poolextent.Range{
		flexlayer.ThinMetaDev:      f.Ranges(flexlayer.ThinMetaDev),
		flexlayer.ThinMetaDevSpare: f.Ranges(flexlayer.ThinMetaDevSpare),
		flexlayer.ThinDataDev:      f.Ranges(flexlayer.ThinDataDev),
	}
	restored, err := flexlayer.Restore(10000, saved)
	require.NoError(t, err)
	assert.EqualValues(t, 100, restored.Size(flexlayer.ThinMetaDev))
	assert.EqualValues(t, 200, restored.Size(flexlayer.ThinDataDev))

	// growing further must not re-hand-out the restored ranges.
	granted := restored.GrowData(50)
	assert.EqualValues(t, 50, granted)
	assert.EqualValues(t, 250, restored.Size(flexlayer.ThinDataDev))
}

func TestGrowMetaAndSpareRejectsOutOfSpace(t *testing.T) {
	t.Parallel()
	f := flexlayer.New(poolmeta.SectorAddr(100))
	err := f.GrowMetaAndSpare(60)
	assert.Error(t, err)
	assert.EqualValues(t, 0, f.Size(flexlayer.ThinMetaDev))
}
