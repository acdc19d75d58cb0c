// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolfs

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *lru.Cache {
	t.Helper()
	c, err := lru.New(mountCacheSize)
	require.NoError(t, err)
	return c
}

func TestNewDefaultsSize(t *testing.T) {
	t.Parallel()
	f := New([16]byte{1}, 0, 0, time.Unix(0, 0))
	assert.EqualValues(t, defaultSizeSectors, f.Size)
}

func TestGrowTargetDoublesAndCaps(t *testing.T) {
	t.Parallel()
	f := New([16]byte{1}, 100, 150, time.Unix(0, 0))
	assert.EqualValues(t, 150, f.growTarget())

	f2 := New([16]byte{1}, 100, 0, time.Unix(0, 0))
	assert.EqualValues(t, 200, f2.growTarget())

	f3 := New([16]byte{1}, 100, 100, time.Unix(0, 0))
	assert.EqualValues(t, 0, f3.growTarget()) // already at the limit
}

func TestSetSizeLimitRejectsBelowCurrentSize(t *testing.T) {
	t.Parallel()
	f := New([16]byte{1}, 1000, 0, time.Unix(0, 0))
	assert.Error(t, f.SetSizeLimit(500))
	assert.NoError(t, f.SetSizeLimit(2000))
}

func TestBelowLowWater(t *testing.T) {
	t.Parallel()
	assert.True(t, belowLowWater(5, 100))   // 5% free
	assert.False(t, belowLowWater(50, 100)) // 50% free
	assert.False(t, belowLowWater(0, 0))
}

func TestCheckSkipsWhenNotMounted(t *testing.T) {
	t.Parallel()
	f := New([16]byte{1}, 100, 0, time.Unix(0, 0))
	diff, err := f.Check(context.Background(), "", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, diff)
}

func TestGrowTargetAndRollbackCallbacks(t *testing.T) {
	t.Parallel()
	f := New([16]byte{1}, 100, 0, time.Unix(0, 0))
	f.Size = 100

	var grown, shrunk int64
	growThin := func(n int64) error { grown = n; f.Size = n; return nil }
	shrinkThin := func(n int64) error { shrunk = n; return nil }

	// Can't exercise the xfs_growfs call itself without a real mount,
	// so verify growTarget/rollback bookkeeping directly instead.
	target := f.growTarget()
	require.NoError(t, growThin(target))
	require.NoError(t, shrinkThin(100))
	assert.EqualValues(t, target, grown)
	assert.EqualValues(t, 100, shrunk)
}

func TestParseMountinfo(t *testing.T) {
	t.Parallel()
	data := strings.Join([]string{
		"36 35 98:0 / /mnt/pool1 rw,noatime master:1 - xfs /dev/mapper/poolhold-pool1-fs0 rw,nouuid",
		"37 35 98:1 / /mnt/with\\040space rw - xfs /dev/mapper/x rw",
		"not a valid line",
	}, "\n")
	entries, err := parseMountinfo(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	e, ok := entries[devno{98, 0}]
	require.True(t, ok)
	assert.Equal(t, "/mnt/pool1", e.mountPoint)
	assert.True(t, mountOptionSet(e.options)["nouuid"])

	e2, ok := entries[devno{98, 1}]
	require.True(t, ok)
	assert.Equal(t, "/mnt/with space", e2.mountPoint)
}

func TestMountIndexLookupAndInvalidate(t *testing.T) {
	t.Parallel()
	calls := 0
	mi := &MountIndex{}
	mi.cache = newTestCache(t)
	mi.read = func() (io.ReadCloser, error) {
		calls++
		return io.NopCloser(strings.NewReader("36 35 98:0 / /mnt/pool1 rw - xfs /dev/x rw")), nil
	}

	_, ok, err := mi.Lookup(98, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, calls)

	// Cached: no second read.
	_, ok, err = mi.Lookup(98, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, calls)

	mi.Invalidate()
	_, ok, err = mi.Lookup(98, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, calls)
}

func TestMountIndexLookupMiss(t *testing.T) {
	t.Parallel()
	mi := &MountIndex{cache: newTestCache(t)}
	mi.read = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("")), nil
	}
	_, ok, err := mi.Lookup(1, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}
