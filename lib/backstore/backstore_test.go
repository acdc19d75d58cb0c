// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package backstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/pool-progs-ng/lib/backstore"
	"git.lukeshu.com/pool-progs-ng/lib/blockdev"
	"git.lukeshu.com/pool-progs-ng/lib/diskio"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

const testSectors = poolmeta.SectorAddr(1 << 14)

func openTestDevice(t *testing.T, id blockdev.DeviceID) *blockdev.Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev.img")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, fh.Truncate(int64(testSectors)*poolmeta.SectorSize))

	dev := &diskio.OSFile[int64]{File: fh}
	ids := poolmeta.DeviceIdentifiers{PoolUUID: poolmeta.NewPoolUUID(), DevUUID: poolmeta.NewDevUUID()}
	_, err = poolmeta.FormatBDA(dev, ids, testSectors, 256, 128, 1_700_000_000)
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	h, err := blockdev.Open(context.Background(), id, path, nil, nil, "", "")
	require.NoError(t, err)
	return h
}

func TestAllocSpansMultipleDevices(t *testing.T) {
	t.Parallel()
	bs := backstore.New()
	d0 := openTestDevice(t, 0)
	d1 := openTestDevice(t, 1)
	require.NoError(t, bs.AddDataDevice(d0))
	require.NoError(t, bs.AddDataDevice(d1))

	want := d0.TotalSize() + 100
	granted := bs.Alloc(want)
	assert.EqualValues(t, want, granted)
	assert.EqualValues(t, want, bs.Size())
}

func TestResolveCrossesSegmentBoundary(t *testing.T) {
	t.Parallel()
	bs := backstore.New()
	d0 := openTestDevice(t, 0)
	d1 := openTestDevice(t, 1)
	require.NoError(t, bs.AddDataDevice(d0))
	require.NoError(t, bs.AddDataDevice(d1))

	total := d0.TotalSize()
	bs.Alloc(total + 50)

	dev, phys, maxlen, ok := bs.Resolve(total - 1)
	require.True(t, ok)
	assert.EqualValues(t, 0, dev)
	assert.EqualValues(t, total-1, phys)
	assert.EqualValues(t, 1, maxlen)

	dev, phys, _, ok = bs.Resolve(total)
	require.True(t, ok)
	assert.EqualValues(t, 1, dev)
	assert.EqualValues(t, 0, phys)
}

func TestAddDataDeviceRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	bs := backstore.New()
	d0 := openTestDevice(t, 0)
	require.NoError(t, bs.AddDataDevice(d0))

	d0Again := openTestDevice(t, 0)
	err := bs.AddDataDevice(d0Again)
	assert.Error(t, err)
}

func TestCacheTierRequiresInitBeforeAdd(t *testing.T) {
	t.Parallel()
	bs := backstore.New()
	d0 := openTestDevice(t, 0)
	assert.Error(t, bs.AddCache(d0))

	require.NoError(t, bs.InitCache(d0))
	assert.True(t, bs.HasCache())

	d1 := openTestDevice(t, 1)
	assert.NoError(t, bs.AddCache(d1))
}
