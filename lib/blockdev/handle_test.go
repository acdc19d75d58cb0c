// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blockdev_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/pool-progs-ng/lib/blockdev"
	"git.lukeshu.com/pool-progs-ng/lib/diskio"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

const testSectors = poolmeta.SectorAddr(1 << 16) // 32 MiB

func formatTestFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev0.img")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, fh.Truncate(int64(testSectors)*poolmeta.SectorSize))

	dev := &diskio.OSFile[int64]{File: fh}
	ids := poolmeta.DeviceIdentifiers{PoolUUID: poolmeta.NewPoolUUID(), DevUUID: poolmeta.NewDevUUID()}
	_, err = poolmeta.FormatBDA(dev, ids, testSectors, 256, 128, 1_700_000_000)
	require.NoError(t, err)
	require.NoError(t, fh.Close())
	return path
}

func TestOpenAndAllocate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := formatTestFile(t)

	h, err := blockdev.Open(ctx, 1, path, nil, nil, "", "")
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, testSectors, h.TotalSize())
	assert.False(t, h.IsEncrypted())
	assert.Equal(t, path, h.MetadataPath())

	granted, segs := h.Allocate(1000)
	assert.EqualValues(t, 1000, granted)
	require.Len(t, segs, 1)
	assert.EqualValues(t, h.InUse(), 1000)
}

func TestSaveAndLoadStateThroughHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := formatTestFile(t)

	h, err := blockdev.Open(ctx, 1, path, nil, nil, "", "")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.SaveState(poolmeta.Timestamp{Sec: 1}, []byte(`{"v":1}`)))
	payload, ts, ok, err := h.LoadState()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, poolmeta.Timestamp{Sec: 1}, ts)
	assert.Equal(t, `{"v":1}`, string(payload))
}

func TestAllocateAllShortfall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := formatTestFile(t)

	h, err := blockdev.Open(ctx, 1, path, nil, nil, "", "")
	require.NoError(t, err)
	defer h.Close()

	_, err = h.AllocateAll(h.TotalSize() + 1)
	assert.Error(t, err)
}

func TestBindWithoutCryptErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := formatTestFile(t)

	h, err := blockdev.Open(ctx, 1, path, nil, nil, "", "")
	require.NoError(t, err)
	defer h.Close()

	assert.Error(t, h.BindKeyring(ctx, 0, "some-key-desc"))
}
