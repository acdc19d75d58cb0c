// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liminal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/pool-progs-ng/lib/diskio"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

const testDeviceSectors = poolmeta.SectorAddr(1 << 14) // 8 MiB

func formatTestDeviceFile(t *testing.T) (string, poolmeta.DeviceIdentifiers) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, fh.Truncate(int64(testDeviceSectors)*poolmeta.SectorSize))
	defer fh.Close()

	ids := poolmeta.DeviceIdentifiers{PoolUUID: poolmeta.NewPoolUUID(), DevUUID: poolmeta.NewDevUUID()}
	dev := &diskio.OSFile[int64]{File: fh}
	_, err = poolmeta.FormatBDA(dev, ids, testDeviceSectors, 256, 128, 1_700_000_000)
	require.NoError(t, err)
	return path, ids
}

func TestProbeOpenRecognizesPlaintextHeader(t *testing.T) {
	t.Parallel()
	path, ids := formatTestDeviceFile(t)

	info, ok, err := probeOpen(path)
	require.NoError(t, err)
	require.True(t, ok)
	open, isOpen := info.(OpenInfo)
	require.True(t, isOpen)
	assert.Equal(t, ids.PoolUUID, open.PoolUUID)
	assert.Equal(t, ids.DevUUID, open.DevUUID)
	assert.Equal(t, path, open.DevicePath)
}

func TestProbeOpenRejectsDeviceWithNoMagic(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dev")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, fh.Truncate(int64(testDeviceSectors)*poolmeta.SectorSize))
	require.NoError(t, fh.Close())

	info, ok, err := probeOpen(path)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, info)
}

func TestRealProberFallsThroughToLockedWhenNotPlaintext(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dev")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, fh.Truncate(int64(testDeviceSectors)*poolmeta.SectorSize))
	require.NoError(t, fh.Close())

	// Not a block device and cryptsetup isn't available in this
	// environment, so the LUKS2 fallback fails too: the net result is
	// "not recognized", not an error, the same outcome a genuinely
	// unrelated device produces.
	info, ok, err := NewProber().Probe(context.Background(), path)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, info)
}
