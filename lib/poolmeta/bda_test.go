// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolmeta_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

const testDeviceSectors = poolmeta.SectorAddr(1 << 16) // 32 MiB

func formatTestDevice(t *testing.T) (*poolmeta.BDA, *memFile) {
	t.Helper()
	f := newMemFile(t.Name(), int(testDeviceSectors)*poolmeta.SectorSize)
	ids := poolmeta.DeviceIdentifiers{PoolUUID: poolmeta.NewPoolUUID(), DevUUID: poolmeta.NewDevUUID()}
	b, err := poolmeta.FormatBDA(f, ids, testDeviceSectors, 256, 128, 1_700_000_000)
	require.NoError(t, err)
	return b, f
}

func TestBDAFormatAndReread(t *testing.T) {
	t.Parallel()
	want, f := formatTestDevice(t)

	got, err := poolmeta.ReadBDA(f)
	require.NoError(t, err)
	assert.Equal(t, want.Header(), got.Header())
}

func TestBDANotOurs(t *testing.T) {
	t.Parallel()
	f := newMemFile(t.Name(), int(testDeviceSectors)*poolmeta.SectorSize)
	_, err := poolmeta.ReadBDA(f)
	assert.ErrorIs(t, err, poolmeta.ErrNotOurs)
}

func TestBDASaveAndLoadState(t *testing.T) {
	t.Parallel()
	b, _ := formatTestDevice(t)

	ts1 := poolmeta.Timestamp{Sec: 100}
	require.NoError(t, b.SaveState(ts1, []byte(`{"generation":1}`)))

	payload, gotTS, err := b.LoadState()
	require.NoError(t, err)
	assert.Equal(t, ts1, gotTS)
	assert.Equal(t, `{"generation":1}`, string(payload))

	ts2 := poolmeta.Timestamp{Sec: 200}
	require.NoError(t, b.SaveState(ts2, []byte(`{"generation":2}`)))

	payload, gotTS, err = b.LoadState()
	require.NoError(t, err)
	assert.Equal(t, ts2, gotTS)
	assert.Equal(t, `{"generation":2}`, string(payload))
}

func TestBDASaveRejectsNonIncreasingTimestamp(t *testing.T) {
	t.Parallel()
	b, _ := formatTestDevice(t)

	ts := poolmeta.Timestamp{Sec: 500}
	require.NoError(t, b.SaveState(ts, []byte(`{}`)))

	err := b.SaveState(ts, []byte(`{}`))
	assert.Error(t, err)

	err = b.SaveState(poolmeta.Timestamp{Sec: 499}, []byte(`{}`))
	assert.Error(t, err)
}

func TestBDASaveRejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	b, _ := formatTestDevice(t)

	huge := make([]byte, 256*poolmeta.SectorSize) // far larger than the 64-sector (256*512/4) regions carved out above
	err := b.SaveState(poolmeta.Timestamp{Sec: 1}, huge)
	assert.Error(t, err)
}

func TestBDAAlternatesSlots(t *testing.T) {
	t.Parallel()
	b, _ := formatTestDevice(t)

	for i := 1; i <= 4; i++ {
		require.NoError(t, b.SaveState(poolmeta.Timestamp{Sec: uint64(i)}, []byte(`{"n":1}`)))
	}
	_, ts, err := b.LoadState()
	require.NoError(t, err)
	assert.Equal(t, poolmeta.Timestamp{Sec: 4}, ts)
}
