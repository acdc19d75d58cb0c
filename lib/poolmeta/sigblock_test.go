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

func sampleHeader() poolmeta.Header {
	return poolmeta.Header{
		DeviceSize: 1 << 20,
		Version:    poolmeta.SigblockVersion1,
		Ids: poolmeta.DeviceIdentifiers{
			PoolUUID: poolmeta.NewPoolUUID(),
			DevUUID:  poolmeta.NewDevUUID(),
		},
		MDASize:    4096,
		ReservedSz: 2048,
		InitTime:   1_700_000_000,
	}
}

func TestSigblockRoundTrip(t *testing.T) {
	t.Parallel()
	h := sampleHeader()
	dat, err := poolmeta.EncodeHeader(h)
	require.NoError(t, err)
	assert.Len(t, dat, poolmeta.SectorSize)

	got, err := poolmeta.DecodeHeader(dat)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestSigblockNotOurs(t *testing.T) {
	t.Parallel()
	dat := make([]byte, poolmeta.SectorSize)
	_, err := poolmeta.DecodeHeader(dat)
	assert.ErrorIs(t, err, poolmeta.ErrNotOurs)
}

func TestSigblockCorruption(t *testing.T) {
	t.Parallel()
	h := sampleHeader()
	dat, err := poolmeta.EncodeHeader(h)
	require.NoError(t, err)

	dat[40] ^= 0xff // flip a byte inside the PoolUUID field
	_, err = poolmeta.DecodeHeader(dat)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, poolmeta.ErrNotOurs)
}

func TestSigblockVersions(t *testing.T) {
	t.Parallel()
	for _, v := range []uint8{poolmeta.SigblockVersion1, poolmeta.SigblockVersion2} {
		h := sampleHeader()
		h.Version = v
		dat, err := poolmeta.EncodeHeader(h)
		require.NoError(t, err)
		got, err := poolmeta.DecodeHeader(dat)
		require.NoError(t, err)
		assert.Equal(t, v, got.Version)
	}
}
