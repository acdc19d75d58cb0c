// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolmeta_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/pool-progs-ng/lib/containers"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

func TestPoolSaveRoundTrip(t *testing.T) {
	t.Parallel()
	started := true
	origin := uint32(3)
	save := poolmeta.PoolSave{
		Name:            "pool0",
		Started:         &started,
		FsLimit:         1 << 30,
		OverprovEnabled: true,
		Features:        containers.Set[string]{"encryption": {}, "cache": {}},
		Backstore: poolmeta.BackstoreSave{
			DataTier: []poolmeta.DevSave{{DevUUID: poolmeta.NewDevUUID()}},
			Cap: poolmeta.CapSave{
				Allocs: []poolmeta.DevExtentSave{
					{DevUUID: poolmeta.NewDevUUID(), Start: 16, Length: 1024},
				},
			},
		},
		FlexDevs: poolmeta.FlexDevsSave{
			ThinMetaDev: []poolmeta.DevExtentSave{{Start: 0, Length: 256}},
			MetaDev:     []poolmeta.DevExtentSave{{Start: 256, Length: 256}},
			ThinDataDev: []poolmeta.DevExtentSave{{Start: 512, Length: 4096}},
		},
		ThinPoolDev: poolmeta.ThinPoolDevSave{
			DataBlockSize: 256,
			FeatureArgs:   []string{"skip_block_zeroing"},
		},
		Filesystems: []poolmeta.FilesystemSave{
			{
				Name:           "root",
				FilesystemUUID: poolmeta.NewFilesystemUUID(),
				ThinID:         0,
				SizeLimit:      1 << 40,
			},
			{
				Name:           "root-snap",
				FilesystemUUID: poolmeta.NewFilesystemUUID(),
				ThinID:         1,
				SizeLimit:      1 << 40,
				OriginThinID:   &origin,
			},
		},
	}

	dat, err := poolmeta.EncodePoolSave(save)
	require.NoError(t, err)

	got, err := poolmeta.DecodePoolSave(dat)
	require.NoError(t, err)
	assert.Equal(t, save, got)
}

func TestPoolSaveNotStarted(t *testing.T) {
	t.Parallel()
	save := poolmeta.PoolSave{Name: "pool1"}
	dat, err := poolmeta.EncodePoolSave(save)
	require.NoError(t, err)

	got, err := poolmeta.DecodePoolSave(dat)
	require.NoError(t, err)
	assert.Nil(t, got.Started)
}
