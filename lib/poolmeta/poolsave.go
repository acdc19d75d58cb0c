// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolmeta

import (
	"bytes"
	"fmt"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/pool-progs-ng/lib/containers"
)

// PoolSave is the JSON document carried as the MDA payload (§3.5): the
// full description of one pool's devices, thinpool, and filesystems,
// as last observed by whichever engine instance wrote it.
type PoolSave struct {
	Name            Name                `json:"name"`
	Started         *bool               `json:"started"`
	FsLimit         uint64              `json:"fs_limit"`
	OverprovEnabled bool                `json:"overprov_enabled"`
	Features        containers.Set[string] `json:"features"`
	Backstore       BackstoreSave       `json:"backstore"`
	FlexDevs        FlexDevsSave        `json:"flex_devs"`
	ThinPoolDev     ThinPoolDevSave     `json:"thinpool_dev"`
	Filesystems     []FilesystemSave    `json:"filesystems"`
}

// BackstoreSave describes the two device tiers and the per-tier
// allocation caps (§3.5).
type BackstoreSave struct {
	DataTier  []DevSave  `json:"data_tier"`
	CacheTier []DevSave  `json:"cache_tier,omitempty"`
	Cap       CapSave    `json:"cap"`
}

type CapSave struct {
	Allocs          []DevExtentSave `json:"allocs"`
	CryptMetaAllocs []DevExtentSave `json:"crypt_meta_allocs"`
}

// DevSave identifies one data device by its DevUUID; the device's own
// header/MDA carry its pool identifier, size and crypt state.
type DevSave struct {
	DevUUID DevUUID `json:"dev_uuid"`
}

// DevExtentSave is one allocation on one device: its start sector and
// length in sectors (§3.5, §4.1).
type DevExtentSave struct {
	DevUUID DevUUID    `json:"dev_uuid"`
	Start   SectorAddr `json:"start"`
	Length  SectorAddr `json:"length"`
}

// FlexDevsSave holds the four named sub-allocations the flex layer
// carves out of the backstore's linear address space (§4.6): the
// thin-pool metadata device and its spare, the pool's own metadata
// device, and the thin-pool data device.
type FlexDevsSave struct {
	ThinMetaDev      []DevExtentSave `json:"thin_meta_dev"`
	ThinMetaDevSpare []DevExtentSave `json:"thin_meta_dev_spare"`
	MetaDev          []DevExtentSave `json:"meta_dev"`
	ThinDataDev      []DevExtentSave `json:"thin_data_dev"`
}

// ThinPoolDevSave carries the dm-thin-pool construction parameters
// that cannot be recovered from the kernel alone once the pool is
// stopped (§4.7).
type ThinPoolDevSave struct {
	DataBlockSize SectorAddr `json:"data_block_size"`
	FeatureArgs   []string   `json:"feature_args"`
}

// FilesystemSave is one thin filesystem's persisted state (§4.8).
type FilesystemSave struct {
	Name            Name           `json:"name"`
	FilesystemUUID  FilesystemUUID `json:"uuid"`
	ThinID          uint32         `json:"thin_id"`
	SizeLimit       uint64         `json:"size_limit"`
	MergeScheduled  bool           `json:"merge_scheduled,omitempty"`
	OriginThinID    *uint32        `json:"origin_thin_id,omitempty"`
}

// EncodePoolSave serializes a PoolSave the way it will be embedded as
// an MDA payload: compact, deterministic key ordering via struct field
// order (lowmemjson walks struct tags in declaration order, unlike
// map iteration).
func EncodePoolSave(save PoolSave) ([]byte, error) {
	var buf bytes.Buffer
	if err := lowmemjson.Encode(&buf, save); err != nil {
		return nil, fmt.Errorf("encode pool metadata: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePoolSave parses a PoolSave out of a raw MDA payload.
func DecodePoolSave(dat []byte) (PoolSave, error) {
	var save PoolSave
	if err := lowmemjson.DecodeThenEOF(bytes.NewReader(dat), &save); err != nil {
		return PoolSave{}, fmt.Errorf("decode pool metadata: %w", err)
	}
	return save, nil
}
