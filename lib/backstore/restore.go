// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package backstore

import (
	"git.lukeshu.com/pool-progs-ng/lib/blockdev"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolextent"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// DataTier and CacheTier list the devices in each tier, in the same
// order Alloc draws from them, for recording in a save document
// (§3.5 backstore.data_tier/cache_tier).
func (b *Backstore) DataTier() []poolmeta.DevUUID {
	out := make([]poolmeta.DevUUID, len(b.dataOrder))
	for i, id := range b.dataOrder {
		out[i] = b.devices[id].DevUUID()
	}
	return out
}

func (b *Backstore) CacheTier() []poolmeta.DevUUID {
	out := make([]poolmeta.DevUUID, len(b.cacheOrder))
	for i, id := range b.cacheOrder {
		out[i] = b.devices[id].DevUUID()
	}
	return out
}

func (g *group) extents(devOf func(blockdev.DeviceID) poolmeta.DevUUID) []poolmeta.DevExtentSave {
	out := make([]poolmeta.DevExtentSave, len(g.segments))
	for i, seg := range g.segments {
		out[i] = poolmeta.DevExtentSave{
			DevUUID: devOf(seg.Dev),
			Start:   seg.Range.Start,
			Length:  seg.Range.Length,
		}
	}
	return out
}

// DataAllocs and CacheAllocs list each tier's current allocation as
// per-device extents, the cap.allocs half of §3.5's backstore.cap.
func (b *Backstore) DataAllocs() []poolmeta.DevExtentSave {
	return b.dataGroup.extents(func(id blockdev.DeviceID) poolmeta.DevUUID { return b.devices[id].DevUUID() })
}

func (b *Backstore) CacheAllocs() []poolmeta.DevExtentSave {
	return b.cacheGroup.extents(func(id blockdev.DeviceID) poolmeta.DevUUID { return b.devices[id].DevUUID() })
}

// DeviceAllocs filters a flattened extent list down to the ranges
// belonging to one device, for reconstructing the preExisting argument
// blockdev.Open needs when reopening a device during assembly.
func DeviceAllocs(all []poolmeta.DevExtentSave, dev poolmeta.DevUUID) []poolmeta.DevExtentSave {
	out := make([]poolmeta.DevExtentSave, 0, len(all))
	for _, e := range all {
		if e.DevUUID == dev {
			out = append(out, e)
		}
	}
	return out
}

func toRanges(allocs []poolmeta.DevExtentSave) []poolextent.Range {
	out := make([]poolextent.Range, len(allocs))
	for i, e := range allocs {
		out[i] = poolextent.Range{Start: e.Start, Length: e.Length}
	}
	return out
}

func (b *Backstore) deviceByUUID(dev poolmeta.DevUUID) (blockdev.DeviceID, bool) {
	for id, h := range b.devices {
		if h.DevUUID() == dev {
			return id, true
		}
	}
	return 0, false
}

func (b *Backstore) restoreAllocs(g *group, allocs []poolmeta.DevExtentSave) error {
	for _, e := range allocs {
		id, ok := b.deviceByUUID(e.DevUUID)
		if !ok {
			return poolerr.Errorf(poolerr.NotFound, "restore allocation: device %s is not part of this backstore", e.DevUUID)
		}
		g.segments = append(g.segments, Segment{Dev: id, Range: poolextent.Range{Start: e.Start, Length: e.Length}})
	}
	return nil
}

// RestoreDataAllocs and RestoreCacheAllocs rebuild a tier's logical
// allocation group from a save document's per-device extents, in
// save order. Every referenced device must already be registered via
// AddDataDevice/InitCache/AddCache, and should have had its own
// allocator state restored via Handle.Restore beforehand so future
// Alloc calls don't hand the same sectors out twice.
func (b *Backstore) RestoreDataAllocs(allocs []poolmeta.DevExtentSave) error {
	return b.restoreAllocs(&b.dataGroup, allocs)
}

func (b *Backstore) RestoreCacheAllocs(allocs []poolmeta.DevExtentSave) error {
	return b.restoreAllocs(&b.cacheGroup, allocs)
}
