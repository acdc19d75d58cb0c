// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package backstore assembles a pool's data (and optional cache) tier
// of block devices into one linear logical address space (§4.5): an
// ordered list of devices plus the allocation group that threads
// through them, the same "ordered list of physical volumes plus one
// mapping tree" shape as btrfsvol.LogicalVolume, specialized to
// concatenation instead of striping since a pool's backstore has no
// RAID levels to express.
package backstore

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/pool-progs-ng/lib/blockdev"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolextent"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// Segment is one allocation within a tier: the length of physical
// sectors from one device that occupies the next span of the tier's
// logical address space.
type Segment struct {
	Dev   blockdev.DeviceID
	Range poolextent.Range
}

// group is the ordered list of segments that defines a tier's linear
// logical address space: segment i starts at the logical offset that
// is the sum of the lengths of segments 0..i-1.
type group struct {
	segments []Segment
}

func (g *group) size() poolmeta.SectorAddr {
	var total poolmeta.SectorAddr
	for _, s := range g.segments {
		total += s.Range.Length
	}
	return total
}

// resolve maps a logical sector to the device and physical sector it
// falls within, along with how many more logical sectors are
// contiguous on that same device from this point (maxlen).
func (g *group) resolve(logical poolmeta.SectorAddr) (dev blockdev.DeviceID, physical poolmeta.SectorAddr, maxlen poolmeta.SectorAddr, ok bool) {
	var base poolmeta.SectorAddr
	for _, s := range g.segments {
		if logical < base+s.Range.Length {
			offset := logical - base
			return s.Dev, s.Range.Start + offset, s.Range.Length - offset, true
		}
		base += s.Range.Length
	}
	return 0, 0, 0, false
}

// Backstore is one pool's device tiers: the data tier (required) and
// an optional cache tier layered over it through the kernel cache
// target (§4.5).
type Backstore struct {
	devices map[blockdev.DeviceID]*blockdev.Handle

	dataOrder []blockdev.DeviceID
	dataGroup group

	cacheOrder  []blockdev.DeviceID
	cacheGroup  group
	cacheActive bool

	cryptMetaGroup group // allocations reserved for crypt-metadata segments on cache devices
}

// New constructs an empty Backstore.
func New() *Backstore {
	return &Backstore{devices: map[blockdev.DeviceID]*blockdev.Handle{}}
}

func (b *Backstore) addDevice(h *blockdev.Handle) error {
	if _, exists := b.devices[h.ID()]; exists {
		return poolerr.Errorf(poolerr.AlreadyExists, "device id %v is already part of this backstore", h.ID())
	}
	b.devices[h.ID()] = h
	return nil
}

// AddDataDevice appends h to the data tier's device list. It does not
// allocate any of h's capacity; call Alloc afterward to extend the
// logical address space.
func (b *Backstore) AddDataDevice(h *blockdev.Handle) error {
	if err := b.addDevice(h); err != nil {
		return err
	}
	b.dataOrder = append(b.dataOrder, h.ID())
	return nil
}

// InitCache designates h as the first cache-tier device. The cache
// tier cannot be removed once initialized (§4.5).
func (b *Backstore) InitCache(h *blockdev.Handle) error {
	if len(b.cacheOrder) > 0 {
		return poolerr.New(poolerr.AlreadyExists, "cache tier is already initialized")
	}
	if err := b.addDevice(h); err != nil {
		return err
	}
	b.cacheOrder = append(b.cacheOrder, h.ID())
	return nil
}

// AddCache appends an additional device to an already-initialized
// cache tier.
func (b *Backstore) AddCache(h *blockdev.Handle) error {
	if len(b.cacheOrder) == 0 {
		return poolerr.New(poolerr.Invalid, "cache tier is not initialized")
	}
	if err := b.addDevice(h); err != nil {
		return err
	}
	b.cacheOrder = append(b.cacheOrder, h.ID())
	return nil
}

// Size is the current size of the data tier's logical address space,
// in sectors.
func (b *Backstore) Size() poolmeta.SectorAddr { return b.dataGroup.size() }

// CacheSize is the current size of the cache tier's logical address
// space, in sectors. Zero if no cache tier exists.
func (b *Backstore) CacheSize() poolmeta.SectorAddr { return b.cacheGroup.size() }

// HasCache reports whether a cache tier has been initialized.
func (b *Backstore) HasCache() bool { return len(b.cacheOrder) > 0 }

// Alloc extends the data tier's logical address space by up to amount
// sectors, drawing from data-tier devices in list order. A partial
// grant (granted < amount) is legal; the caller must check granted.
func (b *Backstore) Alloc(amount poolmeta.SectorAddr) (granted poolmeta.SectorAddr) {
	return allocFrom(b, &b.dataGroup, b.dataOrder, amount)
}

// AllocCache extends the cache tier's logical address space the same
// way Alloc does for the data tier.
func (b *Backstore) AllocCache(amount poolmeta.SectorAddr) (granted poolmeta.SectorAddr) {
	return allocFrom(b, &b.cacheGroup, b.cacheOrder, amount)
}

func allocFrom(b *Backstore, g *group, order []blockdev.DeviceID, amount poolmeta.SectorAddr) (granted poolmeta.SectorAddr) {
	remaining := amount
	for _, id := range order {
		if remaining <= 0 {
			break
		}
		dev := b.devices[id]
		got, ranges := dev.Allocate(remaining)
		for _, r := range ranges {
			g.segments = append(g.segments, Segment{Dev: id, Range: r})
		}
		granted += got
		remaining -= got
	}
	return granted
}

// Grow rescans every device in both tiers for size increases,
// extending each grown device's own allocator (§4.5). It does not
// extend either tier's logical address space; the new sectors are
// handed out by later Alloc/AllocCache calls. Devices that shrank are
// left to blockdev.Handle.Grow to reject.
func (b *Backstore) Grow(ctx context.Context) error {
	for _, id := range append(append([]blockdev.DeviceID{}, b.dataOrder...), b.cacheOrder...) {
		dev := b.devices[id]
		before := dev.Available()
		if err := dev.Grow(ctx); err != nil {
			return fmt.Errorf("backstore: grow device %v: %w", id, err)
		}
		if grew := dev.Available() - before; grew > 0 {
			dlog.Infof(ctx, "backstore: device %v grew by %d sectors", id, grew)
		}
	}
	return nil
}

// Resolve maps a data-tier logical sector to its underlying device and
// physical sector.
func (b *Backstore) Resolve(logical poolmeta.SectorAddr) (dev blockdev.DeviceID, physical poolmeta.SectorAddr, maxlen poolmeta.SectorAddr, ok bool) {
	return b.dataGroup.resolve(logical)
}

// Device returns the blockdev.Handle for id, or nil if it is not part
// of this backstore.
func (b *Backstore) Device(id blockdev.DeviceID) *blockdev.Handle { return b.devices[id] }

// DataDevices returns the data tier's devices in list order.
func (b *Backstore) DataDevices() []*blockdev.Handle {
	out := make([]*blockdev.Handle, len(b.dataOrder))
	for i, id := range b.dataOrder {
		out[i] = b.devices[id]
	}
	return out
}
