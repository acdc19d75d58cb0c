// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package flexlayer carves a pool's flattened backstore address space
// into four named sub-allocations (§4.6): the thin-pool metadata
// device and its spare, the pool's own metadata device, and the
// thin-pool data device. It is the same "one allocator, several named
// consumers" shape as lib/poolextent applied one level up, with the
// thin_meta_dev/thin_meta_dev_spare pair carrying an extra
// equal-length invariant that a plain allocation group doesn't need.
package flexlayer

import (
	"fmt"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolextent"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// SubDev names one of the flex layer's four sub-allocations.
type SubDev int

const (
	ThinMetaDev SubDev = iota
	ThinMetaDevSpare
	MetaDev
	ThinDataDev
)

func (s SubDev) String() string {
	switch s {
	case ThinMetaDev:
		return "thin_meta_dev"
	case ThinMetaDevSpare:
		return "thin_meta_dev_spare"
	case MetaDev:
		return "meta_dev"
	case ThinDataDev:
		return "thin_data_dev"
	default:
		return fmt.Sprintf("SubDev(%d)", int(s))
	}
}

// FlexLayer carves four named regions out of one underlying linear
// address space, the backstore's flattened data-tier device.
type FlexLayer struct {
	alloc   *poolextent.Allocator
	regions map[SubDev][]poolextent.Range
}

// New constructs a FlexLayer over an underlying address space of the
// given capacity, in sectors.
func New(capacity poolmeta.SectorAddr) *FlexLayer {
	return &FlexLayer{
		alloc:   poolextent.New(capacity),
		regions: map[SubDev][]poolextent.Range{},
	}
}

// Restore rebuilds a FlexLayer from previously-saved allocations
// (§3.5), reserving each region's ranges against the allocator so that
// future Grow calls don't hand them back out.
func Restore(capacity poolmeta.SectorAddr, saved map[SubDev][]poolextent.Range) (*FlexLayer, error) {
	f := New(capacity)
	for _, sd := range []SubDev{ThinMetaDev, ThinMetaDevSpare, MetaDev, ThinDataDev} {
		ranges := saved[sd]
		if len(ranges) == 0 {
			continue
		}
		if err := f.alloc.Reserve(ranges); err != nil {
			return nil, fmt.Errorf("flexlayer: restore %v: %w", sd, err)
		}
		f.regions[sd] = append([]poolextent.Range{}, ranges...)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Ranges returns the current allocation for region.
func (f *FlexLayer) Ranges(region SubDev) []poolextent.Range {
	return append([]poolextent.Range{}, f.regions[region]...)
}

// Size is the total number of sectors currently allocated to region.
func (f *FlexLayer) Size(region SubDev) poolmeta.SectorAddr {
	var total poolmeta.SectorAddr
	for _, r := range f.regions[region] {
		total += r.Length
	}
	return total
}

// grow extends region by amount sectors, drawn from the underlying
// allocator. A partial grant is legal; the caller must check the
// returned amount against what it asked for.
func (f *FlexLayer) grow(region SubDev, amount poolmeta.SectorAddr) poolmeta.SectorAddr {
	granted, ranges := f.alloc.Request(amount)
	f.regions[region] = append(f.regions[region], ranges...)
	return granted
}

// GrowMetaAndSpare extends thin_meta_dev and its spare by the same
// amount each, preserving the invariant that the two stay equal length
// (§4.6, I-grow). It fails without changing anything if either side
// cannot be fully granted.
func (f *FlexLayer) GrowMetaAndSpare(amount poolmeta.SectorAddr) error {
	if f.Size(ThinMetaDev) != f.Size(ThinMetaDevSpare) {
		return poolerr.New(poolerr.Invalid, "thin_meta_dev and thin_meta_dev_spare are already out of sync")
	}
	if f.alloc.Available() < 2*amount {
		return poolerr.Errorf(poolerr.OutOfSpace, "need %d sectors for meta+spare growth, only %d available", 2*amount, f.alloc.Available())
	}
	gotMeta := f.grow(ThinMetaDev, amount)
	gotSpare := f.grow(ThinMetaDevSpare, amount)
	if gotMeta != amount || gotSpare != amount {
		return poolerr.New(poolerr.Io, "short grant growing thin_meta_dev/spare despite capacity check")
	}
	return nil
}

// GrowMeta extends the pool's own metadata device by amount sectors.
func (f *FlexLayer) GrowMeta(amount poolmeta.SectorAddr) (granted poolmeta.SectorAddr) {
	return f.grow(MetaDev, amount)
}

// GrowData extends the thin-pool data device by amount sectors.
func (f *FlexLayer) GrowData(amount poolmeta.SectorAddr) (granted poolmeta.SectorAddr) {
	return f.grow(ThinDataDev, amount)
}

// Grow extends the underlying address space's capacity, allowing
// subsequent grow calls to draw from the newly available sectors.
func (f *FlexLayer) Grow(newCapacity poolmeta.SectorAddr) error {
	return f.alloc.Grow(newCapacity)
}

// Available is the number of cap-device sectors not yet carved into
// any of the four named sub-devices: the cap-device free space the
// overprovisioning policy (§4.7) checks requested growth against.
func (f *FlexLayer) Available() poolmeta.SectorAddr {
	return f.alloc.Available()
}

// SwapMetaSpare exchanges which region is "thin_meta_dev" and which is
// "thin_meta_dev_spare". The thin-pool metadata repair sequence
// populates the spare, validates it, then swaps it in (§4.6, §4.7).
func (f *FlexLayer) SwapMetaSpare() {
	f.regions[ThinMetaDev], f.regions[ThinMetaDevSpare] = f.regions[ThinMetaDevSpare], f.regions[ThinMetaDev]
}

// validate checks the invariants flex-layer state must hold: the
// meta/spare equal-length invariant, and (structurally guaranteed by
// sharing one poolextent.Allocator) that no two regions overlap.
func (f *FlexLayer) validate() error {
	if f.Size(ThinMetaDev) != f.Size(ThinMetaDevSpare) {
		return poolerr.Errorf(poolerr.Invalid, "thin_meta_dev (%d sectors) and thin_meta_dev_spare (%d sectors) must be equal length",
			f.Size(ThinMetaDev), f.Size(ThinMetaDevSpare))
	}
	return nil
}
