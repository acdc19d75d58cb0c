// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package poolextent tracks which sectors of one block device are in
// use and hands out free ranges on request: the used/free bookkeeping
// that every other on-device layer (backstore tiers, flex
// sub-devices, crypt metadata) allocates its space through.
package poolextent

import (
	"fmt"

	"git.lukeshu.com/pool-progs-ng/lib/containers"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// Range is a half-open span of sectors [Start, Start+Length).
type Range struct {
	Start  poolmeta.SectorAddr
	Length poolmeta.SectorAddr
}

func (r Range) End() poolmeta.SectorAddr { return r.Start.Add(int64(r.Length)) }

func (r Range) overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

func (r Range) adjacent(o Range) bool {
	return r.End() == o.Start || o.End() == r.Start
}

// cmpRange returns -1 if r is wholly to the left of b, 1 if r is
// wholly to the right of b, and 0 if they overlap.
func (r Range) cmpRange(b Range) int {
	switch {
	case r.End() <= b.Start:
		return -1
	case b.End() <= r.Start:
		return 1
	default:
		return 0
	}
}

// Allocator is the per-device used/free range tracker (§4.1). The
// zero value is not usable; construct with New.
type Allocator struct {
	capacity poolmeta.SectorAddr
	used     *containers.RBTree[containers.NativeOrdered[poolmeta.SectorAddr], Range]
}

// New constructs an Allocator for a device of the given capacity, in
// sectors.
func New(capacity poolmeta.SectorAddr) *Allocator {
	return &Allocator{
		capacity: capacity,
		used: &containers.RBTree[containers.NativeOrdered[poolmeta.SectorAddr], Range]{
			KeyFn: func(r Range) containers.NativeOrdered[poolmeta.SectorAddr] {
				return containers.NativeOrdered[poolmeta.SectorAddr]{Val: r.Start}
			},
		},
	}
}

// Capacity is the total number of sectors this allocator covers.
func (a *Allocator) Capacity() poolmeta.SectorAddr { return a.capacity }

// InUse is the total number of sectors currently reserved.
func (a *Allocator) InUse() poolmeta.SectorAddr {
	var sum poolmeta.SectorAddr
	_ = a.used.Walk(func(n *containers.RBNode[Range]) error {
		sum += n.Value.Length
		return nil
	})
	return sum
}

// Available is Capacity minus InUse.
func (a *Allocator) Available() poolmeta.SectorAddr { return a.capacity - a.InUse() }

// Reserve marks ranges as in-use, coalescing with adjacent existing
// ranges. It fails with an error (and reserves none of the given
// ranges) if any of them overlaps an existing reservation or a
// previously-given range in the same call, or exceeds capacity.
func (a *Allocator) Reserve(ranges []Range) error {
	for i, r := range ranges {
		if r.Length <= 0 {
			return fmt.Errorf("reserve: range %d has non-positive length %d", i, r.Length)
		}
		if r.Start < 0 || r.End() > a.capacity {
			return fmt.Errorf("reserve: range %+v exceeds capacity %d", r, a.capacity)
		}
		for j, o := range ranges {
			if i != j && r.overlaps(o) {
				return fmt.Errorf("reserve: range %+v overlaps range %+v in the same call", r, o)
			}
		}
		if existing := a.used.SearchRange(r.cmpRange); len(existing) > 0 {
			return fmt.Errorf("reserve: range %+v overlaps existing reservation %+v", r, existing[0])
		}
	}
	for _, r := range ranges {
		a.insertCoalesced(r)
	}
	return nil
}

// insertCoalesced inserts r into the used set, merging with any
// existing ranges it touches or overlaps.
func (a *Allocator) insertCoalesced(r Range) {
	merged := []Range{r}
	var toDelete []poolmeta.SectorAddr
	_ = a.used.Walk(func(n *containers.RBNode[Range]) error {
		if n.Value.overlaps(r) || n.Value.adjacent(r) {
			merged = append(merged, n.Value)
			toDelete = append(toDelete, n.Value.Start)
		}
		return nil
	})
	for _, start := range toDelete {
		a.used.Delete(containers.NativeOrdered[poolmeta.SectorAddr]{Val: start})
	}
	start, end := merged[0].Start, merged[0].End()
	for _, m := range merged[1:] {
		if m.Start < start {
			start = m.Start
		}
		if m.End() > end {
			end = m.End()
		}
	}
	a.used.Insert(Range{Start: start, Length: end - start})
}

// Request walks the complement of the used ranges in sector order,
// taking from each free range up to the remaining need, until amount
// is satisfied or no free range remains (§4.1). It allocates the
// lowest free sector first, deterministically. A partial result
// (granted < amount) is legal; the caller must check granted.
func (a *Allocator) Request(amount poolmeta.SectorAddr) (granted poolmeta.SectorAddr, ranges []Range) {
	if amount <= 0 {
		return 0, nil
	}
	cursor := poolmeta.SectorAddr(0)
	remaining := amount
	var toReserve []Range

	advance := func(freeStart, freeEnd poolmeta.SectorAddr) bool {
		if remaining <= 0 || freeEnd <= freeStart {
			return false
		}
		length := freeEnd - freeStart
		if length > remaining {
			length = remaining
		}
		toReserve = append(toReserve, Range{Start: freeStart, Length: length})
		granted += length
		remaining -= length
		return remaining > 0
	}

	keepGoing := true
	_ = a.used.Walk(func(n *containers.RBNode[Range]) error {
		if !keepGoing {
			return nil
		}
		if n.Value.Start > cursor {
			keepGoing = advance(cursor, n.Value.Start)
		}
		if n.Value.End() > cursor {
			cursor = n.Value.End()
		}
		return nil
	})
	if keepGoing {
		advance(cursor, a.capacity)
	}

	for _, r := range toReserve {
		a.insertCoalesced(r)
	}
	return granted, toReserve
}

// Grow extends capacity. Shrinking is rejected (§4.1).
func (a *Allocator) Grow(newSize poolmeta.SectorAddr) error {
	if newSize < a.capacity {
		return fmt.Errorf("grow: new size %d is smaller than current capacity %d", newSize, a.capacity)
	}
	a.capacity = newSize
	return nil
}
