// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package liminal watches for block devices appearing, changing, and
// disappearing, classifies each one as a member of some pool (or not
// one of this engine's devices at all), and drives the assemble/
// start/stop sequence that turns a recognized set of devices into a
// running lib/pool.Pool (§4.10).
package liminal

import (
	"fmt"

	"git.lukeshu.com/pool-progs-ng/lib/cryptdev"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// EventKind mirrors the three kernel uevent actions liminal cares
// about.
type EventKind int

const (
	EventAdd EventKind = iota
	EventChange
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "add"
	case EventChange:
		return "change"
	case EventRemove:
		return "remove"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one block-subsystem uevent, reduced to what liminal needs:
// what happened, and which device node to look at.
type Event struct {
	Kind       EventKind
	DevicePath string
}

// DeviceInfo is the outcome of classifying one device path: either it
// carries a readable static header (OpenInfo) or it is a LUKS2 volume
// identified by its token but not yet unlocked (LockedInfo). Anything
// else is not one of this engine's devices and is never turned into a
// DeviceInfo at all.
type DeviceInfo interface {
	isDeviceInfo()
	Pool() poolmeta.PoolUUID
	Dev() poolmeta.DevUUID
	Path() string
}

// OpenInfo is a plaintext (or already-decrypted) member device: its
// static header is directly readable, so assembly can hand its path
// straight to lib/blockdev.Open.
type OpenInfo struct {
	PoolUUID   poolmeta.PoolUUID
	DevUUID    poolmeta.DevUUID
	DevicePath string
}

func (OpenInfo) isDeviceInfo()             {}
func (o OpenInfo) Pool() poolmeta.PoolUUID { return o.PoolUUID }
func (o OpenInfo) Dev() poolmeta.DevUUID   { return o.DevUUID }
func (o OpenInfo) Path() string            { return o.DevicePath }

// LockedInfo is a LUKS2 member device recognized by its identifier
// token: its pool and device identity are known, but its static
// header is only readable once a keyring or Clevis binding unlocks
// it. Handle is the cryptdev.Handle Open already constructed; Activate
// has not been called on it.
type LockedInfo struct {
	PoolUUID   poolmeta.PoolUUID
	DevUUID    poolmeta.DevUUID
	PoolName   string
	DevicePath string
	Handle     *cryptdev.Handle
}

func (LockedInfo) isDeviceInfo()             {}
func (l LockedInfo) Pool() poolmeta.PoolUUID { return l.PoolUUID }
func (l LockedInfo) Dev() poolmeta.DevUUID   { return l.DevUUID }
func (l LockedInfo) Path() string            { return l.DevicePath }

// DeviceSet is the running collection of devices observed so far for
// one pool that has not yet been torn down: either waiting to be
// assembled (in the "stopped pools" table) or already backing a live
// Pool, in which case it doubles as the record liminal needs to
// reverse the assembly on stop_pool.
type DeviceSet struct {
	PoolUUID poolmeta.PoolUUID
	Devices  map[poolmeta.DevUUID]DeviceInfo
}

func newDeviceSet(uuid poolmeta.PoolUUID) *DeviceSet {
	return &DeviceSet{PoolUUID: uuid, Devices: map[poolmeta.DevUUID]DeviceInfo{}}
}

// conflicts reports whether observing info would contradict an
// already-recorded observation for the same device: a device number
// that used to mean one (pool, dev) pair now claiming another is a
// sign of disk corruption, device renumbering races, or a hostile
// duplicate, never a routine update (§4.10, I-assemble).
func (s *DeviceSet) conflicts(info DeviceInfo) (DeviceInfo, bool) {
	existing, ok := s.Devices[info.Dev()]
	if !ok {
		return nil, false
	}
	if existing.Pool() != info.Pool() {
		return existing, true
	}
	_, existingLocked := existing.(LockedInfo)
	_, newLocked := info.(LockedInfo)
	if existingLocked != newLocked {
		return existing, true
	}
	return nil, false
}

// DeviceBag quarantines devices whose observations disagreed with
// what was already on record for them. A pool with any device in its
// bag cannot be assembled until the conflict is resolved by hand (the
// quarantine is never auto-cleared by a later event).
type DeviceBag struct {
	PoolUUID poolmeta.PoolUUID
	Entries  []BagEntry
}

// BagEntry is one rejected observation, paired with whatever was on
// record when it arrived.
type BagEntry struct {
	New      DeviceInfo
	Previous DeviceInfo
}
