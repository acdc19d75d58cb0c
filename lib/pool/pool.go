// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pool aggregates one pool's backstore, flex layer, thin pool,
// and filesystems (C9): the action-availability lattice, thin-id
// allocation, and the parallel metadata-save orchestration every
// mutating operation ends with.
package pool

import (
	"context"
	"fmt"
	"sync"

	"git.lukeshu.com/pool-progs-ng/lib/backstore"
	"git.lukeshu.com/pool-progs-ng/lib/flexlayer"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolfs"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
	"git.lukeshu.com/pool-progs-ng/lib/thinpool"
)

// ActionAvailability is the pool's three-valued monotone lattice (I8):
// Full allows everything; NoRequests refuses new allocating requests
// but still accepts checks and queries; NoPoolChanges refuses every
// metadata-mutating operation. It may only move up this order within
// one process lifetime, resetting to Full only on a clean restart.
type ActionAvailability int

const (
	Full ActionAvailability = iota
	NoRequests
	NoPoolChanges
)

func (a ActionAvailability) String() string {
	switch a {
	case Full:
		return "Full"
	case NoRequests:
		return "NoRequests"
	case NoPoolChanges:
		return "NoPoolChanges"
	default:
		return fmt.Sprintf("ActionAvailability(%d)", int(a))
	}
}

// saveDevice is the narrow view of a data/cache device pool needs to
// run metadata-save quorum, satisfied by *lib/blockdev.Handle. Kept
// local (rather than importing lib/blockdev's concrete type into every
// signature) the same way lib/blockdev itself declares CryptHandle to
// avoid a needless import-direction commitment.
type saveDevice interface {
	DevUUID() poolmeta.DevUUID
	SaveState(ts poolmeta.Timestamp, payload []byte) error
	LoadState() (payload []byte, ts poolmeta.Timestamp, ok bool, err error)
	Grow(ctx context.Context) error
	Disown(ctx context.Context) error
	Close() error
}

// filesystemEntry bundles one filesystem's own bookkeeping with the
// thin id it is registered under in the thin pool.
type filesystemEntry struct {
	uuid poolmeta.FilesystemUUID
	name poolmeta.Name
	fs   *poolfs.Filesystem
}

// Pool is one assembled storage pool (C9).
type Pool struct {
	mu sync.RWMutex

	uuid poolmeta.PoolUUID
	name poolmeta.Name

	availability ActionAvailability
	nextThinID   uint32 // high-water mark; allocateThinID reuses lower free ids first

	fsLimit         uint64
	overprovEnabled bool

	lastSaveTime poolmeta.Timestamp

	backstore *backstore.Backstore
	flex      *flexlayer.FlexLayer
	thinPool  *thinpool.ThinPool

	devices     map[poolmeta.DevUUID]saveDevice
	degraded    map[poolmeta.DevUUID]bool
	filesystems map[uint32]*filesystemEntry
}

// New constructs an assembled Pool over an already-built backstore,
// flex layer, and thin pool (liminal discovery's setup_pool does that
// assembly; see lib/liminal).
func New(uuid poolmeta.PoolUUID, name poolmeta.Name, bs *backstore.Backstore, flex *flexlayer.FlexLayer, tp *thinpool.ThinPool) *Pool {
	return &Pool{
		uuid:        uuid,
		name:        name,
		backstore:   bs,
		flex:        flex,
		thinPool:    tp,
		devices:     map[poolmeta.DevUUID]saveDevice{},
		degraded:    map[poolmeta.DevUUID]bool{},
		filesystems: map[uint32]*filesystemEntry{},
	}
}

// SetFsLimit and SetOverprovEnabled let liminal discovery restore the
// pool-wide settings recorded in a loaded PoolSave before the pool
// starts accepting requests.
func (p *Pool) SetFsLimit(limit uint64)               { p.fsLimit = limit }
func (p *Pool) SetOverprovEnabled(enabled bool)       { p.overprovEnabled = enabled }
func (p *Pool) SetLastSaveTime(ts poolmeta.Timestamp) { p.lastSaveTime = ts }

// RestoreNextThinID seeds the thin-id high-water mark from a loaded
// PoolSave's highest recorded thin id, so allocateThinID never hands
// out an id already used before a restart.
func (p *Pool) RestoreNextThinID(highest uint32) {
	if highest+1 > p.nextThinID {
		p.nextThinID = highest + 1
	}
}

func (p *Pool) UUID() poolmeta.PoolUUID { return p.uuid }

// Backstore returns the pool's device tiers, for liminal discovery's
// stop_pool to unmap after the thin pool and flex layer come down.
func (p *Pool) Backstore() *backstore.Backstore { return p.backstore }

func (p *Pool) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return string(p.name)
}

func (p *Pool) Availability() ActionAvailability {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.availability
}

// escalate raises action-availability, a no-op if the pool is already
// at or above to (I8: the lattice only moves up).
func (p *Pool) escalate(to ActionAvailability) {
	if to > p.availability {
		p.availability = to
	}
}

// Rename changes the in-memory name; uniqueness against sibling pools
// is the registry's (lib/engine) job, not this pool's.
func (p *Pool) Rename(newName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = poolmeta.Name(newName)
}

// RegisterDevice adds a data or cache device to the set participating
// in metadata-save quorum.
func (p *Pool) RegisterDevice(dev saveDevice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[dev.DevUUID()] = dev
}

// Device returns the registered device matching devUUID, for callers
// (crypt-binding requests) that need more than the saveDevice view and
// type-assert the result against a narrower interface of their own.
func (p *Pool) Device(devUUID poolmeta.DevUUID) (any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	dev, ok := p.devices[devUUID]
	if !ok {
		return nil, poolerr.Errorf(poolerr.NotFound, "device %s is not registered to this pool", devUUID)
	}
	return dev, nil
}

// Filesystems returns the UUIDs of every filesystem currently in the
// pool, for callers (pool_destroy's non-empty check, introspection)
// that don't need the full entry.
func (p *Pool) Filesystems() []poolmeta.FilesystemUUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]poolmeta.FilesystemUUID, 0, len(p.filesystems))
	for _, entry := range p.filesystems {
		out = append(out, entry.uuid)
	}
	return out
}

// DegradedDevices returns the UUIDs of devices that have failed a
// metadata save but are still attached (not removed from the pool).
func (p *Pool) DegradedDevices() []poolmeta.DevUUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]poolmeta.DevUUID, 0, len(p.degraded))
	for id := range p.degraded {
		out = append(out, id)
	}
	return out
}

// allocateThinID returns the lowest thin id not currently in use,
// bumping nextThinID only when no lower id has been freed (§4.9).
func (p *Pool) allocateThinID() uint32 {
	for id := uint32(0); id < p.nextThinID; id++ {
		if _, used := p.filesystems[id]; !used {
			return id
		}
	}
	id := p.nextThinID
	p.nextThinID++
	return id
}

func (p *Pool) requireAvailable(need ActionAvailability) error {
	if p.availability > need {
		return poolerr.Errorf(poolerr.Invalid, "pool %s action-availability is %v, operation requires %v", p.name, p.availability, need)
	}
	return nil
}

// totalFsSize sums every filesystem's current size (sectors), skipping
// skip if it names a registered thin id (the filesystem whose own
// growth is being sized against the total, rather than double-counted
// into it).
func (p *Pool) totalFsSize(skip uint32, hasSkip bool) poolmeta.SectorAddr {
	var total poolmeta.SectorAddr
	for thinID, entry := range p.filesystems {
		if hasSkip && thinID == skip {
			continue
		}
		total += poolmeta.SectorAddr(entry.fs.Size)
	}
	return total
}

// checkOverprov enforces §4.7's overprovisioning policy (P8): with
// overprov disabled, the sum of filesystem sizes plus the thin pool's
// own metadata reservation (thin_meta_dev plus its spare) may not
// exceed the cap device's remaining free space. additional is the
// sector count a pending create or grow would add on top of
// existingTotal. A no-op when overprov is enabled.
func (p *Pool) checkOverprov(existingTotal, additional poolmeta.SectorAddr) error {
	if p.overprovEnabled {
		return nil
	}
	reserved := p.flex.Size(flexlayer.ThinMetaDev) + p.flex.Size(flexlayer.ThinMetaDevSpare)
	capFree := p.flex.Available()
	if existingTotal+additional+reserved > capFree {
		return poolerr.Errorf(poolerr.OutOfSpace,
			"overprov disabled: %d existing + %d requested + %d reserved exceeds %d sectors free",
			existingTotal, additional, reserved, capFree)
	}
	return nil
}

// checkFsLimit enforces §3.5/§4.7's fs_limit: a zero limit means
// unlimited, matching the fs_size_limit convention poolfs.Filesystem
// already uses.
func (p *Pool) checkFsLimit() error {
	if p.fsLimit == 0 {
		return nil
	}
	if uint64(len(p.filesystems)) >= p.fsLimit {
		return poolerr.Errorf(poolerr.AlreadyExists, "pool %s has reached its filesystem limit of %d", p.name, p.fsLimit)
	}
	return nil
}
