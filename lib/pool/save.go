// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package pool

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sync/errgroup"

	"git.lukeshu.com/pool-progs-ng/lib/blockdev"
	"git.lukeshu.com/pool-progs-ng/lib/flexlayer"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolextent"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// buildSave assembles the PoolSave document from the pool's current
// in-memory state (§3.5, §4.9). Callers hold at least a read lock.
func (p *Pool) buildSave() poolmeta.PoolSave {
	filesystems := make([]poolmeta.FilesystemSave, 0, len(p.filesystems))
	for thinID, fs := range p.filesystems {
		filesystems = append(filesystems, poolmeta.FilesystemSave{
			Name:           fs.name,
			FilesystemUUID: fs.uuid,
			ThinID:         thinID,
			SizeLimit:      uint64(fs.fs.SizeLimit),
			MergeScheduled: p.mergeScheduled(thinID),
			OriginThinID:   p.originThinID(thinID),
		})
	}
	started := true

	dataDevs := make([]poolmeta.DevSave, 0)
	for _, id := range p.backstore.DataTier() {
		dataDevs = append(dataDevs, poolmeta.DevSave{DevUUID: id})
	}
	cacheDevs := make([]poolmeta.DevSave, 0)
	for _, id := range p.backstore.CacheTier() {
		cacheDevs = append(cacheDevs, poolmeta.DevSave{DevUUID: id})
	}

	return poolmeta.PoolSave{
		Name:            p.name,
		Started:         &started,
		FsLimit:         p.fsLimit,
		OverprovEnabled: p.overprovEnabled,
		Backstore: poolmeta.BackstoreSave{
			DataTier:  dataDevs,
			CacheTier: cacheDevs,
			Cap: poolmeta.CapSave{
				Allocs:          p.backstore.DataAllocs(),
				CryptMetaAllocs: p.backstore.CacheAllocs(),
			},
		},
		FlexDevs: poolmeta.FlexDevsSave{
			ThinMetaDev:      toExtentSaves(p.flex.Ranges(flexlayer.ThinMetaDev)),
			ThinMetaDevSpare: toExtentSaves(p.flex.Ranges(flexlayer.ThinMetaDevSpare)),
			MetaDev:          toExtentSaves(p.flex.Ranges(flexlayer.MetaDev)),
			ThinDataDev:      toExtentSaves(p.flex.Ranges(flexlayer.ThinDataDev)),
		},
		ThinPoolDev: poolmeta.ThinPoolDevSave{
			DataBlockSize: poolmeta.SectorAddr(p.thinPool.DataBlockSize()),
			FeatureArgs:   p.thinPool.FeatureArgs(),
		},
		Filesystems: filesystems,
	}
}

// toExtentSaves flattens a flex-layer region's ranges into the
// save-document shape. The flex layer addresses the backstore's
// already-logical space, so there is no per-device UUID to record here
// (§4.6); DevUUID is left zero and ignored on restore.
func toExtentSaves(ranges []poolextent.Range) []poolmeta.DevExtentSave {
	out := make([]poolmeta.DevExtentSave, len(ranges))
	for i, r := range ranges {
		out[i] = poolmeta.DevExtentSave{Start: r.Start, Length: r.Length}
	}
	return out
}

// mergeScheduled and originThinID report a filesystem's snapshot-merge
// bookkeeping from the thin pool's registry, which is where
// SetFsMergeScheduled and SnapshotFilesystem actually record it.
func (p *Pool) mergeScheduled(thinID uint32) bool {
	for _, fs := range p.thinPool.Filesystems() {
		if fs.ThinID == thinID {
			return fs.MergeScheduled
		}
	}
	return false
}

func (p *Pool) originThinID(thinID uint32) *uint32 {
	for _, fs := range p.thinPool.Filesystems() {
		if fs.ThinID == thinID {
			return fs.OriginThinID
		}
	}
	return nil
}

// nextSaveTimestamp picks a wall-clock time strictly greater than the
// last recorded save time, bumping by 1 microsecond when the clock
// hasn't advanced (§4.9, I5).
func (p *Pool) nextSaveTimestamp(now time.Time) poolmeta.Timestamp {
	ts := poolmeta.Timestamp{Sec: uint64(now.Unix()), Nsec: uint32(now.Nanosecond())}
	if !ts.After(p.lastSaveTime) {
		ts = bumpTimestamp(p.lastSaveTime)
	}
	return ts
}

func bumpTimestamp(ts poolmeta.Timestamp) poolmeta.Timestamp {
	const microsecondNs = 1000
	ts.Nsec += microsecondNs
	if ts.Nsec >= 1e9 {
		ts.Nsec -= 1e9
		ts.Sec++
	}
	return ts
}

// CurrentSave encodes the pool's current in-memory state the same way
// Save would, without writing it anywhere, for introspection
// (current_metadata, §6.1).
func (p *Pool) CurrentSave(ctx context.Context) ([]byte, poolmeta.Timestamp, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	payload, err := poolmeta.EncodePoolSave(p.buildSave())
	if err != nil {
		return nil, poolmeta.Timestamp{}, poolerr.Wrap(poolerr.Invalid, "encode pool metadata", err)
	}
	return payload, p.lastSaveTime, nil
}

// LastPersistedSave reads the payload back off whichever registered
// device answers first, rather than re-encoding the in-memory model
// (CurrentSave's approach): the two differ only if a save partially
// failed on some devices and succeeded on others (current_metadata
// vs. last_metadata, §6.1).
func (p *Pool) LastPersistedSave() ([]byte, poolmeta.Timestamp, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, dev := range p.devices {
		payload, ts, ok, err := dev.LoadState()
		if err != nil || !ok {
			continue
		}
		return payload, ts, nil
	}
	return nil, poolmeta.Timestamp{}, poolerr.New(poolerr.NotFound, "no device in this pool has a readable saved state")
}

// Save constructs the current PoolSave and writes it to every live
// device in parallel (§4.9), taking the pool's write lock itself. Use
// saveLocked from a method that already holds it.
func (p *Pool) Save(ctx context.Context, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked(ctx, now)
}

// saveLocked is Save's body for callers that already hold the write
// lock. The save succeeds if at least one device accepted it; devices
// that failed are marked degraded but stay in the pool. If every
// device failed, the save is considered rolled back and the pool
// escalates to NoPoolChanges.
func (p *Pool) saveLocked(ctx context.Context, now time.Time) error {
	save := p.buildSave()
	payload, err := poolmeta.EncodePoolSave(save)
	if err != nil {
		return poolerr.Wrap(poolerr.Invalid, "encode pool metadata", err)
	}
	ts := p.nextSaveTimestamp(now)

	type result struct {
		id  poolmeta.DevUUID
		err error
	}
	results := make(chan result, len(p.devices))
	var g errgroup.Group
	for id, dev := range p.devices {
		id, dev := id, dev
		g.Go(func() error {
			err := dev.SaveState(ts, payload)
			results <- result{id: id, err: err}
			return nil // collect every result rather than cancelling siblings on first error
		})
	}
	_ = g.Wait()
	close(results)

	succeeded := 0
	for r := range results {
		if r.err != nil {
			dlog.Errorf(ctx, "pool: save_state failed on device %s: %v", r.id, r.err)
			p.degraded[r.id] = true
			continue
		}
		delete(p.degraded, r.id)
		succeeded++
	}

	if succeeded == 0 {
		p.escalate(NoPoolChanges)
		return poolerr.New(poolerr.RollbackFailed, "metadata save failed on every device")
	}
	p.lastSaveTime = ts
	return nil
}

// AddDataDevice adds a new device to the backstore's data tier and
// registers it for future metadata saves (§4.5/§4.9).
func (p *Pool) AddDataDevice(h *blockdev.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAvailable(NoRequests); err != nil {
		return err
	}
	if err := p.backstore.AddDataDevice(h); err != nil {
		return err
	}
	p.devices[h.DevUUID()] = h
	return nil
}

// growThinData pulls amount sectors of previously-unallocated device
// capacity into the backstore's data tier, extends the flex layer's
// arena to match, and grants that space to the thin-pool data region.
// It is the growData callback lib/thinpool.Check drives (§4.7 pass 3).
func (p *Pool) growThinData(amount int64) int64 {
	granted := p.backstore.Alloc(poolmeta.SectorAddr(amount))
	if granted == 0 {
		return 0
	}
	if err := p.flex.Grow(p.backstore.Size()); err != nil {
		return 0
	}
	return int64(p.flex.GrowData(granted))
}

// growThinMeta is the growMeta callback for lib/thinpool.Check (§4.7
// pass 2): it keeps thin_meta_dev and its spare growing in lockstep
// (§4.6, flexlayer.GrowMetaAndSpare).
func (p *Pool) growThinMeta(amount int64) int64 {
	granted := p.backstore.Alloc(poolmeta.SectorAddr(amount))
	if granted == 0 {
		return 0
	}
	if err := p.flex.Grow(p.backstore.Size()); err != nil {
		return 0
	}
	if err := p.flex.GrowMetaAndSpare(granted); err != nil {
		return 0
	}
	return int64(granted)
}
