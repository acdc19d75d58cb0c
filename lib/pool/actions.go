// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package pool

import (
	"context"
	"time"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolfs"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
	"git.lukeshu.com/pool-progs-ng/lib/thinpool"
)

// key is the stable string lib/thinpool, lib/flexlayer, and
// lib/backstore's dm-device names are built from: the pool's UUID,
// not its mutable display name, so a rename never orphans an active
// device-mapper table.
func (p *Pool) key() string { return p.uuid.String() }

// CreateFilesystem allocates a thin id, creates and activates its dm
// thin device, formats it with XFS, and records it (§4.7/§4.8).
func (p *Pool) CreateFilesystem(ctx context.Context, now time.Time, name string, size, sizeLimit int64) (poolmeta.FilesystemUUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAvailable(Full); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}
	for _, fs := range p.filesystems {
		if string(fs.name) == name {
			return poolmeta.FilesystemUUID{}, poolerr.Errorf(poolerr.AlreadyExists, "filesystem %q already exists", name)
		}
	}
	if err := p.checkFsLimit(); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}
	fsRecord := poolfs.New([16]byte(poolmeta.NewFilesystemUUID()), size, sizeLimit, now)
	if err := p.checkOverprov(p.totalFsSize(0, false), poolmeta.SectorAddr(fsRecord.Size)); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}

	thinID := p.allocateThinID()
	if err := p.thinPool.CreateFilesystem(ctx, p.key(), thinID, name, uint64(sizeLimit)); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}
	if err := p.thinPool.ActivateFilesystem(ctx, p.key(), thinID, fsRecord.Size); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}
	devicePath := thinpool.ThinDevicePath(p.key(), thinID)
	if err := poolfs.Format(ctx, devicePath, fsRecord.XFSUuid); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}

	uuid := poolmeta.FilesystemUUID(fsRecord.XFSUuid)
	p.filesystems[thinID] = &filesystemEntry{uuid: uuid, name: poolmeta.Name(name), fs: fsRecord}

	if err := p.saveLocked(ctx, now); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}
	return uuid, nil
}

// RenameFilesystem renames a filesystem, rejecting a duplicate name
// among siblings (§4.7 rename_filesystem).
func (p *Pool) RenameFilesystem(ctx context.Context, now time.Time, uuid poolmeta.FilesystemUUID, newName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAvailable(NoRequests); err != nil {
		return err
	}
	entry, thinID, err := p.findFilesystem(uuid)
	if err != nil {
		return err
	}
	for id, fs := range p.filesystems {
		if id != thinID && string(fs.name) == newName {
			return poolerr.Errorf(poolerr.AlreadyExists, "filesystem %q already exists", newName)
		}
	}
	if err := p.thinPool.RenameFilesystem(thinID, newName); err != nil {
		return err
	}
	entry.name = poolmeta.Name(newName)
	return p.saveLocked(ctx, now)
}

// SetFsSizeLimit updates a filesystem's enforced size cap.
func (p *Pool) SetFsSizeLimit(ctx context.Context, now time.Time, uuid poolmeta.FilesystemUUID, limit int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAvailable(NoRequests); err != nil {
		return err
	}
	entry, thinID, err := p.findFilesystem(uuid)
	if err != nil {
		return err
	}
	if err := entry.fs.SetSizeLimit(limit); err != nil {
		return err
	}
	if err := p.thinPool.SetFsSizeLimit(thinID, uint64(limit)); err != nil {
		return err
	}
	return p.saveLocked(ctx, now)
}

// SetFsMergeScheduled flags a snapshot to merge into its origin at the
// next check pass.
func (p *Pool) SetFsMergeScheduled(ctx context.Context, now time.Time, uuid poolmeta.FilesystemUUID, scheduled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAvailable(NoRequests); err != nil {
		return err
	}
	_, thinID, err := p.findFilesystem(uuid)
	if err != nil {
		return err
	}
	if err := p.thinPool.SetFsMergeScheduled(thinID, scheduled); err != nil {
		return err
	}
	return p.saveLocked(ctx, now)
}

// DestroyFilesystems tears down and forgets the named filesystems.
func (p *Pool) DestroyFilesystems(ctx context.Context, now time.Time, uuids []poolmeta.FilesystemUUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAvailable(NoRequests); err != nil {
		return err
	}
	thinIDs := make([]uint32, 0, len(uuids))
	for _, uuid := range uuids {
		_, thinID, err := p.findFilesystem(uuid)
		if err != nil {
			return err
		}
		thinIDs = append(thinIDs, thinID)
	}
	if err := p.thinPool.DestroyFilesystems(ctx, p.key(), thinIDs); err != nil {
		return err
	}
	for _, thinID := range thinIDs {
		delete(p.filesystems, thinID)
	}
	return p.saveLocked(ctx, now)
}

// SnapshotFilesystem creates a new filesystem as a snapshot of an
// existing one, cleaning its XFS log and rewriting its UUID when the
// origin is mounted (§4.7 snapshot_filesystem, P10).
func (p *Pool) SnapshotFilesystem(ctx context.Context, now time.Time, originUUID poolmeta.FilesystemUUID, newName string, mountIdx *poolfs.MountIndex, scratchMountPoint string, originMajor, originMinor uint32) (poolmeta.FilesystemUUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAvailable(Full); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}
	origin, originThinID, err := p.findFilesystem(originUUID)
	if err != nil {
		return poolmeta.FilesystemUUID{}, err
	}
	for _, fs := range p.filesystems {
		if string(fs.name) == newName {
			return poolmeta.FilesystemUUID{}, poolerr.Errorf(poolerr.AlreadyExists, "filesystem %q already exists", newName)
		}
	}

	newThinID := p.allocateThinID()
	if err := p.thinPool.SnapshotFilesystem(ctx, p.key(), originThinID, newThinID, newName, uint64(origin.fs.SizeLimit)); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}
	if err := p.thinPool.ActivateFilesystem(ctx, p.key(), newThinID, origin.fs.Size); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}

	newXFSUuid := [16]byte(poolmeta.NewFilesystemUUID())
	devicePath := thinpool.ThinDevicePath(p.key(), newThinID)
	originMounted := false
	if mountIdx != nil {
		if _, ok, lookupErr := mountIdx.Lookup(originMajor, originMinor); lookupErr == nil && ok {
			originMounted = true
		}
	}
	if err := poolfs.Snapshot(ctx, devicePath, originMounted, scratchMountPoint, newXFSUuid); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}

	newUUID := poolmeta.FilesystemUUID(newXFSUuid)
	newFs := poolfs.New(newXFSUuid, origin.fs.Size, origin.fs.SizeLimit, now)
	newFs.OriginXFSUuid = &origin.fs.XFSUuid
	p.filesystems[newThinID] = &filesystemEntry{uuid: newUUID, name: poolmeta.Name(newName), fs: newFs}

	if err := p.saveLocked(ctx, now); err != nil {
		return poolmeta.FilesystemUUID{}, err
	}
	return newUUID, nil
}

func (p *Pool) findFilesystem(uuid poolmeta.FilesystemUUID) (*filesystemEntry, uint32, error) {
	for thinID, fs := range p.filesystems {
		if fs.uuid == uuid {
			return fs, thinID, nil
		}
	}
	return nil, 0, poolerr.Errorf(poolerr.NotFound, "filesystem %s does not exist", uuid)
}

// Check runs the per-filesystem, metadata, and data extend passes
// against the thin pool, then saves metadata if anything changed
// (§4.7 check(), §4.9).
func (p *Pool) Check(ctx context.Context, now time.Time, mounts func(thinID uint32) (mountPoint string, ok bool)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	perFilesystem := func(thinID uint32) error {
		entry, ok := p.filesystems[thinID]
		if !ok {
			return nil
		}
		mountPoint := ""
		if mounts != nil {
			if mp, ok := mounts(thinID); ok {
				mountPoint = mp
			}
		}
		growThin := func(newSize int64) error {
			if err := p.checkOverprov(p.totalFsSize(thinID, true), poolmeta.SectorAddr(newSize)); err != nil {
				return err
			}
			return p.thinPool.ResizeFilesystem(ctx, p.key(), thinID, newSize)
		}
		shrinkThin := func(oldSize int64) error {
			return p.thinPool.ResizeFilesystem(ctx, p.key(), thinID, oldSize)
		}
		if _, err := entry.fs.Check(ctx, mountPoint, growThin, shrinkThin); err != nil {
			// An overprov rejection is a clean, expected denial of
			// one filesystem's auto-extend, not a pool-wide fault;
			// only a genuine growthin/xfs_growfs failure escalates.
			if poolerr.KindOf(err) != poolerr.OutOfSpace {
				p.escalate(NoPoolChanges)
			}
			return err
		}
		return nil
	}

	if err := p.thinPool.Check(ctx, p.key(), perFilesystem, p.growThinMeta, p.growThinData); err != nil {
		return err
	}
	return p.saveLocked(ctx, now)
}

// Stop deactivates every filesystem's thin device then the thin pool
// itself (§4.7 stop()). It leaves the backstore and the crypt layer
// untouched; tearing those down is the caller's job.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for thinID := range p.filesystems {
		if err := p.thinPool.DeactivateFilesystem(ctx, p.key(), thinID); err != nil {
			return err
		}
	}
	return p.thinPool.Stop(ctx, p.key())
}
