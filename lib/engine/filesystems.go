// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"time"

	"git.lukeshu.com/pool-progs-ng/lib/poolfs"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// FilesystemSpec is one entry of create_filesystems' input list (§6.1).
type FilesystemSpec struct {
	Name      string
	Size      int64 // 0 asks lib/poolfs for its default
	SizeLimit int64 // 0 means unlimited
}

// CreateFilesystems creates one or more filesystems in a pool. Each
// spec is applied independently; the first failure stops the request
// and returns what succeeded so far as part of the error context,
// rather than attempting a multi-filesystem transaction C7 doesn't
// support.
func (e *Engine) CreateFilesystems(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, specs []FilesystemSpec) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	created := make(map[string]any, len(specs))
	for _, spec := range specs {
		uuid, err := p.CreateFilesystem(ctx, now, spec.Name, spec.Size, spec.SizeLimit)
		if err != nil {
			return failedResult(err)
		}
		created[spec.Name] = uuid.String()
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{"filesystems_created": created}})
	return changedResult(map[string]any{"filesystems": created})
}

// DestroyFilesystems tears down and forgets the named filesystems.
func (e *Engine) DestroyFilesystems(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, uuids []poolmeta.FilesystemUUID) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	if err := p.DestroyFilesystems(ctx, now, uuids); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{"filesystems_destroyed": len(uuids)}})
	return changedResult(map[string]any{"destroyed": len(uuids)})
}

// RenameFilesystem renames a filesystem within its pool.
func (e *Engine) RenameFilesystem(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, fsUUID poolmeta.FilesystemUUID, newName string) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	if err := p.RenameFilesystem(ctx, now, fsUUID, newName); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectFilesystem, ID: fsUUID.String(), Delta: map[string]any{"name": newName}})
	return changedResult(map[string]any{"name": newName})
}

// SnapshotFilesystem creates newName as a snapshot of originUUID.
func (e *Engine) SnapshotFilesystem(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, originUUID poolmeta.FilesystemUUID, newName string, mountIdx *poolfs.MountIndex, scratchMountPoint string, originMajor, originMinor uint32) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	uuid, err := p.SnapshotFilesystem(ctx, now, originUUID, newName, mountIdx, scratchMountPoint, originMajor, originMinor)
	if err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectFilesystem, ID: uuid.String(), Delta: map[string]any{"origin": originUUID.String(), "name": newName}})
	return changedResult(map[string]any{"filesystem_uuid": uuid.String()})
}

// SetFsSizeLimit updates a filesystem's enforced size cap.
func (e *Engine) SetFsSizeLimit(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, fsUUID poolmeta.FilesystemUUID, limit int64) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	if err := p.SetFsSizeLimit(ctx, now, fsUUID, limit); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectFilesystem, ID: fsUUID.String(), Delta: map[string]any{"size_limit": limit}})
	return changedResult(map[string]any{"size_limit": limit})
}

// SetFsMergeScheduled marks or clears a snapshot's merge-into-origin
// intent.
func (e *Engine) SetFsMergeScheduled(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, fsUUID poolmeta.FilesystemUUID, scheduled bool) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	if err := p.SetFsMergeScheduled(ctx, now, fsUUID, scheduled); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectFilesystem, ID: fsUUID.String(), Delta: map[string]any{"merge_scheduled": scheduled}})
	return changedResult(map[string]any{"merge_scheduled": scheduled})
}
