// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package pool

import (
	"time"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolfs"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// RestoreFilesystem seeds the registry entry for one filesystem loaded
// from a save document, after the caller has already restored its
// thin-pool-level bookkeeping (lib/thinpool.Adopt). size is the thin
// device's current logical size as reported by the kernel; a save
// document only ever records the enforced limit, not the live size,
// since the thin device itself is the source of truth for that once
// the pool is running (§4.9's setup_pool is the only caller).
func (p *Pool) RestoreFilesystem(thinID uint32, save poolmeta.FilesystemSave, size int64, created time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.filesystems[thinID]; exists {
		return poolerr.Errorf(poolerr.AlreadyExists, "thin id %d is already registered", thinID)
	}
	fs := poolfs.New([16]byte(save.FilesystemUUID), size, int64(save.SizeLimit), created)
	if save.OriginThinID != nil {
		if origin, ok := p.filesystems[*save.OriginThinID]; ok {
			fs.OriginXFSUuid = &origin.fs.XFSUuid
		}
	}
	p.filesystems[thinID] = &filesystemEntry{uuid: save.FilesystemUUID, name: save.Name, fs: fs}
	return nil
}
