// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package pool

import (
	"time"

	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// FilesystemSummary is a read-only view of one filesystem for
// engine_state_report/list_filesystems (§6.1), combining the
// pool-level registry entry with lib/poolfs and lib/thinpool's own
// bookkeeping without exposing either package's internals.
type FilesystemSummary struct {
	UUID           poolmeta.FilesystemUUID
	Name           string
	Size           int64
	SizeLimit      int64
	Created        time.Time
	IsSnapshot     bool
	MergeScheduled bool
}

// FilesystemSummaries lists every filesystem currently in the pool.
func (p *Pool) FilesystemSummaries() []FilesystemSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]FilesystemSummary, 0, len(p.filesystems))
	for thinID, entry := range p.filesystems {
		out = append(out, FilesystemSummary{
			UUID:           entry.uuid,
			Name:           string(entry.name),
			Size:           entry.fs.Size,
			SizeLimit:      entry.fs.SizeLimit,
			Created:        entry.fs.Created,
			IsSnapshot:     entry.fs.OriginXFSUuid != nil,
			MergeScheduled: p.mergeScheduled(thinID),
		})
	}
	return out
}

// DeviceSummary is a read-only view of one registered device for
// list_blockdevs (§6.1).
type DeviceSummary struct {
	UUID     poolmeta.DevUUID
	Degraded bool
}

// DeviceSummaries lists every device registered to the pool.
func (p *Pool) DeviceSummaries() []DeviceSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]DeviceSummary, 0, len(p.devices))
	for uuid := range p.devices {
		out = append(out, DeviceSummary{UUID: uuid, Degraded: p.degraded[uuid]})
	}
	return out
}
