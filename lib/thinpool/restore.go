// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package thinpool

import "git.lukeshu.com/pool-progs-ng/lib/poolerr"

// DataBlockSize and FeatureArgs expose the construction parameters a
// save document needs to record, since the kernel has no way to
// report them back once the pool is stopped (§3.5 thinpool_dev).
func (t *ThinPool) DataBlockSize() int64  { return t.dataBlockSize }
func (t *ThinPool) FeatureArgs() []string { return append([]string{}, t.featureArgs...) }

// FilesystemInfo is a read-only snapshot of one thin device's
// registry entry, for persisting or inspecting without exposing the
// unexported filesystem type.
type FilesystemInfo struct {
	Name           string
	ThinID         uint32
	SizeLimit      uint64
	MergeScheduled bool
	OriginThinID   *uint32
}

// Filesystems lists every registered thin device's bookkeeping entry.
func (t *ThinPool) Filesystems() []FilesystemInfo {
	out := make([]FilesystemInfo, 0, len(t.filesystems))
	for _, fs := range t.filesystems {
		out = append(out, FilesystemInfo{
			Name:           fs.Name,
			ThinID:         fs.ThinID,
			SizeLimit:      fs.SizeLimit,
			MergeScheduled: fs.MergeScheduled,
			OriginThinID:   fs.OriginThinID,
		})
	}
	return out
}

// Adopt seeds the registry with a thin device that already exists in
// the kernel's thin-pool metadata (restored from a save document)
// without issuing any create_thin message. Create (or a prior Adopt)
// must have already run so ancestry checks have something to walk.
func (t *ThinPool) Adopt(thinID uint32, name string, sizeLimit uint64, mergeScheduled bool, originThinID *uint32) error {
	if _, exists := t.filesystems[thinID]; exists {
		return poolerr.Errorf(poolerr.AlreadyExists, "thin id %d is already registered", thinID)
	}
	t.filesystems[thinID] = &filesystem{
		Name:           name,
		ThinID:         thinID,
		SizeLimit:      sizeLimit,
		MergeScheduled: mergeScheduled,
		OriginThinID:   originThinID,
	}
	return nil
}
