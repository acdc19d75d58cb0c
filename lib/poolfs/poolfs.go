// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package poolfs wraps one thin device formatted with XFS (§4.8): size
// tracking and auto-grow against a caller-supplied free-space reading,
// snapshot UUID freshness, and mount-point discovery by device number.
package poolfs

import (
	"time"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
)

// defaultSizeSectors is used when create_filesystem is not given an
// explicit size (§4.7).
const defaultSizeSectors = 1 << 40 / 512 // 1 TiB

// Filesystem is one thin-provisioned XFS filesystem (§4.8). It tracks
// only the bookkeeping poolfs itself owns; the backing thin_id and
// pool-wide name/uuid registry live in lib/thinpool and lib/pool.
type Filesystem struct {
	XFSUuid   [16]byte
	Size      int64 // sectors
	SizeLimit int64 // sectors, 0 = unlimited
	Created   time.Time

	OriginXFSUuid *[16]byte // set on a snapshot, nil on an origin
}

// New constructs a Filesystem record for a freshly formatted thin
// device. size <= 0 selects the default size (§4.7).
func New(xfsUUID [16]byte, size, sizeLimit int64, created time.Time) *Filesystem {
	if size <= 0 {
		size = defaultSizeSectors
	}
	return &Filesystem{
		XFSUuid:   xfsUUID,
		Size:      size,
		SizeLimit: sizeLimit,
		Created:   created,
	}
}

// growTarget computes the next size check() would grow to, or 0 if no
// growth is warranted. Growth doubles the current size, capped by
// SizeLimit when one is set (§4.8).
func (f *Filesystem) growTarget() int64 {
	target := f.Size * 2
	if f.SizeLimit > 0 && target > f.SizeLimit {
		target = f.SizeLimit
	}
	if target <= f.Size {
		return 0
	}
	return target
}

// lowWaterFraction is the free-space fraction below which check grows
// the filesystem (§4.8, FILESYSTEM_LOWATER).
const lowWaterFraction = 0.10

func belowLowWater(freeBytes, totalBytes int64) bool {
	if totalBytes <= 0 {
		return false
	}
	return float64(freeBytes) < float64(totalBytes)*lowWaterFraction
}

// SetSizeLimit updates the enforced upper bound. A limit below the
// current size is rejected rather than silently truncating a live
// filesystem.
func (f *Filesystem) SetSizeLimit(limit int64) error {
	if limit > 0 && limit < f.Size {
		return poolerr.Errorf(poolerr.Invalid, "size limit %d is below current size %d", limit, f.Size)
	}
	f.SizeLimit = limit
	return nil
}
