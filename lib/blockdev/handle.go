// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blockdev wraps one data device: its static header and MDA
// (via lib/poolmeta), its extent allocator (via lib/poolextent), and
// — for an encrypted device — the crypt handle that mediates the
// LUKS2 layer beneath it.
package blockdev

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/pool-progs-ng/lib/diskio"
	"git.lukeshu.com/pool-progs-ng/lib/linux"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolextent"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// DeviceID is a small per-pool-process numeric handle, distinct from
// the on-disk DevUUID, used as a lightweight map key by the layers
// above (C5/C6) the way btrfsvol.DeviceID is used by LogicalVolume.
type DeviceID uint64

// CryptHandle is the subset of lib/cryptdev's *Handle that
// lib/blockdev needs: everything that turns a raw block device into
// the thing whose sectors actually hold the static header and MDA.
// An unencrypted device has no CryptHandle.
type CryptHandle interface {
	MetadataPath() string
	Grow(ctx context.Context) error
	Wipe(ctx context.Context) error
	BindKeyring(ctx context.Context, slot int, keyDesc string) error
	UnbindKeyring(ctx context.Context, slot int) error
	RebindKeyring(ctx context.Context, slot int, newKeyDesc string) error
	BindClevis(ctx context.Context, slot int, pin string, cfg map[string]any, yes bool) error
	UnbindClevis(ctx context.Context, slot int) error
	RebindClevis(ctx context.Context, slot int) error
}

// Handle is one data device, opened and ready for allocation and
// metadata I/O (§4.3).
type Handle struct {
	id           DeviceID
	physicalPath string
	userInfo     string
	hwInfo       string

	crypt CryptHandle // nil if unencrypted

	dev  diskio.File[int64]
	bda  *poolmeta.BDA
	free *poolextent.Allocator
}

// Open opens the physical device at path (or, for an encrypted
// device, the crypt handle's already-activated mapper device), reads
// and reconciles its static header, and restores the extent allocator
// from preExisting reservations recovered from the pool's metadata
// (lib/pool is responsible for computing those from the PoolSave
// document; this package only enforces that they fit).
func Open(ctx context.Context, id DeviceID, physicalPath string, crypt CryptHandle, preExisting []poolextent.Range, userInfo, hwInfo string) (*Handle, error) {
	metaPath := physicalPath
	if crypt != nil {
		metaPath = crypt.MetadataPath()
	}

	fi, err := os.Stat(metaPath)
	if err != nil {
		return nil, fmt.Errorf("blockdev: stat %s: %w", metaPath, err)
	}
	if modeFmtBitsOf(fi)&linux.ModeFmt != linux.ModeFmtBlockDevice {
		dlog.Debugf(ctx, "blockdev: %s does not look like a block device (mode=%v); opening anyway", metaPath, fi.Mode())
	}

	fh, err := os.OpenFile(metaPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", metaPath, err)
	}
	dev := &diskio.OSFile[int64]{File: fh}

	bda, err := poolmeta.ReadBDA(dev)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("blockdev: read header of %s: %w", metaPath, err)
	}

	free := poolextent.New(bda.Header().DeviceSize)
	if len(preExisting) > 0 {
		if err := free.Reserve(preExisting); err != nil {
			_ = dev.Close()
			return nil, fmt.Errorf("blockdev: restore reservations for %s: %w", metaPath, err)
		}
	}

	return &Handle{
		id:           id,
		physicalPath: physicalPath,
		userInfo:     userInfo,
		hwInfo:       hwInfo,
		crypt:        crypt,
		dev:          dev,
		bda:          bda,
		free:         free,
	}, nil
}

// modeFmtBitsOf extracts the Unix file-type bits from a FileInfo in a
// portable (non-syscall-specific) way: os.FileMode's own type bits
// already distinguish devices when populated by the os package, but
// lib/linux.StatMode is the stable vocabulary the rest of this
// package (and lib/liminal) speaks, so translate once, here.
func modeFmtBitsOf(fi os.FileInfo) linux.StatMode {
	switch {
	case fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0:
		return linux.ModeFmtBlockDevice
	case fi.Mode()&os.ModeCharDevice != 0:
		return linux.ModeFmtCharDevice
	case fi.Mode().IsDir():
		return linux.ModeFmtDir
	default:
		return linux.ModeFmtRegular
	}
}

func (h *Handle) ID() DeviceID { return h.id }

// PhysicalPath is the underlying block device, even when encrypted.
func (h *Handle) PhysicalPath() string { return h.physicalPath }

// MetadataPath is where the static header and MDA actually live: for
// an encrypted device, that's the crypt layer's mapper device.
func (h *Handle) MetadataPath() string {
	if h.crypt != nil {
		return h.crypt.MetadataPath()
	}
	return h.physicalPath
}

func (h *Handle) Header() poolmeta.Header { return h.bda.Header() }

// DevUUID is this device's persistent identifier, as recorded in its
// own static header (stable across the process restarts that make ID
// meaningless).
func (h *Handle) DevUUID() poolmeta.DevUUID { return h.bda.Header().Ids.DevUUID }

// IsEncrypted reports whether this device has a crypt handle.
func (h *Handle) IsEncrypted() bool { return h.crypt != nil }

func (h *Handle) requireCrypt() (CryptHandle, error) {
	if h.crypt == nil {
		return nil, poolerr.New(poolerr.Invalid, "device is not encrypted")
	}
	return h.crypt, nil
}

func (h *Handle) BindKeyring(ctx context.Context, slot int, keyDesc string) error {
	c, err := h.requireCrypt()
	if err != nil {
		return err
	}
	return c.BindKeyring(ctx, slot, keyDesc)
}

func (h *Handle) UnbindKeyring(ctx context.Context, slot int) error {
	c, err := h.requireCrypt()
	if err != nil {
		return err
	}
	return c.UnbindKeyring(ctx, slot)
}

func (h *Handle) RebindKeyring(ctx context.Context, slot int, newKeyDesc string) error {
	c, err := h.requireCrypt()
	if err != nil {
		return err
	}
	return c.RebindKeyring(ctx, slot, newKeyDesc)
}

func (h *Handle) BindClevis(ctx context.Context, slot int, pin string, cfg map[string]any, yes bool) error {
	c, err := h.requireCrypt()
	if err != nil {
		return err
	}
	return c.BindClevis(ctx, slot, pin, cfg, yes)
}

func (h *Handle) UnbindClevis(ctx context.Context, slot int) error {
	c, err := h.requireCrypt()
	if err != nil {
		return err
	}
	return c.UnbindClevis(ctx, slot)
}

func (h *Handle) RebindClevis(ctx context.Context, slot int) error {
	c, err := h.requireCrypt()
	if err != nil {
		return err
	}
	return c.RebindClevis(ctx, slot)
}

func (h *Handle) TotalSize() poolmeta.SectorAddr { return h.free.Capacity() }
func (h *Handle) Available() poolmeta.SectorAddr { return h.free.Available() }
func (h *Handle) InUse() poolmeta.SectorAddr     { return h.free.InUse() }

// Allocate forwards to the extent allocator (§4.1 via C1); a partial
// grant is legal and the caller (C5) must check the returned total
// against what it asked for.
func (h *Handle) Allocate(sectors poolmeta.SectorAddr) (granted poolmeta.SectorAddr, segments []poolextent.Range) {
	return h.free.Request(sectors)
}

// AllocateAll is the only way to require an exact amount: it asks for
// sectors, and if the allocator could not grant it all, releases
// nothing (release is not exposed, §4.1) but reports the shortfall so
// the caller can fail the whole operation.
func (h *Handle) AllocateAll(sectors poolmeta.SectorAddr) (segments []poolextent.Range, err error) {
	granted, segments := h.Allocate(sectors)
	if granted < sectors {
		return segments, fmt.Errorf("blockdev: requested %d sectors, only %d available", sectors, granted)
	}
	return segments, nil
}

// Restore re-marks segments (previously granted, e.g. before a
// restart) as in-use without going through Allocate; used while
// reconstructing a device handle from on-disk metadata.
func (h *Handle) Restore(segments []poolextent.Range) error {
	return h.free.Reserve(segments)
}

// SaveState writes payload to both MDA regions via the header's BDA,
// then reloads the header from disk so that any repair the save
// performed (e.g. fixing a stale mirror) is reflected in-memory.
func (h *Handle) SaveState(ts poolmeta.Timestamp, payload []byte) error {
	if err := h.bda.SaveState(ts, payload); err != nil {
		return fmt.Errorf("blockdev: save state: %w", err)
	}
	bda, err := poolmeta.ReadBDA(h.dev)
	if err != nil {
		return fmt.Errorf("blockdev: reload header after save: %w", err)
	}
	h.bda = bda
	return nil
}

// LoadState returns the most recently saved metadata payload, or ok
// == false if the MDA has never been written.
func (h *Handle) LoadState() (payload []byte, ts poolmeta.Timestamp, ok bool, err error) {
	payload, ts, err = h.bda.LoadState()
	if err != nil {
		return nil, poolmeta.Timestamp{}, false, nil //nolint:nilerr // "never written" is not an error condition to the caller
	}
	return payload, ts, true, nil
}

// Grow rescans the underlying device size. If it grew, the static
// header is rewritten with the new size and the allocator's capacity
// is extended; a shrink is rejected (§4.3, §4.1).
func (h *Handle) Grow(ctx context.Context) error {
	if h.crypt != nil {
		if err := h.crypt.Grow(ctx); err != nil {
			return fmt.Errorf("blockdev: grow crypt layer: %w", err)
		}
	}
	newSectors := poolmeta.SectorAddr(h.dev.Size() / poolmeta.SectorSize)
	cur := h.bda.Header()
	switch {
	case newSectors < cur.DeviceSize:
		return fmt.Errorf("blockdev: device shrank from %d to %d sectors", cur.DeviceSize, newSectors)
	case newSectors == cur.DeviceSize:
		return nil
	}
	if err := h.free.Grow(newSectors); err != nil {
		return fmt.Errorf("blockdev: grow allocator: %w", err)
	}
	cur.DeviceSize = newSectors
	dat, err := poolmeta.EncodeHeader(cur)
	if err != nil {
		return fmt.Errorf("blockdev: encode grown header: %w", err)
	}
	if _, err := h.dev.WriteAt(dat, int64(poolmeta.SigblockASector)*poolmeta.SectorSize); err != nil {
		return fmt.Errorf("blockdev: write grown header copy A: %w", err)
	}
	if _, err := h.dev.WriteAt(dat, int64(poolmeta.SigblockBSector)*poolmeta.SectorSize); err != nil {
		return fmt.Errorf("blockdev: write grown header copy B: %w", err)
	}
	bda, err := poolmeta.ReadBDA(h.dev)
	if err != nil {
		return fmt.Errorf("blockdev: reload header after grow: %w", err)
	}
	h.bda = bda
	dlog.Infof(ctx, "blockdev: %s grew to %d sectors", h.physicalPath, newSectors)
	return nil
}

// Disown destructively clears this device's claim on being part of
// any pool: an encrypted device wipes its LUKS2 header via the crypt
// handle; an unencrypted device has sectors 0..15 zeroed and synced.
func (h *Handle) Disown(ctx context.Context) error {
	if h.crypt != nil {
		return h.crypt.Wipe(ctx)
	}
	zero := make([]byte, poolmeta.SectorSize*16)
	if _, err := h.dev.WriteAt(zero, 0); err != nil {
		return fmt.Errorf("blockdev: disown: zero header: %w", err)
	}
	if s, ok := h.dev.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("blockdev: disown: sync: %w", err)
		}
	}
	return nil
}

func (h *Handle) Close() error {
	return h.dev.Close()
}
