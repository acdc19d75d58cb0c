// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"git.lukeshu.com/pool-progs-ng/lib/backstore"
	"git.lukeshu.com/pool-progs-ng/lib/blockdev"
	"git.lukeshu.com/pool-progs-ng/lib/cryptdev"
	"git.lukeshu.com/pool-progs-ng/lib/diskio"
	"git.lukeshu.com/pool-progs-ng/lib/flexlayer"
	"git.lukeshu.com/pool-progs-ng/lib/pool"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
	"git.lukeshu.com/pool-progs-ng/lib/thinpool"
)

// Sizing constants used when formatting a brand new pool. None of
// these are negotiable per-request in this engine (the abstract
// control surface, §6.1, doesn't expose them either): they're the
// fixed layout choices pool_create makes once at format time.
const (
	// defaultMDASize is 4R from §3.2, the total of all four MDA
	// regions (each region is R = 256 sectors): a power-of-two sector
	// count small enough to fit the 3 MiB reserved prefix.
	defaultMDASize = poolmeta.SectorAddr(1024) // 512 KiB
	// defaultReservedSz is the "Reserved" region's length (§3.2).
	defaultReservedSz = poolmeta.SectorAddr(6144) // 3 MiB

	// initialThinMetaSectors seeds thin_meta_dev (and its spare) at
	// format time; check()'s low-water pass grows both further.
	initialThinMetaSectors = poolmeta.SectorAddr(4096) // 2 MiB
	// initialMDVSectors seeds meta_dev, the pool-level MDV
	// filesystem's backing store (§4.6).
	initialMDVSectors = poolmeta.SectorAddr(32768) // 16 MiB

	// thinPoolDataBlockSize is fixed by §4.7.
	thinPoolDataBlockSize = int64(2048) // 1 MiB
)

// DeviceSpec names one block device to add to a new or existing pool,
// plus the free-text hardware/user info the static header records
// alongside it.
type DeviceSpec struct {
	Path     string
	UserInfo string
}

// PoolCreateRequest is pool_create's typed input (§6.1).
type PoolCreateRequest struct {
	Name            string
	Devices         []DeviceSpec
	Encryption      *cryptdev.EncryptionInfo
	FsLimit         uint64
	OverprovEnabled bool
}

// PoolCreate formats a set of block devices, wraps them (optionally
// LUKS2-encrypted) in a backstore, carves an initial flex layer and
// thin-pool target over them, and registers the result (§4.1-4.7 in
// sequence, the from-scratch counterpart to lib/liminal's from-a-save
// reassembly).
func (e *Engine) PoolCreate(ctx context.Context, now time.Time, req PoolCreateRequest) Result {
	if len(req.Devices) == 0 {
		return failedResult(poolerr.New(poolerr.Invalid, "pool_create requires at least one device"))
	}
	if _, err := e.lookupName(req.Name); err == nil {
		return failedResult(poolerr.Errorf(poolerr.AlreadyExists, "pool name %q is already in use", req.Name))
	}

	poolUUID := poolmeta.NewPoolUUID()
	if err := e.reserveName(req.Name, poolUUID); err != nil {
		return failedResult(err)
	}

	bs := backstore.New()
	devices := make([]*blockdev.Handle, 0, len(req.Devices))
	var rollbackErr error
	defer func() {
		if rollbackErr == nil {
			return
		}
		e.releaseName(req.Name, poolUUID)
	}()

	var nextID blockdev.DeviceID = 1
	for _, spec := range req.Devices {
		h, err := e.formatAndOpenDevice(ctx, now, nextID, poolUUID, req.Name, spec, req.Encryption)
		if err != nil {
			rollbackErr = err
			return failedResult(fmt.Errorf("pool_create: format %s: %w", spec.Path, err))
		}
		devices = append(devices, h)
		if err := bs.AddDataDevice(h); err != nil {
			rollbackErr = err
			return failedResult(err)
		}
		nextID++
	}

	flex := flexlayer.New(bs.Size())
	if err := flex.GrowMetaAndSpare(initialThinMetaSectors); err != nil {
		rollbackErr = err
		return failedResult(fmt.Errorf("pool_create: allocate thin_meta_dev: %w", err))
	}
	flex.GrowMeta(initialMDVSectors)

	// Hand everything still free after meta/spare/MDV to thin_data_dev.
	remaining := bs.Size() - flex.Size(flexlayer.ThinMetaDev) - flex.Size(flexlayer.ThinMetaDevSpare) - flex.Size(flexlayer.MetaDev)
	if remaining <= 0 {
		rollbackErr = poolerr.New(poolerr.OutOfSpace, "devices are too small to hold thin-pool metadata and the MDV")
		return failedResult(rollbackErr)
	}
	flex.GrowData(remaining)

	if err := bs.EnsureMapped(ctx, poolUUID); err != nil {
		rollbackErr = err
		return failedResult(fmt.Errorf("pool_create: map backstore: %w", err))
	}
	backstorePath := backstore.MappedPath(poolUUID)
	if err := flex.EnsureMapped(ctx, poolUUID, flexlayer.ThinMetaDev, backstorePath); err != nil {
		rollbackErr = err
		return failedResult(err)
	}
	if err := flex.EnsureMapped(ctx, poolUUID, flexlayer.ThinDataDev, backstorePath); err != nil {
		rollbackErr = err
		return failedResult(err)
	}

	tp := thinpool.New(thinPoolDataBlockSize, nil)
	metaPath := flexlayer.MappedPath(poolUUID, flexlayer.ThinMetaDev)
	dataPath := flexlayer.MappedPath(poolUUID, flexlayer.ThinDataDev)
	dataSectors := int64(flex.Size(flexlayer.ThinDataDev))
	dataBlocks := dataSectors / thinPoolDataBlockSize
	lowWaterMark := dataBlocks / 10
	if lowWaterMark < 1 {
		lowWaterMark = 1
	}
	if err := tp.Create(ctx, poolUUID.String(), metaPath, dataPath, dataSectors, lowWaterMark); err != nil {
		rollbackErr = err
		return failedResult(fmt.Errorf("pool_create: create thin pool: %w", err))
	}

	p := pool.New(poolUUID, poolmeta.Name(req.Name), bs, flex, tp)
	p.SetFsLimit(req.FsLimit)
	p.SetOverprovEnabled(req.OverprovEnabled)
	for _, h := range devices {
		p.RegisterDevice(h)
	}

	if err := p.Save(ctx, now); err != nil {
		rollbackErr = err
		return failedResult(fmt.Errorf("pool_create: initial metadata save: %w", err))
	}

	e.RegisterPool(p)
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{
		"name": req.Name, "action_availability": "Full",
	}})
	return changedResult(map[string]any{"pool_uuid": poolUUID.String()})
}

// formatAndOpenDevice lays down a fresh static header (and, if
// requested, a LUKS2 wrapper) on one device and opens it through
// lib/blockdev, mirroring §4.4's initialize-then-activate sequence.
func (e *Engine) formatAndOpenDevice(ctx context.Context, now time.Time, id blockdev.DeviceID, poolUUID poolmeta.PoolUUID, poolName string, spec DeviceSpec, enc *cryptdev.EncryptionInfo) (*blockdev.Handle, error) {
	devUUID := poolmeta.NewDevUUID()
	ids := poolmeta.DeviceIdentifiers{PoolUUID: poolUUID, DevUUID: devUUID}

	metaPath := spec.Path
	var crypt blockdev.CryptHandle
	if enc != nil {
		encInfo := *enc
		if encInfo.KeyDesc != "" {
			encInfo.KeyDesc = namespacedKeyDesc(encInfo.KeyDesc)
		}
		ch, err := cryptdev.Initialize(ctx, spec.Path, poolUUID, devUUID, poolName, encInfo, 0)
		if err != nil {
			return nil, err
		}
		crypt = ch
		metaPath = ch.MetadataPath()
	}

	fi, err := os.Stat(metaPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", metaPath, err)
	}
	deviceSize := poolmeta.SectorAddr(fi.Size() / poolmeta.SectorSize)

	fh, err := os.OpenFile(metaPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", metaPath, err)
	}
	dev := &diskio.OSFile[int64]{File: fh}
	_, err = poolmeta.FormatBDA(dev, ids, deviceSize, defaultMDASize, defaultReservedSz, uint64(now.Unix()))
	closeErr := dev.Close()
	if err != nil {
		return nil, fmt.Errorf("format %s: %w", metaPath, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close %s after format: %w", metaPath, closeErr)
	}

	return blockdev.Open(ctx, id, spec.Path, crypt, nil, spec.UserInfo, "")
}
