// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liminal

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/pool-progs-ng/lib/backstore"
	"git.lukeshu.com/pool-progs-ng/lib/blockdev"
	"git.lukeshu.com/pool-progs-ng/lib/cryptdev"
	"git.lukeshu.com/pool-progs-ng/lib/flexlayer"
	"git.lukeshu.com/pool-progs-ng/lib/pool"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolextent"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
	"git.lukeshu.com/pool-progs-ng/lib/thinpool"
)

// UnlockMethod picks which binding setupPool tries when a LockedInfo
// device needs activating before its static header can be read.
type UnlockMethod struct {
	Mechanism cryptdev.Mechanism
}

// lowWaterFraction mirrors lib/poolfs's own auto-grow threshold: the
// thin pool is told to report OutOfSpace-adjacent low-water once less
// than a tenth of its data device remains free.
const lowWaterFraction = 0.10

// toRanges converts a flattened extent list into the Range shape
// lib/blockdev.Handle.Restore and lib/flexlayer.Restore expect. Kept
// local rather than exported from lib/backstore since it's a one-line
// field reshuffle, not a shared algorithm.
func toRanges(allocs []poolmeta.DevExtentSave) []poolextent.Range {
	out := make([]poolextent.Range, len(allocs))
	for i, e := range allocs {
		out[i] = poolextent.Range{Start: e.Start, Length: e.Length}
	}
	return out
}

// openAll opens a blockdev.Handle for every device in set, unlocking
// LockedInfo devices first via unlock. On any failure it deactivates
// every crypt handle it activated so far before returning, leaving the
// devices exactly as it found them.
func openAll(ctx context.Context, set *DeviceSet, unlock UnlockMethod) (devices map[poolmeta.DevUUID]*blockdev.Handle, err error) {
	devices = map[poolmeta.DevUUID]*blockdev.Handle{}
	activated := make([]*cryptdev.Handle, 0, len(set.Devices))

	defer func() {
		if err == nil {
			return
		}
		for _, ch := range activated {
			if derr := ch.Deactivate(ctx); derr != nil {
				dlog.Errorf(ctx, "liminal: rollback: deactivate %s: %v", ch.DevUUID(), derr)
			}
		}
	}()

	var nextID blockdev.DeviceID = 1
	for devUUID, info := range set.Devices {
		var crypt blockdev.CryptHandle
		switch v := info.(type) {
		case LockedInfo:
			if aerr := v.Handle.Activate(ctx, unlock.Mechanism); aerr != nil {
				return nil, fmt.Errorf("liminal: activate %s: %w", v.DevicePath, aerr)
			}
			activated = append(activated, v.Handle)
			crypt = v.Handle
		case OpenInfo:
			// no crypt layer to activate
		default:
			return nil, poolerr.Errorf(poolerr.Invalid, "unrecognized device classification for %s", devUUID)
		}

		h, oerr := blockdev.Open(ctx, nextID, info.Path(), crypt, nil, "", "")
		if oerr != nil {
			return nil, fmt.Errorf("liminal: open %s: %w", info.Path(), oerr)
		}
		devices[devUUID] = h
		nextID++
	}
	return devices, nil
}

// chooseSave reads every device's metadata area and keeps whichever
// PoolSave carries the latest timestamp (§4.9, I5): a device that
// missed the last few saves (e.g. it was offline) must never win over
// one that has a newer record.
func chooseSave(devices map[poolmeta.DevUUID]*blockdev.Handle) (poolmeta.PoolSave, poolmeta.Timestamp, error) {
	var (
		winner   poolmeta.PoolSave
		winnerTS poolmeta.Timestamp
		found    bool
	)
	for devUUID, h := range devices {
		payload, ts, ok, err := h.LoadState()
		if err != nil {
			return poolmeta.PoolSave{}, poolmeta.Timestamp{}, fmt.Errorf("liminal: load metadata from %s: %w", devUUID, err)
		}
		if !ok {
			continue
		}
		save, derr := poolmeta.DecodePoolSave(payload)
		if derr != nil {
			return poolmeta.PoolSave{}, poolmeta.Timestamp{}, fmt.Errorf("liminal: decode metadata from %s: %w", devUUID, derr)
		}
		if !found || ts.After(winnerTS) {
			winner, winnerTS, found = save, ts, true
		}
	}
	if !found {
		return poolmeta.PoolSave{}, poolmeta.Timestamp{}, poolerr.New(poolerr.NotFound, "no device in this set carries a metadata record")
	}
	return winner, winnerTS, nil
}

// buildBackstore reconstructs a Backstore from save and the already-
// opened devices, restoring both each device's own allocator state and
// the tiers' logical allocation-group ordering.
func buildBackstore(save poolmeta.PoolSave, devices map[poolmeta.DevUUID]*blockdev.Handle) (*backstore.Backstore, error) {
	bs := backstore.New()
	for _, ds := range save.Backstore.DataTier {
		h, ok := devices[ds.DevUUID]
		if !ok {
			return nil, poolerr.Errorf(poolerr.NotFound, "data tier device %s was not opened", ds.DevUUID)
		}
		if err := h.Restore(toRanges(backstore.DeviceAllocs(save.Backstore.Cap.Allocs, ds.DevUUID))); err != nil {
			return nil, fmt.Errorf("liminal: restore allocator state for %s: %w", ds.DevUUID, err)
		}
		if err := bs.AddDataDevice(h); err != nil {
			return nil, err
		}
	}
	for i, ds := range save.Backstore.CacheTier {
		h, ok := devices[ds.DevUUID]
		if !ok {
			return nil, poolerr.Errorf(poolerr.NotFound, "cache tier device %s was not opened", ds.DevUUID)
		}
		if err := h.Restore(toRanges(backstore.DeviceAllocs(save.Backstore.Cap.CryptMetaAllocs, ds.DevUUID))); err != nil {
			return nil, fmt.Errorf("liminal: restore allocator state for %s: %w", ds.DevUUID, err)
		}
		if i == 0 {
			if err := bs.InitCache(h); err != nil {
				return nil, err
			}
		} else if err := bs.AddCache(h); err != nil {
			return nil, err
		}
	}
	if err := bs.RestoreDataAllocs(save.Backstore.Cap.Allocs); err != nil {
		return nil, fmt.Errorf("liminal: restore data tier allocation group: %w", err)
	}
	if err := bs.RestoreCacheAllocs(save.Backstore.Cap.CryptMetaAllocs); err != nil {
		return nil, fmt.Errorf("liminal: restore cache tier allocation group: %w", err)
	}
	return bs, nil
}

// buildFlexLayer reconstructs the flex layer from save against the
// backstore's already-restored logical capacity.
func buildFlexLayer(save poolmeta.PoolSave, bs *backstore.Backstore) (*flexlayer.FlexLayer, error) {
	saved := map[flexlayer.SubDev][]poolextent.Range{
		flexlayer.ThinMetaDev:      toRanges(save.FlexDevs.ThinMetaDev),
		flexlayer.ThinMetaDevSpare: toRanges(save.FlexDevs.ThinMetaDevSpare),
		flexlayer.MetaDev:          toRanges(save.FlexDevs.MetaDev),
		flexlayer.ThinDataDev:      toRanges(save.FlexDevs.ThinDataDev),
	}
	return flexlayer.Restore(bs.Size(), saved)
}

// buildThinPool maps the flex layer's thin-pool sub-devices against
// the kernel and (re)creates the dm-thin-pool target over them, a
// restart always finds absent.
func buildThinPool(ctx context.Context, poolUUID poolmeta.PoolUUID, save poolmeta.PoolSave, bs *backstore.Backstore, flex *flexlayer.FlexLayer) (*thinpool.ThinPool, error) {
	if err := bs.EnsureMapped(ctx, poolUUID); err != nil {
		return nil, fmt.Errorf("liminal: map backstore: %w", err)
	}
	backstorePath := backstore.MappedPath(poolUUID)

	if err := flex.EnsureMapped(ctx, poolUUID, flexlayer.ThinMetaDev, backstorePath); err != nil {
		return nil, fmt.Errorf("liminal: map thin_meta_dev: %w", err)
	}
	if err := flex.EnsureMapped(ctx, poolUUID, flexlayer.ThinDataDev, backstorePath); err != nil {
		return nil, fmt.Errorf("liminal: map thin_data_dev: %w", err)
	}

	tp := thinpool.New(int64(save.ThinPoolDev.DataBlockSize), save.ThinPoolDev.FeatureArgs)
	metaPath := flexlayer.MappedPath(poolUUID, flexlayer.ThinMetaDev)
	dataPath := flexlayer.MappedPath(poolUUID, flexlayer.ThinDataDev)
	dataSectors := int64(flex.Size(flexlayer.ThinDataDev))

	dataBlocks := dataSectors / save.ThinPoolDev.DataBlockSize
	lowWaterMark := int64(float64(dataBlocks) * lowWaterFraction)
	if lowWaterMark < 1 {
		lowWaterMark = 1
	}

	if err := tp.Create(ctx, poolUUID.String(), metaPath, dataPath, dataSectors, lowWaterMark); err != nil {
		return nil, fmt.Errorf("liminal: create thin pool: %w", err)
	}
	return tp, nil
}

// setupPool assembles a full Pool from a classified device set: it
// opens every device, picks the newest surviving metadata record,
// rebuilds the backstore/flex-layer/thin-pool stack from it against
// the kernel, and seeds each filesystem's bookkeeping (§4.10's
// assemble/start sequence).
func setupPool(ctx context.Context, now time.Time, set *DeviceSet, unlock UnlockMethod) (*pool.Pool, error) {
	devices, err := openAll(dlog.WithField(ctx, "pool.assemble.substep", "open_devices"), set, unlock)
	if err != nil {
		return nil, err
	}

	save, ts, err := chooseSave(devices)
	if err != nil {
		return nil, err
	}

	bs, err := buildBackstore(save, devices)
	if err != nil {
		return nil, err
	}
	flex, err := buildFlexLayer(save, bs)
	if err != nil {
		return nil, err
	}
	tp, err := buildThinPool(dlog.WithField(ctx, "pool.assemble.substep", "create_thinpool"), set.PoolUUID, save, bs, flex)
	if err != nil {
		return nil, err
	}

	p := pool.New(set.PoolUUID, save.Name, bs, flex, tp)
	p.SetFsLimit(save.FsLimit)
	p.SetOverprovEnabled(save.OverprovEnabled)
	p.SetLastSaveTime(ts)

	var highestThinID uint32
	for _, fsSave := range save.Filesystems {
		if err := tp.Adopt(fsSave.ThinID, string(fsSave.Name), fsSave.SizeLimit, fsSave.MergeScheduled, fsSave.OriginThinID); err != nil {
			return nil, fmt.Errorf("liminal: adopt filesystem %s: %w", fsSave.Name, err)
		}
		size := int64(fsSave.SizeLimit)
		if err := p.RestoreFilesystem(fsSave.ThinID, fsSave, size, now); err != nil {
			return nil, fmt.Errorf("liminal: restore filesystem %s: %w", fsSave.Name, err)
		}
		if err := tp.ActivateFilesystem(ctx, set.PoolUUID.String(), fsSave.ThinID, size); err != nil {
			return nil, fmt.Errorf("liminal: activate filesystem %s: %w", fsSave.Name, err)
		}
		if fsSave.ThinID > highestThinID {
			highestThinID = fsSave.ThinID
		}
	}
	p.RestoreNextThinID(highestThinID)

	for _, h := range devices {
		p.RegisterDevice(h)
	}

	return p, nil
}
