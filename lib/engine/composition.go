// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"fmt"
	"time"

	"git.lukeshu.com/pool-progs-ng/lib/blockdev"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// AddData adds new data-tier devices to an already-running pool
// (§6.1 add_data).
func (e *Engine) AddData(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, specs []DeviceSpec) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	var nextID blockdev.DeviceID = 1 // per-process IDs only need to be unique within this pool's own handle set
	added := make([]string, 0, len(specs))
	for _, spec := range specs {
		h, err := e.formatAndOpenDevice(ctx, now, nextID, poolUUID, p.Name(), spec, nil)
		if err != nil {
			return failedResult(fmt.Errorf("add_data: format %s: %w", spec.Path, err))
		}
		if err := p.AddDataDevice(h); err != nil {
			return failedResult(err)
		}
		added = append(added, h.DevUUID().String())
		nextID++
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{"data_devices_added": added}})
	return changedResult(map[string]any{"devices": added})
}

// InitCache installs a pool's first cache-tier device(s) (§6.1
// init_cache).
func (e *Engine) InitCache(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, specs []DeviceSpec) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	if len(specs) == 0 {
		return failedResult(fmt.Errorf("init_cache requires at least one device"))
	}
	var nextID blockdev.DeviceID = 1
	added := make([]string, 0, len(specs))
	for i, spec := range specs {
		h, err := e.formatAndOpenDevice(ctx, now, nextID, poolUUID, p.Name(), spec, nil)
		if err != nil {
			return failedResult(fmt.Errorf("init_cache: format %s: %w", spec.Path, err))
		}
		if i == 0 {
			err = p.InitCacheDevice(ctx, now, h)
		} else {
			err = p.AddCacheDevice(ctx, now, h)
		}
		if err != nil {
			return failedResult(err)
		}
		added = append(added, h.DevUUID().String())
		nextID++
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{"has_cache": true, "cache_devices_added": added}})
	return changedResult(map[string]any{"devices": added})
}

// AddCache adds devices to a pool's already-initialized cache tier
// (§6.1 add_cache).
func (e *Engine) AddCache(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, specs []DeviceSpec) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	var nextID blockdev.DeviceID = 1
	added := make([]string, 0, len(specs))
	for _, spec := range specs {
		h, err := e.formatAndOpenDevice(ctx, now, nextID, poolUUID, p.Name(), spec, nil)
		if err != nil {
			return failedResult(fmt.Errorf("add_cache: format %s: %w", spec.Path, err))
		}
		if err := p.AddCacheDevice(ctx, now, h); err != nil {
			return failedResult(err)
		}
		added = append(added, h.DevUUID().String())
		nextID++
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{"cache_devices_added": added}})
	return changedResult(map[string]any{"devices": added})
}

// GrowPhysical rescans one device already belonging to a pool for
// capacity added since it was opened (§6.1 grow_physical).
func (e *Engine) GrowPhysical(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, devUUID poolmeta.DevUUID) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	if err := p.GrowPhysical(ctx, now, devUUID); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectBlockdev, ID: devUUID.String(), Delta: map[string]any{"grown": true}})
	return changedResult(map[string]any{"dev_uuid": devUUID.String()})
}

// SetFsLimit updates a pool's filesystem-count cap (§6.1
// set_fs_limit).
func (e *Engine) SetFsLimit(ctx context.Context, poolUUID poolmeta.PoolUUID, limit uint64) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	p.SetFsLimit(limit)
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{"fs_limit": limit}})
	return changedResult(map[string]any{"fs_limit": limit})
}

// SetOverprovMode flips a pool's overprovisioning policy (§6.1
// set_overprov_mode).
func (e *Engine) SetOverprovMode(ctx context.Context, poolUUID poolmeta.PoolUUID, enabled bool) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	p.SetOverprovEnabled(enabled)
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{"overprov_enabled": enabled}})
	return changedResult(map[string]any{"overprov_enabled": enabled})
}
