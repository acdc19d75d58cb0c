// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package pool

import (
	"context"
	"time"

	"git.lukeshu.com/pool-progs-ng/lib/blockdev"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// InitCacheDevice adds the first cache-tier device to a pool that has
// none yet (§4.5 init_cache). The backstore rejects a second call;
// AddCacheDevice is for every device after the first.
func (p *Pool) InitCacheDevice(ctx context.Context, now time.Time, h *blockdev.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAvailable(NoRequests); err != nil {
		return err
	}
	if err := p.backstore.InitCache(h); err != nil {
		return err
	}
	p.devices[h.DevUUID()] = h
	return p.saveLocked(ctx, now)
}

// AddCacheDevice adds an additional cache-tier device to a pool whose
// cache has already been initialized (§4.5 add_cache).
func (p *Pool) AddCacheDevice(ctx context.Context, now time.Time, h *blockdev.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAvailable(NoRequests); err != nil {
		return err
	}
	if err := p.backstore.AddCache(h); err != nil {
		return err
	}
	p.devices[h.DevUUID()] = h
	return p.saveLocked(ctx, now)
}

// GrowPhysical rescans one already-registered device for unused
// capacity added since it was opened (e.g. the backing LUN was
// resized) and grows its allocator to match (§4.5 grow_physical).
func (p *Pool) GrowPhysical(ctx context.Context, now time.Time, devUUID poolmeta.DevUUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAvailable(NoRequests); err != nil {
		return err
	}
	h, ok := p.devices[devUUID]
	if !ok {
		return poolerr.Errorf(poolerr.NotFound, "device %s is not registered to this pool", devUUID)
	}
	if err := h.Grow(ctx); err != nil {
		return err
	}
	if err := p.backstore.Grow(ctx); err != nil {
		return err
	}
	return p.saveLocked(ctx, now)
}
