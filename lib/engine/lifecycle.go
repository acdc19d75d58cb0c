// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"fmt"
	"time"

	"git.lukeshu.com/pool-progs-ng/lib/cryptdev"
	"git.lukeshu.com/pool-progs-ng/lib/liminal"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// PoolStart assembles a stopped pool liminal discovery already has a
// device set for, using an operator-supplied unlock mechanism rather
// than the discovery loop's own default (§6.1 pool_start).
func (e *Engine) PoolStart(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, mechanism cryptdev.Mechanism) Result {
	if e.liminal == nil {
		return failedResult(poolerr.New(poolerr.Invalid, "pool_start: no discovery loop is attached to this engine"))
	}
	if err := e.liminal.StartPool(ctx, now, poolUUID, liminal.UnlockMethod{Mechanism: mechanism}); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{"running": true}})
	return changedResult(map[string]any{"pool_uuid": poolUUID.String()})
}

// PoolStop tears down a running pool's dm stack and crypt layers and
// returns it to stopped bookkeeping (§6.1 pool_stop).
func (e *Engine) PoolStop(ctx context.Context, poolUUID poolmeta.PoolUUID) Result {
	if e.liminal == nil {
		return failedResult(poolerr.New(poolerr.Invalid, "pool_stop: no discovery loop is attached to this engine"))
	}
	if _, err := e.lookupUUID(poolUUID); err != nil {
		return failedResult(err)
	}
	e.liminal.StopPool(ctx, poolUUID)
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{"running": false}})
	return changedResult(map[string]any{"pool_uuid": poolUUID.String()})
}

// PoolRename changes a running pool's name, rejecting a collision with
// any sibling pool's name first (§6.1 pool_rename).
func (e *Engine) PoolRename(ctx context.Context, poolUUID poolmeta.PoolUUID, newName string) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	oldName := p.Name()
	if oldName == newName {
		return identityResult()
	}
	if err := e.renamePool(poolUUID, oldName, newName); err != nil {
		return failedResult(err)
	}
	p.Rename(newName)
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{"name": newName}})
	return changedResult(map[string]any{"name": newName})
}

// PoolDestroy stops a pool (if running), disowns every device's claim
// on pool membership, and forgets it (§6.1 pool_destroy). It refuses a
// pool that still has filesystems, mirroring C7/C9's rule that
// destroying a non-empty pool is a user error, not an implicit
// cascade.
func (e *Engine) PoolDestroy(ctx context.Context, poolUUID poolmeta.PoolUUID) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	if n := len(p.Filesystems()); n > 0 {
		return failedResult(poolerr.Errorf(poolerr.Invalid, "pool %s still has %d filesystem(s); destroy them first", poolUUID, n))
	}

	if e.liminal != nil {
		e.liminal.StopPool(ctx, poolUUID)
	}
	if err := p.DisownDevices(ctx); err != nil {
		return failedResult(fmt.Errorf("pool_destroy: %w", err))
	}

	// StopPool (when it ran) already deregistered the pool via the
	// registrar callback; DeregisterPool here is a no-op in that case
	// and the only path when no discovery loop is attached.
	e.DeregisterPool(poolUUID)
	e.events.emit(ctx, ChangeEvent{Kind: ObjectPool, ID: poolUUID.String(), Delta: map[string]any{"destroyed": true}})
	return changedResult(map[string]any{"pool_uuid": poolUUID.String()})
}
