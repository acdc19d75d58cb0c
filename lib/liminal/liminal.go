// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liminal

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/pool-progs-ng/lib/pool"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// PoolRegistrar is the narrow slice of lib/engine's registry that
// liminal discovery needs: handing off a freshly assembled pool, and
// being told one has gone away. Kept local so this package never
// imports lib/engine, the same import-direction discipline
// lib/blockdev's CryptHandle and lib/pool's saveDevice already follow.
type PoolRegistrar interface {
	RegisterPool(p *pool.Pool)
	DeregisterPool(uuid poolmeta.PoolUUID)
}

// Liminal watches block devices come and go, classifies each one,
// quarantines any that contradict what's already on record, and
// attempts to assemble a Pool every time a device set changes (§4.10).
// Assembly is opportunistic: an incomplete set just fails setupPool
// and waits for the next event, rather than needing advance knowledge
// of how many devices a pool should have.
type Liminal struct {
	mu sync.Mutex

	prober    Prober
	registrar PoolRegistrar
	unlock    UnlockMethod

	byPath map[string]poolmeta.DevUUID // last path a known device was seen at, for EventRemove lookups

	stoppedSets  map[poolmeta.PoolUUID]*DeviceSet
	runningSets  map[poolmeta.PoolUUID]*DeviceSet
	runningPools map[poolmeta.PoolUUID]*pool.Pool
	bags         map[poolmeta.PoolUUID]*DeviceBag
}

// New constructs a Liminal with no devices observed yet.
func New(prober Prober, registrar PoolRegistrar, unlock UnlockMethod) *Liminal {
	return &Liminal{
		prober:       prober,
		registrar:    registrar,
		unlock:       unlock,
		byPath:       map[string]poolmeta.DevUUID{},
		stoppedSets:  map[poolmeta.PoolUUID]*DeviceSet{},
		runningSets:  map[poolmeta.PoolUUID]*DeviceSet{},
		runningPools: map[poolmeta.PoolUUID]*pool.Pool{},
		bags:         map[poolmeta.PoolUUID]*DeviceBag{},
	}
}

// HandleEvent classifies one uevent and folds it into the relevant
// pool's device bookkeeping, attempting assembly whenever the event
// isn't a removal.
func (l *Liminal) HandleEvent(ctx context.Context, now time.Time, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx = dlog.WithField(ctx, "liminal.scandevices.dev", ev.DevicePath)

	if ev.Kind == EventRemove {
		l.handleRemove(ctx, ev.DevicePath)
		return nil
	}

	info, ok, err := l.prober.Probe(ctx, ev.DevicePath)
	if err != nil {
		dlog.Errorf(ctx, "liminal: probe %s: %v", ev.DevicePath, err)
		return nil
	}
	if !ok {
		return nil
	}
	l.byPath[ev.DevicePath] = info.Dev()

	poolUUID := info.Pool()
	if bag, quarantined := l.bags[poolUUID]; quarantined {
		if _, conflict := findConflict(bag, info); conflict {
			return nil // already known to conflict; stays quarantined
		}
	}
	for _, sets := range []map[poolmeta.PoolUUID]*DeviceSet{l.stoppedSets, l.runningSets} {
		for otherUUID, other := range sets {
			if otherUUID == poolUUID {
				continue
			}
			if existing, conflict := other.conflicts(info); conflict {
				l.quarantine(otherUUID, info, existing)
				return nil
			}
		}
	}

	if running, ok := l.runningSets[poolUUID]; ok {
		if existing, conflict := running.conflicts(info); conflict {
			l.quarantine(poolUUID, info, existing)
			return nil
		}
		running.Devices[info.Dev()] = info
		return nil
	}

	set, ok := l.stoppedSets[poolUUID]
	if !ok {
		set = newDeviceSet(poolUUID)
		l.stoppedSets[poolUUID] = set
	}
	if existing, conflict := set.conflicts(info); conflict {
		l.quarantine(poolUUID, info, existing)
		return nil
	}
	set.Devices[info.Dev()] = info
	if _, quarantined := l.bags[poolUUID]; quarantined {
		return nil
	}

	assembleCtx :=dlog.WithField(ctx, "pool.assemble.step", "setup_pool")
	p, err := setupPool(assembleCtx, now, set, l.unlock)
	if err != nil {
		dlog.Debugf(assembleCtx, "liminal: pool %s not ready to assemble yet: %v", poolUUID, err)
		return nil
	}

	dlog.Infof(assembleCtx, "liminal: assembled pool %s (%s)", poolUUID, p.Name())
	delete(l.stoppedSets, poolUUID)
	l.runningSets[poolUUID] = set
	l.runningPools[poolUUID] = p
	l.registrar.RegisterPool(p)
	return nil
}

// StartPool retries assembly for a pool liminal already has a device
// set for but hasn't managed to start, using an explicit unlock
// method rather than the discovery loop's default (an operator
// unlocking a pool by hand supplies the key or Clevis binding the
// automatic pass didn't have).
func (l *Liminal) StartPool(ctx context.Context, now time.Time, poolUUID poolmeta.PoolUUID, unlock UnlockMethod) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, already := l.runningPools[poolUUID]; already {
		return nil
	}
	set, ok := l.stoppedSets[poolUUID]
	if !ok {
		return poolerr.Errorf(poolerr.NotFound, "pool %s has no known device set", poolUUID)
	}
	if _, quarantined := l.bags[poolUUID]; quarantined {
		return poolerr.Errorf(poolerr.Invalid, "pool %s has quarantined devices; resolve the conflict first", poolUUID)
	}

	p, err := setupPool(ctx, now, set, unlock)
	if err != nil {
		return err
	}

	dlog.Infof(ctx, "liminal: assembled pool %s (%s)", poolUUID, p.Name())
	delete(l.stoppedSets, poolUUID)
	l.runningSets[poolUUID] = set
	l.runningPools[poolUUID] = p
	l.registrar.RegisterPool(p)
	return nil
}

// handleRemove drops a device from whichever set it was last recorded
// in. A device disappearing out from under a running pool is left for
// the pool's own metadata-save quorum (lib/pool.saveLocked) to notice
// and mark degraded; liminal only stops tracking the path.
func (l *Liminal) handleRemove(ctx context.Context, devicePath string) {
	devUUID, ok := l.byPath[devicePath]
	if !ok {
		return
	}
	delete(l.byPath, devicePath)
	for _, set := range l.stoppedSets {
		delete(set.Devices, devUUID)
	}
	for _, set := range l.runningSets {
		if _, present := set.Devices[devUUID]; present {
			dlog.Infof(ctx, "liminal: device %s removed from a running pool's set; relying on metadata-save quorum to mark it degraded", devUUID)
		}
	}
}

func findConflict(bag *DeviceBag, info DeviceInfo) (DeviceInfo, bool) {
	for _, entry := range bag.Entries {
		if entry.New.Dev() == info.Dev() {
			return entry.Previous, true
		}
	}
	return nil, false
}

// quarantine records a contradicting observation in the pool's bag.
// Once quarantined, a pool can't be assembled until the conflict is
// resolved by hand; a later event for the same device is never enough
// to clear it on its own (§4.10).
func (l *Liminal) quarantine(poolUUID poolmeta.PoolUUID, info, previous DeviceInfo) {
	bag, ok := l.bags[poolUUID]
	if !ok {
		bag = &DeviceBag{PoolUUID: poolUUID}
		l.bags[poolUUID] = bag
	}
	bag.Entries = append(bag.Entries, BagEntry{New: info, Previous: previous})
}

// StopPool tears down a running pool's dm stack and crypt layers and
// moves its device set back to "stopped" bookkeeping so a later
// rediscovery can reassemble it.
func (l *Liminal) StopPool(ctx context.Context, poolUUID poolmeta.PoolUUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.runningPools[poolUUID]
	if !ok {
		return
	}
	set := l.runningSets[poolUUID]
	stopPool(ctx, p, set)

	delete(l.runningPools, poolUUID)
	delete(l.runningSets, poolUUID)
	l.stoppedSets[poolUUID] = set
	l.registrar.DeregisterPool(poolUUID)
}
