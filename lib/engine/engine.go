// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package engine is the process-wide registry of pools and the keyring
// access port (C11): it indexes every Pool by UUID and by Name, owns
// the one keyring singleton every pool's crypt operations share, and
// exposes the request families (§6.1) a transport layer dispatches
// into. It holds the engine→pool lock ordering from §5: the registry
// lock is always acquired (and released, for a write) before a pool's
// own lock is touched, never the reverse.
package engine

import (
	"sync"

	"git.lukeshu.com/pool-progs-ng/lib/liminal"
	"git.lukeshu.com/pool-progs-ng/lib/pool"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// Engine is the top-level object a transport layer holds one of per
// process. It implements liminal.PoolRegistrar so the discovery
// subsystem can hand it freshly assembled pools without either package
// importing the other's full surface.
type Engine struct {
	mu      sync.RWMutex
	pools   map[poolmeta.PoolUUID]*pool.Pool
	names   map[string]poolmeta.PoolUUID
	keyring *keyring
	events  *eventBus
	liminal *liminal.Liminal
}

// New constructs an empty Engine. Liminal discovery is wired in
// afterward via SetLiminal, once the daemon entrypoint has built its
// uevent loop around the same Engine (liminal.New needs a
// PoolRegistrar, and Engine needs a *liminal.Liminal for pool_start,
// a dependency cycle only a two-step construction can break).
func New() *Engine {
	return &Engine{
		pools:   map[poolmeta.PoolUUID]*pool.Pool{},
		names:   map[string]poolmeta.PoolUUID{},
		keyring: newKeyring(),
		events:  newEventBus(),
	}
}

// SetLiminal wires the discovery subsystem in. Must be called once,
// before any pool_start/pool_stop request reaches the engine.
func (e *Engine) SetLiminal(l *liminal.Liminal) { e.liminal = l }

// Subscribe registers a listener for change-notification events
// (§6.2) and returns an unsubscribe function.
func (e *Engine) Subscribe() (<-chan ChangeEvent, func()) { return e.events.Subscribe() }

// RegisterPool implements liminal.PoolRegistrar: liminal calls this
// once a device set has been assembled into a running Pool.
func (e *Engine) RegisterPool(p *pool.Pool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools[p.UUID()] = p
	e.names[p.Name()] = p.UUID()
}

// DeregisterPool implements liminal.PoolRegistrar: liminal calls this
// once a pool has been torn down (stop_pool) or is otherwise no longer
// live.
func (e *Engine) DeregisterPool(uuid poolmeta.PoolUUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pools[uuid]; ok {
		delete(e.names, p.Name())
	}
	delete(e.pools, uuid)
}

// lookupUUID resolves a pool by UUID under the registry's read lock.
func (e *Engine) lookupUUID(uuid poolmeta.PoolUUID) (*pool.Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pools[uuid]
	if !ok {
		return nil, poolerr.Errorf(poolerr.NotFound, "no live pool with uuid %s", uuid)
	}
	return p, nil
}

// lookupName resolves a pool by Name under the registry's read lock.
func (e *Engine) lookupName(name string) (*pool.Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	uuid, ok := e.names[name]
	if !ok {
		return nil, poolerr.Errorf(poolerr.NotFound, "no live pool named %q", name)
	}
	return e.pools[uuid], nil
}

// reserveName claims name for uuid under the registry's write lock,
// failing if it's already taken by a different pool (§3.6: names are
// unique engine-wide).
func (e *Engine) reserveName(name string, uuid poolmeta.PoolUUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, taken := e.names[name]; taken && existing != uuid {
		return poolerr.Errorf(poolerr.AlreadyExists, "pool name %q is already in use", name)
	}
	e.names[name] = uuid
	return nil
}

// releaseName undoes a reserveName that was never followed by a
// successful RegisterPool, e.g. when pool_create fails partway
// through formatting devices.
func (e *Engine) releaseName(name string, uuid poolmeta.PoolUUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.names[name]; ok && existing == uuid {
		delete(e.names, name)
	}
}

func (e *Engine) renamePool(uuid poolmeta.PoolUUID, oldName, newName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, taken := e.names[newName]; taken && existing != uuid {
		return poolerr.Errorf(poolerr.AlreadyExists, "pool name %q is already in use", newName)
	}
	delete(e.names, oldName)
	e.names[newName] = uuid
	return nil
}
