// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"

	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// ListPools reports every pool currently registered with the engine
// (§6.1 list_pools). A stopped pool is deregistered and is not listed.
func (e *Engine) ListPools(ctx context.Context) Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]map[string]any, 0, len(e.pools))
	for uuid, p := range e.pools {
		out = append(out, map[string]any{
			"uuid":                uuid.String(),
			"name":                p.Name(),
			"action_availability": p.Availability().String(),
		})
	}
	return changedResult(map[string]any{"pools": out})
}

// ListFilesystems reports every filesystem in one pool (§6.1
// list_filesystems).
func (e *Engine) ListFilesystems(ctx context.Context, poolUUID poolmeta.PoolUUID) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	out := make([]map[string]any, 0)
	for _, fs := range p.FilesystemSummaries() {
		out = append(out, map[string]any{
			"uuid":            fs.UUID.String(),
			"name":            fs.Name,
			"size":            fs.Size,
			"size_limit":      fs.SizeLimit,
			"created":         fs.Created,
			"is_snapshot":     fs.IsSnapshot,
			"merge_scheduled": fs.MergeScheduled,
		})
	}
	return changedResult(map[string]any{"filesystems": out})
}

// ListBlockdevs reports every device registered to one pool (§6.1
// list_blockdevs).
func (e *Engine) ListBlockdevs(ctx context.Context, poolUUID poolmeta.PoolUUID) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	out := make([]map[string]any, 0)
	for _, dev := range p.DeviceSummaries() {
		out = append(out, map[string]any{
			"uuid":     dev.UUID.String(),
			"degraded": dev.Degraded,
		})
	}
	return changedResult(map[string]any{"blockdevs": out})
}

// EngineStateReport is the full introspection snapshot (§6.1
// engine_state_report): every pool, its filesystems, and its devices
// in one call, for a client that wants a consistent point-in-time view
// rather than three separate round trips.
func (e *Engine) EngineStateReport(ctx context.Context) Result {
	e.mu.RLock()
	uuids := make([]poolmeta.PoolUUID, 0, len(e.pools))
	for uuid := range e.pools {
		uuids = append(uuids, uuid)
	}
	e.mu.RUnlock()

	pools := make([]map[string]any, 0, len(uuids))
	for _, uuid := range uuids {
		p, err := e.lookupUUID(uuid)
		if err != nil {
			continue
		}
		fsOut := e.ListFilesystems(ctx, uuid)
		devOut := e.ListBlockdevs(ctx, uuid)
		pools = append(pools, map[string]any{
			"uuid":                uuid.String(),
			"name":                p.Name(),
			"action_availability": p.Availability().String(),
			"filesystems":         fsOut.Details["filesystems"],
			"blockdevs":           devOut.Details["blockdevs"],
		})
	}
	return changedResult(map[string]any{"pools": pools})
}

// CurrentMetadata and LastMetadata surface the most recent PoolSave
// document this process wrote for a pool, and the one it wrote before
// that, for diagnostics (§6.1). Only the current save is ever kept in
// memory; reading the previous copy off the two on-disk mirrors is a
// repair-tool concern (cmd/poolhold-dbg), not the live engine's.
func (e *Engine) CurrentMetadata(ctx context.Context, poolUUID poolmeta.PoolUUID) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	payload, ts, err := p.CurrentSave(ctx)
	if err != nil {
		return failedResult(err)
	}
	return changedResult(map[string]any{"timestamp": ts, "metadata": string(payload)})
}

// LastMetadata reads the payload actually persisted on one of the
// pool's devices, which can lag CurrentMetadata's in-memory view if
// the most recent save only reached some devices (§7 degraded saves).
func (e *Engine) LastMetadata(ctx context.Context, poolUUID poolmeta.PoolUUID) Result {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return failedResult(err)
	}
	payload, ts, err := p.LastPersistedSave()
	if err != nil {
		return failedResult(err)
	}
	return changedResult(map[string]any{"timestamp": ts, "metadata": string(payload)})
}
