// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package thinpool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
)

func run(ctx context.Context, name string, arg ...string) (string, error) {
	dlog.Debugf(ctx, "thinpool: running %s %v", name, arg)
	cmd := exec.CommandContext(ctx, name, arg...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", poolerr.Wrap(poolerr.Io, fmt.Sprintf("%s %v: %s", name, arg, stderr.String()), err)
	}
	return stdout.String(), nil
}

func dmName(poolName string) string { return "poolhold-" + poolName + "-thinpool" }

func thinDmName(poolName string, thinID uint32) string {
	return fmt.Sprintf("poolhold-%s-thin-%d", poolName, thinID)
}

// ThinDevicePath is the block device a filesystem's thin id is
// reachable through once ActivateFilesystem has mapped it.
func ThinDevicePath(poolName string, thinID uint32) string {
	return "/dev/mapper/" + thinDmName(poolName, thinID)
}

// Create activates the dm-thin-pool target over metaPath/dataPath and
// moves the state machine from Initial to Good.
func (t *ThinPool) Create(ctx context.Context, poolName, metaPath, dataPath string, dataSectors int64, lowWaterMark int64) error {
	if t.state != Initial {
		return poolerr.Errorf(poolerr.Invalid, "thin pool already created (state %v)", t.state)
	}
	table := fmt.Sprintf("0 %d thin-pool %s %s %d %d %s\n",
		dataSectors, metaPath, dataPath, t.dataBlockSize, lowWaterMark, strings.Join(t.featureArgs, " "))
	if _, err := run(ctx, "dmsetup", "create", dmName(poolName), "--table", table); err != nil {
		return err
	}
	t.metaPath, t.dataPath = metaPath, dataPath
	return t.transition(Good)
}

// MappedPath is the dm device the thin devices are opened through.
func MappedPath(poolName string) string { return "/dev/mapper/" + dmName(poolName) }

// Stop tears down the dm-thin-pool target. Idempotent.
func (t *ThinPool) Stop(ctx context.Context, poolName string) error {
	if t.state == Initial {
		return nil
	}
	if _, err := run(ctx, "dmsetup", "remove", dmName(poolName)); err != nil {
		return err
	}
	t.state = Initial
	return nil
}

// CreateFilesystem registers a new thin device under thinID and issues
// the kernel message that actually creates it.
func (t *ThinPool) CreateFilesystem(ctx context.Context, poolName string, thinID uint32, name string, sizeLimit uint64) error {
	if err := t.requireAcceptingRequests(); err != nil {
		return err
	}
	if _, exists := t.filesystems[thinID]; exists {
		return poolerr.Errorf(poolerr.AlreadyExists, "thin id %d is already in use", thinID)
	}
	if _, err := run(ctx, "dmsetup", "message", dmName(poolName), "0", fmt.Sprintf("create_thin %d", thinID)); err != nil {
		return err
	}
	t.filesystems[thinID] = &filesystem{Name: name, ThinID: thinID, SizeLimit: sizeLimit}
	return nil
}

// ActivateFilesystem maps thinID as its own dm "thin" target over the
// pool device, giving it a block device node a filesystem can be
// formatted onto or mounted through.
func (t *ThinPool) ActivateFilesystem(ctx context.Context, poolName string, thinID uint32, sizeSectors int64) error {
	if _, ok := t.filesystems[thinID]; !ok {
		return poolerr.Errorf(poolerr.NotFound, "thin id %d does not exist", thinID)
	}
	table := fmt.Sprintf("0 %d thin %s %d\n", sizeSectors, MappedPath(poolName), thinID)
	_, err := run(ctx, "dmsetup", "create", thinDmName(poolName, thinID), "--table", table)
	return err
}

// ResizeFilesystem reloads thinID's dm "thin" target with a new
// logical size after the thin device itself has grown or after a
// rollback (§4.8 check()).
func (t *ThinPool) ResizeFilesystem(ctx context.Context, poolName string, thinID uint32, sizeSectors int64) error {
	table := fmt.Sprintf("0 %d thin %s %d\n", sizeSectors, MappedPath(poolName), thinID)
	if _, err := run(ctx, "dmsetup", "load", thinDmName(poolName, thinID), "--table", table); err != nil {
		return err
	}
	if _, err := run(ctx, "dmsetup", "suspend", thinDmName(poolName, thinID)); err != nil {
		return err
	}
	_, err := run(ctx, "dmsetup", "resume", thinDmName(poolName, thinID))
	return err
}

// DeactivateFilesystem removes thinID's dm mapping. Idempotent.
func (t *ThinPool) DeactivateFilesystem(ctx context.Context, poolName string, thinID uint32) error {
	_, err := run(ctx, "dmsetup", "remove", thinDmName(poolName, thinID))
	return err
}

// SnapshotFilesystem registers newThinID as a snapshot of originThinID
// and issues the kernel message that creates it, after checking the
// resulting ancestry chain has no cycle.
func (t *ThinPool) SnapshotFilesystem(ctx context.Context, poolName string, originThinID, newThinID uint32, name string, sizeLimit uint64) error {
	if err := t.requireAcceptingRequests(); err != nil {
		return err
	}
	if _, exists := t.filesystems[newThinID]; exists {
		return poolerr.Errorf(poolerr.AlreadyExists, "thin id %d is already in use", newThinID)
	}
	if _, exists := t.filesystems[originThinID]; !exists {
		return poolerr.Errorf(poolerr.NotFound, "origin thin id %d does not exist", originThinID)
	}
	if err := t.checkAncestryAcyclic(newThinID, originThinID); err != nil {
		return err
	}
	if _, err := run(ctx, "dmsetup", "message", dmName(poolName), "0",
		fmt.Sprintf("create_snap %d %d", newThinID, originThinID)); err != nil {
		return err
	}
	origin := originThinID
	t.filesystems[newThinID] = &filesystem{Name: name, ThinID: newThinID, SizeLimit: sizeLimit, OriginThinID: &origin}
	return nil
}

// RenameFilesystem changes the registry's name for thinID; the kernel
// has no notion of filesystem names, so this touches no dm state.
func (t *ThinPool) RenameFilesystem(thinID uint32, newName string) error {
	fs, ok := t.filesystems[thinID]
	if !ok {
		return poolerr.Errorf(poolerr.NotFound, "thin id %d does not exist", thinID)
	}
	fs.Name = newName
	return nil
}

// SetFsSizeLimit updates thinID's enforced size limit.
func (t *ThinPool) SetFsSizeLimit(thinID uint32, limit uint64) error {
	fs, ok := t.filesystems[thinID]
	if !ok {
		return poolerr.Errorf(poolerr.NotFound, "thin id %d does not exist", thinID)
	}
	fs.SizeLimit = limit
	return nil
}

// SetFsMergeScheduled flags thinID as scheduled to merge into its
// origin on the next check pass, or clears the flag.
func (t *ThinPool) SetFsMergeScheduled(thinID uint32, scheduled bool) error {
	fs, ok := t.filesystems[thinID]
	if !ok {
		return poolerr.Errorf(poolerr.NotFound, "thin id %d does not exist", thinID)
	}
	if scheduled && fs.OriginThinID == nil {
		return poolerr.Errorf(poolerr.Invalid, "thin id %d has no origin to merge into", thinID)
	}
	fs.MergeScheduled = scheduled
	return nil
}

// DestroyFilesystems removes the named thin devices from both the
// registry and the kernel pool. It processes origins only after all
// of their dependent snapshots are also in thinIDs, refusing the whole
// batch otherwise so a destroy can never orphan a live snapshot.
func (t *ThinPool) DestroyFilesystems(ctx context.Context, poolName string, thinIDs []uint32) error {
	doomed := make(map[uint32]bool, len(thinIDs))
	for _, id := range thinIDs {
		if _, ok := t.filesystems[id]; !ok {
			return poolerr.Errorf(poolerr.NotFound, "thin id %d does not exist", id)
		}
		doomed[id] = true
	}
	for id, fs := range t.filesystems {
		if doomed[id] {
			continue
		}
		if fs.OriginThinID != nil && doomed[*fs.OriginThinID] {
			return poolerr.Errorf(poolerr.Invalid, "thin id %d is a live snapshot of thin id %d, which is also being destroyed", id, *fs.OriginThinID)
		}
	}
	for _, id := range thinIDs {
		if err := t.DeactivateFilesystem(ctx, poolName, id); err != nil {
			return err
		}
		if _, err := run(ctx, "dmsetup", "message", dmName(poolName), "0", fmt.Sprintf("delete %d", id)); err != nil {
			return err
		}
		delete(t.filesystems, id)
	}
	return nil
}
