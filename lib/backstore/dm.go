// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package backstore

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// dmName is the device-mapper name this pool's flattened data-tier
// device is activated under.
func dmName(poolUUID poolmeta.PoolUUID) string {
	return fmt.Sprintf("poolhold-%s-backstore", poolUUID.String())
}

func dmCacheName(poolUUID poolmeta.PoolUUID) string {
	return fmt.Sprintf("poolhold-%s-backstore-cache", poolUUID.String())
}

func run(ctx context.Context, name string, arg ...string) (string, error) {
	dlog.Debugf(ctx, "backstore: running %s %v", name, arg)
	cmd := exec.CommandContext(ctx, name, arg...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", poolerr.Wrap(poolerr.Io, fmt.Sprintf("%s %v: %s", name, arg, stderr.String()), err)
	}
	return stdout.String(), nil
}

// linearTable renders the data tier's allocation group as a dm-linear
// table: one "start length linear path offset" line per segment, in
// logical order.
func (b *Backstore) linearTable() string {
	var sb strings.Builder
	var base poolmeta.SectorAddr
	for _, seg := range b.dataGroup.segments {
		dev := b.devices[seg.Dev]
		fmt.Fprintf(&sb, "%d %d linear %s %d\n",
			int64(base), int64(seg.Range.Length), dev.MetadataPath(), int64(seg.Range.Start))
		base += seg.Range.Length
	}
	return sb.String()
}

// reload performs the standard two-phase dm table swap: load the new
// table into the device's inactive slot, then suspend and resume to
// make it live. Creating the device for the first time uses dmsetup
// create directly instead.
func reload(ctx context.Context, name, table string) error {
	exists, err := dmExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := runWithStdin(ctx, table, "dmsetup", "create", name); err != nil {
			return err
		}
		return nil
	}
	if _, err := runWithStdin(ctx, table, "dmsetup", "load", name); err != nil {
		return err
	}
	if _, err := run(ctx, "dmsetup", "suspend", name); err != nil {
		return err
	}
	if _, err := run(ctx, "dmsetup", "resume", name); err != nil {
		return err
	}
	return nil
}

func dmExists(ctx context.Context, name string) (bool, error) {
	if _, err := run(ctx, "dmsetup", "info", name); err != nil {
		if poolerr.KindOf(err) == poolerr.Io {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func runWithStdin(ctx context.Context, stdin string, name string, arg ...string) (string, error) {
	dlog.Debugf(ctx, "backstore: running %s %v with table on stdin", name, arg)
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", poolerr.Wrap(poolerr.Io, fmt.Sprintf("%s %v: %s", name, arg, stderr.String()), err)
	}
	return stdout.String(), nil
}

// EnsureMapped (re)activates this pool's flattened data-tier device
// under /dev/mapper/poolhold-<pool-uuid>-backstore, reflecting the
// current allocation group.
func (b *Backstore) EnsureMapped(ctx context.Context, poolUUID poolmeta.PoolUUID) error {
	if len(b.dataGroup.segments) == 0 {
		return poolerr.New(poolerr.Invalid, "data tier has no allocations to map")
	}
	return reload(ctx, dmName(poolUUID), b.linearTable())
}

// MappedPath is the path the flex layer carves its sub-devices out of.
func MappedPath(poolUUID poolmeta.PoolUUID) string {
	return "/dev/mapper/" + dmName(poolUUID)
}

// Unmap tears down the flattened data-tier device. Idempotent.
func (b *Backstore) Unmap(ctx context.Context, poolUUID poolmeta.PoolUUID) error {
	exists, err := dmExists(ctx, dmName(poolUUID))
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = run(ctx, "dmsetup", "remove", dmName(poolUUID))
	return err
}
