// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package flexlayer

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

// dmName is the device-mapper name one sub-device is activated under.
func dmName(poolUUID poolmeta.PoolUUID, region SubDev) string {
	return fmt.Sprintf("poolhold-%s-flex-%s", poolUUID.String(), region)
}

func run(ctx context.Context, stdin string, name string, arg ...string) (string, error) {
	dlog.Debugf(ctx, "flexlayer: running %s %v", name, arg)
	cmd := exec.CommandContext(ctx, name, arg...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", poolerr.Wrap(poolerr.Io, fmt.Sprintf("%s %v: %s", name, arg, stderr.String()), err)
	}
	return stdout.String(), nil
}

// table renders region's ranges as a dm-linear table over
// backstorePath, the backstore's flattened device.
func (f *FlexLayer) table(region SubDev, backstorePath string) string {
	var sb strings.Builder
	var base poolmeta.SectorAddr
	for _, r := range f.regions[region] {
		fmt.Fprintf(&sb, "%d %d linear %s %d\n", int64(base), int64(r.Length), backstorePath, int64(r.Start))
		base += r.Length
	}
	return sb.String()
}

func dmExists(ctx context.Context, name string) (bool, error) {
	if _, err := run(ctx, "", "dmsetup", "info", name); err != nil {
		if poolerr.KindOf(err) == poolerr.Io {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnsureMapped (re)activates region as a dm device layered on
// backstorePath, reflecting its current allocation.
func (f *FlexLayer) EnsureMapped(ctx context.Context, poolUUID poolmeta.PoolUUID, region SubDev, backstorePath string) error {
	ranges := f.regions[region]
	if len(ranges) == 0 {
		return poolerr.Errorf(poolerr.Invalid, "%v has no allocations to map", region)
	}
	name := dmName(poolUUID, region)
	table := f.table(region, backstorePath)

	exists, err := dmExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		_, err := run(ctx, table, "dmsetup", "create", name)
		return err
	}
	if _, err := run(ctx, table, "dmsetup", "load", name); err != nil {
		return err
	}
	if _, err := run(ctx, "", "dmsetup", "suspend", name); err != nil {
		return err
	}
	_, err = run(ctx, "", "dmsetup", "resume", name)
	return err
}

// MappedPath is the path the thin-pool layer reads region through.
func MappedPath(poolUUID poolmeta.PoolUUID, region SubDev) string {
	return "/dev/mapper/" + dmName(poolUUID, region)
}

// Unmap tears down region's dm device. Idempotent.
func Unmap(ctx context.Context, poolUUID poolmeta.PoolUUID, region SubDev) error {
	name := dmName(poolUUID, region)
	exists, err := dmExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = run(ctx, "", "dmsetup", "remove", name)
	return err
}
