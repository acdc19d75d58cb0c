// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package thinpool

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
)

// Status is the parsed form of `dmsetup status` for a thin-pool target:
// <used meta>/<total meta> <used data>/<total data> ... plus the
// trailing health word.
type Status struct {
	UsedMetaBlocks  int64
	TotalMetaBlocks int64
	UsedDataBlocks  int64
	TotalDataBlocks int64
	Healthy         bool
}

// parseStatus parses one line of `dmsetup status <name>` output for a
// thin-pool target:
//
//	<start> <len> thin-pool <meta-used>/<meta-total> <data-used>/<data-total> ... <health>
func parseStatus(line string) (Status, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[2] != "thin-pool" {
		return Status{}, poolerr.Errorf(poolerr.Invalid, "malformed thin-pool status line: %q", line)
	}
	meta, err := parseRatio(fields[3])
	if err != nil {
		return Status{}, fmt.Errorf("thinpool: parse meta usage: %w", err)
	}
	data, err := parseRatio(fields[4])
	if err != nil {
		return Status{}, fmt.Errorf("thinpool: parse data usage: %w", err)
	}
	healthy := true
	for _, f := range fields[5:] {
		if f == "needs_check" || f == "error" || f == "Fail" {
			healthy = false
			break
		}
	}
	return Status{
		UsedMetaBlocks:  meta[0],
		TotalMetaBlocks: meta[1],
		UsedDataBlocks:  data[0],
		TotalDataBlocks: data[1],
		Healthy:         healthy,
	}, nil
}

func parseRatio(s string) ([2]int64, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return [2]int64{}, poolerr.Errorf(poolerr.Invalid, "expected used/total, got %q", s)
	}
	used, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return [2]int64{}, err
	}
	total, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return [2]int64{}, err
	}
	return [2]int64{used, total}, nil
}

// lowWaterFraction is the fraction of a device's total capacity left
// free below which Check starts an extend.
const lowWaterFraction = 0.05

func belowLowWater(used, total int64) bool {
	if total == 0 {
		return false
	}
	free := total - used
	return float64(free) < float64(total)*lowWaterFraction
}

// Check runs the three-pass health check (§4.7):
//
//  1. visit every registered filesystem to let the caller's
//     perFilesystem hook auto-extend and fsck/grow it (lib/poolfs owns
//     the actual xfs_growfs invocation; this pass just drives it),
//  2. extend the metadata device if it is low on free blocks,
//  3. extend the data device if it is low on free blocks, moving to
//     OutOfSpace if that extension itself cannot be granted.
//
// growMeta/growData are callbacks into the flex layer (extend the
// backing device) returning the number of sectors actually granted;
// dataBlockSize converts thin-pool data blocks to sectors for that
// comparison.
func (t *ThinPool) Check(ctx context.Context, poolName string, perFilesystem func(thinID uint32) error, growMeta, growData func(sectors int64) int64) error {
	if err := t.requireAcceptingRequests(); err != nil {
		return err
	}

	for thinID := range t.filesystems {
		if perFilesystem == nil {
			continue
		}
		if err := perFilesystem(thinID); err != nil {
			dlog.Errorf(ctx, "thinpool: check: filesystem thin id %d failed: %v", thinID, err)
		}
	}

	out, err := run(ctx, "dmsetup", "status", dmName(poolName))
	if err != nil {
		_ = t.transition(Failed)
		return err
	}
	status, err := parseStatus(out)
	if err != nil {
		_ = t.transition(Failed)
		return err
	}
	if !status.Healthy {
		return t.transition(Failed)
	}

	if belowLowWater(status.UsedMetaBlocks, status.TotalMetaBlocks) {
		if err := t.transition(Extending); err != nil {
			return err
		}
		needed := (status.TotalMetaBlocks / 2) * 8 // grow by half again; metadata blocks are 4 KiB (8 sectors)
		if growMeta != nil && growMeta(needed) <= 0 {
			dlog.Errorf(ctx, "thinpool: metadata device is low and could not be extended")
		}
		if err := t.transition(Good); err != nil {
			return err
		}
	}

	if belowLowWater(status.UsedDataBlocks, status.TotalDataBlocks) {
		if err := t.transition(Extending); err != nil {
			return err
		}
		needed := (status.TotalDataBlocks / 2) * t.dataBlockSize
		var grantedSectors int64
		if growData != nil {
			grantedSectors = growData(needed)
		}
		if grantedSectors <= 0 {
			return t.transition(OutOfSpace)
		}
		return t.transition(Good)
	}

	return t.transition(Good)
}
