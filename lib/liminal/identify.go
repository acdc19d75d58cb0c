// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liminal

import (
	"context"
	"errors"
	"os"

	"git.lukeshu.com/pool-progs-ng/lib/cryptdev"
	"git.lukeshu.com/pool-progs-ng/lib/diskio"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// Prober turns a device path into a classification. Tests substitute
// a fake so discovery logic can be exercised without real block
// devices or cryptsetup.
type Prober interface {
	Probe(ctx context.Context, devicePath string) (DeviceInfo, bool, error)
}

// realProber is the production Prober: try to read a plaintext static
// header first, then check for a LUKS2 identifier token, then give up
// (the device is not one of this engine's).
type realProber struct{}

// NewProber returns the Prober that reads real block devices.
func NewProber() Prober { return realProber{} }

func (realProber) Probe(ctx context.Context, devicePath string) (DeviceInfo, bool, error) {
	if info, ok, err := probeOpen(devicePath); ok || err != nil {
		return info, ok, err
	}
	return probeLocked(ctx, devicePath)
}

// probeOpen tries to decode a plaintext static header directly off
// devicePath. poolmeta.ErrNotOurs (magic bytes absent) is not an
// error here: it just means this device isn't a readable member in
// the clear, so the caller falls through to the LUKS2 check.
func probeOpen(devicePath string) (DeviceInfo, bool, error) {
	fh, err := os.OpenFile(devicePath, os.O_RDONLY, 0)
	if err != nil {
		return nil, false, poolerr.Wrap(poolerr.Io, "open "+devicePath, err)
	}
	defer fh.Close()
	dev := &diskio.OSFile[int64]{File: fh}

	bda, err := poolmeta.ReadBDA(dev)
	if err != nil {
		if errors.Is(err, poolmeta.ErrNotOurs) {
			return nil, false, nil
		}
		return nil, false, nil //nolint:nilerr // unreadable/corrupt sigblocks are not this device's problem to report up
	}
	ids := bda.Header().Ids
	return OpenInfo{PoolUUID: ids.PoolUUID, DevUUID: ids.DevUUID, DevicePath: devicePath}, true, nil
}

// probeLocked checks devicePath for this engine's LUKS2 identifier
// token without unlocking it. cryptdev.Open failing (not LUKS2 at
// all, or LUKS2 but someone else's volume) just means "not ours".
func probeLocked(ctx context.Context, devicePath string) (DeviceInfo, bool, error) {
	h, err := cryptdev.Open(ctx, devicePath)
	if err != nil {
		return nil, false, nil
	}
	return LockedInfo{
		PoolUUID:   h.PoolUUID(),
		DevUUID:    h.DevUUID(),
		PoolName:   h.PoolName(),
		DevicePath: devicePath,
		Handle:     h,
	}, true, nil
}
