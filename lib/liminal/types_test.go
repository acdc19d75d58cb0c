// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liminal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

func TestDeviceSetConflictsOnPoolMismatch(t *testing.T) {
	t.Parallel()
	poolA := poolmeta.NewPoolUUID()
	poolB := poolmeta.NewPoolUUID()
	dev := poolmeta.NewDevUUID()

	set := newDeviceSet(poolA)
	set.Devices[dev] = OpenInfo{PoolUUID: poolA, DevUUID: dev, DevicePath: "/dev/sda"}

	_, conflict := set.conflicts(OpenInfo{PoolUUID: poolB, DevUUID: dev, DevicePath: "/dev/sda"})
	assert.True(t, conflict)
}

func TestDeviceSetConflictsOnLockedVsOpenMismatch(t *testing.T) {
	t.Parallel()
	poolUUID := poolmeta.NewPoolUUID()
	dev := poolmeta.NewDevUUID()

	set := newDeviceSet(poolUUID)
	set.Devices[dev] = OpenInfo{PoolUUID: poolUUID, DevUUID: dev, DevicePath: "/dev/sda"}

	_, conflict := set.conflicts(LockedInfo{PoolUUID: poolUUID, DevUUID: dev, DevicePath: "/dev/sda"})
	assert.True(t, conflict)
}

func TestDeviceSetNoConflictOnRepeatObservation(t *testing.T) {
	t.Parallel()
	poolUUID := poolmeta.NewPoolUUID()
	dev := poolmeta.NewDevUUID()

	set := newDeviceSet(poolUUID)
	info := OpenInfo{PoolUUID: poolUUID, DevUUID: dev, DevicePath: "/dev/sda"}
	set.Devices[dev] = info

	_, conflict := set.conflicts(info)
	assert.False(t, conflict)
}

func TestDeviceSetNoConflictForUnseenDevice(t *testing.T) {
	t.Parallel()
	poolUUID := poolmeta.NewPoolUUID()
	set := newDeviceSet(poolUUID)

	_, conflict := set.conflicts(OpenInfo{PoolUUID: poolUUID, DevUUID: poolmeta.NewDevUUID(), DevicePath: "/dev/sdb"})
	assert.False(t, conflict)
}
