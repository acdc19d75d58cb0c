// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cryptdev

import "git.lukeshu.com/pool-progs-ng/lib/poolmeta"

// PoolUUID, DevUUID, and PoolName expose the identifier-token fields
// Open reads before the device is ever unlocked, so hot-plug discovery
// can classify and group a LUKS2 device without activating it.
func (h *Handle) PoolUUID() poolmeta.PoolUUID { return h.poolUUID }
func (h *Handle) DevUUID() poolmeta.DevUUID   { return h.devUUID }
func (h *Handle) PoolName() string            { return h.poolName }

// Active reports whether Activate has successfully mapped this
// device.
func (h *Handle) Active() bool { return h.active }
