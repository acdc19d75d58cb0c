// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// cryptBinder is the subset of *lib/blockdev.Handle a crypt-binding
// request needs; every binding family below type-asserts a pool's
// registered device against it, since only encrypted devices
// implement it meaningfully (an unencrypted one's *blockdev.Handle
// still has these methods, but they all fail with poolerr.Invalid).
type cryptBinder interface {
	BindKeyring(ctx context.Context, slot int, keyDesc string) error
	UnbindKeyring(ctx context.Context, slot int) error
	RebindKeyring(ctx context.Context, slot int, newKeyDesc string) error
	BindClevis(ctx context.Context, slot int, pin string, cfg map[string]any, yes bool) error
	UnbindClevis(ctx context.Context, slot int) error
	RebindClevis(ctx context.Context, slot int) error
}

func (e *Engine) cryptBinderFor(poolUUID poolmeta.PoolUUID, devUUID poolmeta.DevUUID) (cryptBinder, error) {
	p, err := e.lookupUUID(poolUUID)
	if err != nil {
		return nil, err
	}
	dev, err := p.Device(devUUID)
	if err != nil {
		return nil, err
	}
	cb, ok := dev.(cryptBinder)
	if !ok {
		return nil, poolerr.Errorf(poolerr.Invalid, "device %s does not support crypt binding", devUUID)
	}
	return cb, nil
}

// BindKeyring attaches a kernel-keyring unlock method to one device's
// LUKS2 header, in the lowest free keyslot if slot < 0 (the
// identifier token's slot is never handed out) (§6.1 crypt binding,
// §4.4).
func (e *Engine) BindKeyring(ctx context.Context, poolUUID poolmeta.PoolUUID, devUUID poolmeta.DevUUID, slot int, keyDesc string) Result {
	cb, err := e.cryptBinderFor(poolUUID, devUUID)
	if err != nil {
		return failedResult(err)
	}
	if err := cb.BindKeyring(ctx, slot, namespacedKeyDesc(keyDesc)); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectBlockdev, ID: devUUID.String(), Delta: map[string]any{"keyring_bound": true}})
	return changedResult(map[string]any{"dev_uuid": devUUID.String()})
}

// UnbindKeyring removes a device's keyring binding.
func (e *Engine) UnbindKeyring(ctx context.Context, poolUUID poolmeta.PoolUUID, devUUID poolmeta.DevUUID, slot int) Result {
	cb, err := e.cryptBinderFor(poolUUID, devUUID)
	if err != nil {
		return failedResult(err)
	}
	if err := cb.UnbindKeyring(ctx, slot); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectBlockdev, ID: devUUID.String(), Delta: map[string]any{"keyring_bound": false}})
	return changedResult(map[string]any{"dev_uuid": devUUID.String()})
}

// RebindKeyring replaces a device's keyring-bound key description
// without changing any other slot.
func (e *Engine) RebindKeyring(ctx context.Context, poolUUID poolmeta.PoolUUID, devUUID poolmeta.DevUUID, slot int, newKeyDesc string) Result {
	cb, err := e.cryptBinderFor(poolUUID, devUUID)
	if err != nil {
		return failedResult(err)
	}
	if err := cb.RebindKeyring(ctx, slot, namespacedKeyDesc(newKeyDesc)); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectBlockdev, ID: devUUID.String(), Delta: map[string]any{"keyring_rebound": true}})
	return changedResult(map[string]any{"dev_uuid": devUUID.String()})
}

// BindClevis attaches a Clevis (Tang/TPM2) unlock policy to one
// device.
func (e *Engine) BindClevis(ctx context.Context, poolUUID poolmeta.PoolUUID, devUUID poolmeta.DevUUID, slot int, pin string, cfg map[string]any, yes bool) Result {
	cb, err := e.cryptBinderFor(poolUUID, devUUID)
	if err != nil {
		return failedResult(err)
	}
	if err := cb.BindClevis(ctx, slot, pin, cfg, yes); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectBlockdev, ID: devUUID.String(), Delta: map[string]any{"clevis_bound": true, "pin": pin}})
	return changedResult(map[string]any{"dev_uuid": devUUID.String()})
}

// UnbindClevis removes a device's Clevis binding.
func (e *Engine) UnbindClevis(ctx context.Context, poolUUID poolmeta.PoolUUID, devUUID poolmeta.DevUUID, slot int) Result {
	cb, err := e.cryptBinderFor(poolUUID, devUUID)
	if err != nil {
		return failedResult(err)
	}
	if err := cb.UnbindClevis(ctx, slot); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectBlockdev, ID: devUUID.String(), Delta: map[string]any{"clevis_bound": false}})
	return changedResult(map[string]any{"dev_uuid": devUUID.String()})
}

// RebindClevis re-runs Clevis binding against the device's existing
// pin and config, used after the pin's backing policy changes (e.g. a
// Tang server's key rotation).
func (e *Engine) RebindClevis(ctx context.Context, poolUUID poolmeta.PoolUUID, devUUID poolmeta.DevUUID, slot int) Result {
	cb, err := e.cryptBinderFor(poolUUID, devUUID)
	if err != nil {
		return failedResult(err)
	}
	if err := cb.RebindClevis(ctx, slot); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectBlockdev, ID: devUUID.String(), Delta: map[string]any{"clevis_rebound": true}})
	return changedResult(map[string]any{"dev_uuid": devUUID.String()})
}
