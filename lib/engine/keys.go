// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import "context"

// KeySet adds or replaces a passphrase in the kernel keyring under
// keyDesc (§6.1 key_set). The description is namespaced before it
// ever touches the kernel keyring, so it can never collide with an
// unrelated key some other process added under the same plain name.
func (e *Engine) KeySet(ctx context.Context, keyDesc string, passphrase []byte) Result {
	if err := e.keyring.Set(keyDesc, passphrase); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectBlockdev, ID: keyDesc, Delta: map[string]any{"key_set": true}})
	return changedResult(map[string]any{"key_desc": keyDesc})
}

// KeyUnset removes a passphrase from the kernel keyring (§6.1
// key_unset). Unsetting a key a bound device still depends on doesn't
// fail here; the device simply becomes unable to activate until a new
// key is set or it's rebound to a different mechanism.
func (e *Engine) KeyUnset(ctx context.Context, keyDesc string) Result {
	if err := e.keyring.Unset(keyDesc); err != nil {
		return failedResult(err)
	}
	e.events.emit(ctx, ChangeEvent{Kind: ObjectBlockdev, ID: keyDesc, Delta: map[string]any{"key_set": false}})
	return changedResult(map[string]any{"key_desc": keyDesc})
}

// KeyList reports every key description the engine has set during
// this process's lifetime (§6.1 key_list). Keys added directly to the
// kernel keyring by another process are invisible here by design: this
// is an inventory of what the engine itself manages, not a keyring
// dump.
func (e *Engine) KeyList(ctx context.Context) Result {
	return changedResult(map[string]any{"keys": e.keyring.List()})
}
