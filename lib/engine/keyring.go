// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
)

// keyDescNamespace prefixes every key description this engine adds to
// the kernel keyring, the same namespacing convention
// lib/cryptdev.identifierTokenKeyword applies to its LUKS2 token type
// string, so this engine's keys never collide with an unrelated
// caller's "user" keys in the same session keyring.
const keyDescNamespace = "pool-progs-ng:"

func namespacedKeyDesc(kd string) string { return keyDescNamespace + kd }

// keyring is the process-wide singleton keyring access port (C11,
// §3.6, §5): calls to it are short (add/remove/lookup by description)
// and serialized by one mutex, shared across every pool's crypt
// operations rather than each pool managing its own keyring access.
type keyring struct {
	mu    sync.Mutex
	known map[string]struct{} // descriptions this engine has added, for key_list
}

func newKeyring() *keyring {
	return &keyring{known: map[string]struct{}{}}
}

// Set installs passphrase under the persistent keyring, keyed by kd
// (§6.1 key_set). An existing key under the same description is
// replaced, matching add_key(2)'s own update-in-place semantics for
// "user" keys.
func (k *keyring) Set(kd string, passphrase []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	desc := namespacedKeyDesc(kd)
	if _, err := unix.AddKey("user", desc, passphrase, unix.KEY_SPEC_PERSISTENT_KEYRING); err != nil {
		if _, err2 := unix.AddKey("user", desc, passphrase, unix.KEY_SPEC_SESSION_KEYRING); err2 != nil {
			return poolerr.Wrap(poolerr.Crypt, fmt.Sprintf("add key %q to keyring", kd), err2)
		}
	}
	k.known[kd] = struct{}{}
	return nil
}

// Unset removes kd from the keyring (§6.1 key_unset). Not finding it
// in the keyring is not an error: the caller's intent ("this key
// should not be usable") is already satisfied.
func (k *keyring) Unset(kd string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	desc := namespacedKeyDesc(kd)
	for _, ring := range []int{unix.KEY_SPEC_PERSISTENT_KEYRING, unix.KEY_SPEC_SESSION_KEYRING, unix.KEY_SPEC_USER_KEYRING} {
		if id, err := unix.KeyctlSearch(ring, "user", desc, 0); err == nil {
			if _, err := unix.KeyctlInt(unix.KEYCTL_UNLINK, int(id), ring, 0, 0); err != nil {
				return poolerr.Wrap(poolerr.Crypt, fmt.Sprintf("unlink key %q", kd), err)
			}
		}
	}
	delete(k.known, kd)
	return nil
}

// List returns every key description this engine has added and not
// since unset (§6.1 key_list). It reflects this process's own
// bookkeeping rather than enumerating the kernel keyring wholesale,
// since an arbitrary "user" key already in the session/persistent
// ring may belong to something else entirely.
func (k *keyring) List() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.known))
	for kd := range k.known {
		out = append(out, kd)
	}
	return out
}

// resolves reports whether kd can currently be found in the session
// or persistent keyring, the same lookup lib/cryptdev.Handle.Activate
// performs before trying a keyring-backed unlock.
func (k *keyring) resolves(kd string) bool {
	desc := namespacedKeyDesc(kd)
	if _, err := unix.KeyctlSearch(unix.KEY_SPEC_SESSION_KEYRING, "user", desc, 0); err == nil {
		return true
	}
	_, err := unix.KeyctlSearch(unix.KEY_SPEC_PERSISTENT_KEYRING, "user", desc, 0)
	return err == nil
}
