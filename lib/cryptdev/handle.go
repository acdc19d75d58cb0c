// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cryptdev mediates a single LUKS2-encrypted data device (§4.4)
// by shelling out to cryptsetup(8) and clevis(1), the same
// execCommand-a-real-binary approach the teacher uses for mounting and
// unpacking squashfs images rather than linking a cgo binding.
package cryptdev

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// activationPrefix replaces the upstream project's mapper-name prefix;
// an opened device is mapped at /dev/mapper/<activationPrefix>-<dev-uuid>.
const activationPrefix = "poolhold"

// identifierTokenKeyword is the libcryptsetup JSON-token "type" field
// under which this engine stores (pool UUID, dev UUID, pool name) so
// that a device can be identified without first reading its data-area
// metadata.
const identifierTokenKeyword = "pool-progs-ng-ids"

// identifierTokenSlot is the fixed token slot reserved for the
// identifier token. Keyring and Clevis tokens occupy the remaining
// slots.
const identifierTokenSlot = 0

const maxKeyslots = 32

// AnySlot passed to a bind_* call asks the handle to pick the lowest
// free keyslot rather than pinning a specific one.
const AnySlot = -1

// TokenKind distinguishes the two unlock mechanisms a keyslot's token
// can carry.
type TokenKind int

const (
	TokenKeyring TokenKind = iota
	TokenClevis
)

// EncryptionInfo is the set of unlock mechanisms a device was (or
// should be) initialized with (§4.4).
type EncryptionInfo struct {
	KeyDesc    string // empty if no keyring binding
	ClevisPin  string // empty if no Clevis binding
	ClevisJSON map[string]any
}

func (e EncryptionInfo) hasKeyring() bool { return e.KeyDesc != "" }
func (e EncryptionInfo) hasClevis() bool  { return e.ClevisPin != "" }

// tokenInfo records which mechanism occupies a keyslot.
type tokenInfo struct {
	Kind    TokenKind
	KeyDesc string
	Pin     string
	Cfg     map[string]any
}

// Handle mediates one LUKS2-encrypted device: the physical path (what
// cryptsetup operates on) and the metadata path (the crypt-opened
// /dev/mapper/<activationPrefix>-<dev-uuid> that the rest of the stack
// reads and writes the static header and MDA regions through).
type Handle struct {
	physicalPath string
	devUUID      poolmeta.DevUUID
	poolUUID     poolmeta.PoolUUID
	poolName     string

	active bool
	tokens map[int]tokenInfo // keyslot -> token, excluding identifierTokenSlot
}

func activationName(devUUID poolmeta.DevUUID) string {
	return fmt.Sprintf("%s-%s", activationPrefix, devUUID.String())
}

// MetadataPath is the crypt-opened device path the rest of the engine
// reads and writes the static header and MDA regions through.
func (h *Handle) MetadataPath() string {
	return "/dev/mapper/" + activationName(h.devUUID)
}

func (h *Handle) PhysicalPath() string { return h.physicalPath }

// run invokes name with arg, logging the command line at debug level
// and wrapping any failure as a *poolerr.Error with Kind Crypt.
func run(ctx context.Context, name string, arg ...string) (string, error) {
	dlog.Debugf(ctx, "cryptdev: running %s %v", name, arg)
	cmd := exec.CommandContext(ctx, name, arg...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", poolerr.Wrap(poolerr.Crypt, fmt.Sprintf("%s %v: %s", name, arg, stderr.String()), err)
	}
	return stdout.String(), nil
}

// freeTokenSlots returns the lowest keyslot indices not already
// occupied by a keyring or Clevis token (the identifier token's slot
// is never offered).
func (h *Handle) freeTokenSlots() []int {
	var free []int
	for slot := 0; slot < maxKeyslots; slot++ {
		if slot == identifierTokenSlot {
			continue
		}
		if _, taken := h.tokens[slot]; !taken {
			free = append(free, slot)
		}
	}
	return free
}

// resolveSlot turns a caller-supplied slot (AnySlot or an explicit
// index) into a concrete, currently-free keyslot index.
func (h *Handle) resolveSlot(slot int) (int, error) {
	if slot == AnySlot {
		free := h.freeTokenSlots()
		if len(free) == 0 {
			return 0, poolerr.New(poolerr.OutOfSpace, "no free keyslots")
		}
		return free[0], nil
	}
	if _, taken := h.tokens[slot]; taken {
		return 0, poolerr.Errorf(poolerr.AlreadyExists, "keyslot %d is already bound", slot)
	}
	if slot == identifierTokenSlot {
		return 0, poolerr.Errorf(poolerr.Invalid, "keyslot %d is reserved for the identifier token", slot)
	}
	return slot, nil
}
