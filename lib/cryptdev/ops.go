// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cryptdev

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// identifierPayload is what the identifier token's json field holds:
// enough to recognize which pool and device this is without first
// decrypting the data area.
type identifierPayload struct {
	Type     string            `json:"type"`
	Keyslots []string          `json:"keyslots"`
	PoolUUID poolmeta.PoolUUID `json:"pool_uuid"`
	DevUUID  poolmeta.DevUUID  `json:"dev_uuid"`
	PoolName string            `json:"pool_name"`
}

func newIdentifierPayload(poolUUID poolmeta.PoolUUID, devUUID poolmeta.DevUUID, poolName string) identifierPayload {
	return identifierPayload{
		Type:     identifierTokenKeyword,
		Keyslots: []string{},
		PoolUUID: poolUUID,
		DevUUID:  devUUID,
		PoolName: poolName,
	}
}

// Initialize formats physicalPath as LUKS2 (AES-XTS-PLAIN64; no
// metadata or keyslot-area size is passed, so cryptsetup's defaults
// apply), binds whichever of enc.KeyDesc /
// enc.ClevisPin are set, writes the identifier token, and activates
// the device. On any failure after formatting, it rolls back by
// wiping the LUKS2 header and tearing down any partial mapping (§4.4).
func Initialize(ctx context.Context, physicalPath string, poolUUID poolmeta.PoolUUID, devUUID poolmeta.DevUUID, poolName string, enc EncryptionInfo, sectorSize int) (h *Handle, err error) {
	if !enc.hasKeyring() && !enc.hasClevis() {
		return nil, poolerr.New(poolerr.Invalid, "at least one of keyring or clevis binding is required")
	}

	h = &Handle{
		physicalPath: physicalPath,
		poolUUID:     poolUUID,
		devUUID:      devUUID,
		poolName:     poolName,
		tokens:       map[int]tokenInfo{},
	}

	defer func() {
		if err != nil {
			dlog.Errorf(ctx, "cryptdev: initialize %s failed, rolling back: %v", physicalPath, err)
			if wipeErr := h.Wipe(ctx); wipeErr != nil {
				err = poolerr.Wrap(poolerr.RollbackFailed, fmt.Sprintf("rollback after %v", err), wipeErr)
			}
		}
	}()

	args := []string{"luksFormat", "--type", "luks2", "--cipher", "aes-xts-plain64",
		"--batch-mode"}
	if sectorSize > 0 {
		args = append(args, "--sector-size", fmt.Sprint(sectorSize))
	}
	args = append(args, physicalPath)
	if _, err = run(ctx, "cryptsetup", args...); err != nil {
		return nil, err
	}

	idJSON, err := json.Marshal(newIdentifierPayload(poolUUID, devUUID, poolName))
	if err != nil {
		return nil, err
	}
	if _, err = run(ctx, "cryptsetup", "token", "import", physicalPath,
		"--token-id", fmt.Sprint(identifierTokenSlot), "--json", string(idJSON)); err != nil {
		return nil, err
	}

	if enc.hasKeyring() {
		if err = h.BindKeyring(ctx, AnySlot, enc.KeyDesc); err != nil {
			return nil, err
		}
	}
	if enc.hasClevis() {
		if err = h.BindClevis(ctx, AnySlot, enc.ClevisPin, enc.ClevisJSON, true); err != nil {
			return nil, err
		}
	}

	if err = h.Activate(ctx, MechanismAny); err != nil {
		return nil, err
	}
	return h, nil
}

// Open recognizes an already-initialized encrypted device from its
// identifier token, without activating it.
func Open(ctx context.Context, physicalPath string) (*Handle, error) {
	out, err := run(ctx, "cryptsetup", "token", "export", physicalPath, "--token-id", fmt.Sprint(identifierTokenSlot))
	if err != nil {
		return nil, poolerr.Wrap(poolerr.NotFound, "device carries no identifier token", err)
	}
	var ids identifierPayload
	if jerr := json.Unmarshal([]byte(out), &ids); jerr != nil {
		return nil, poolerr.Wrap(poolerr.Invalid, "malformed identifier token", jerr)
	}
	return &Handle{
		physicalPath: physicalPath,
		poolUUID:     ids.PoolUUID,
		devUUID:      ids.DevUUID,
		poolName:     ids.PoolName,
		tokens:       map[int]tokenInfo{},
	}, nil
}

// Mechanism selects how Activate unlocks the device.
type Mechanism int

const (
	MechanismAny Mechanism = iota
	MechanismKeyringOnly
	MechanismClevisOnly
)

// Activate opens the device and maps it at MetadataPath. When
// unlocking via keyring, it first verifies the key description
// resolves in the persistent keyring, returning a distinct
// poolerr.KeyringKeyMissing error if not (§4.4).
func (h *Handle) Activate(ctx context.Context, mech Mechanism) error {
	if h.active {
		return nil
	}
	name := activationName(h.devUUID)

	if mech != MechanismClevisOnly {
		for slot, tok := range h.tokens {
			if tok.Kind != TokenKeyring {
				continue
			}
			if _, err := unix.KeyctlSearch(unix.KEY_SPEC_SESSION_KEYRING, "user", tok.KeyDesc, 0); err != nil {
				persistent, err2 := unix.KeyctlInt(unix.KEYCTL_GET_PERSISTENT, -1, unix.KEY_SPEC_SESSION_KEYRING, 0, 0)
				if err2 == nil {
					_, err2 = unix.KeyctlSearch(persistent, "user", tok.KeyDesc, 0)
				}
				if err2 != nil {
					return poolerr.Wrap(poolerr.KeyringKeyMissing, fmt.Sprintf("key description %q not in keyring (slot %d)", tok.KeyDesc, slot), err2)
				}
			}
			if _, err := run(ctx, "cryptsetup", "open", h.physicalPath, name, "--key-description", tok.KeyDesc, "--token-id", fmt.Sprint(slot)); err == nil {
				h.active = true
				return nil
			}
		}
		if mech == MechanismKeyringOnly {
			return poolerr.New(poolerr.KeyringKeyMissing, "no usable keyring token")
		}
	}

	for slot, tok := range h.tokens {
		if tok.Kind != TokenClevis {
			continue
		}
		if _, err := run(ctx, "clevis", "luks", "unlock", "-d", h.physicalPath, "-n", name, "-s", fmt.Sprint(slot)); err == nil {
			h.active = true
			return nil
		}
	}

	return poolerr.New(poolerr.Crypt, "no binding was able to unlock the device")
}

// Deactivate removes the dm mapping. Idempotent.
func (h *Handle) Deactivate(ctx context.Context) error {
	if !h.active {
		return nil
	}
	if _, err := run(ctx, "cryptsetup", "close", activationName(h.devUUID)); err != nil {
		return err
	}
	h.active = false
	return nil
}

// Wipe deactivates (if active) then erases the LUKS2 header. Idempotent.
func (h *Handle) Wipe(ctx context.Context) error {
	if err := h.Deactivate(ctx); err != nil {
		dlog.Errorf(ctx, "cryptdev: wipe: deactivate failed, continuing: %v", err)
	}
	_, err := run(ctx, "cryptsetup", "erase", "--batch-mode", h.physicalPath)
	return err
}

// resize grows or shrinks the crypt layer. size nil means "fill the
// underlying device" (§4.4's resize(size=None) semantics).
func (h *Handle) resize(ctx context.Context, size *poolmeta.SectorAddr) error {
	args := []string{"resize", activationName(h.devUUID)}
	if size != nil {
		args = append(args, "--size", fmt.Sprint(int64(*size)))
	}
	_, err := run(ctx, "cryptsetup", args...)
	return err
}

// Resize changes the crypt layer's reported size. size nil fills the
// underlying device.
func (h *Handle) Resize(ctx context.Context, size *poolmeta.SectorAddr) error {
	return h.resize(ctx, size)
}

// Grow resizes the crypt layer to fill the underlying (physical)
// device. The caller (blockdev.Handle) is responsible for fixing up
// the static header on the metadata device afterward and has no
// crypt-layer-specific rollback to perform on its own failure, since
// that failure happens above the crypt layer.
func (h *Handle) Grow(ctx context.Context) error {
	return h.resize(ctx, nil)
}
