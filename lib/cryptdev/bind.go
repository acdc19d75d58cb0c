// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cryptdev

import (
	"context"
	"encoding/json"
	"fmt"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
)

// BindKeyring adds a keyring-backed keyslot from a passphrase already
// resolvable in the kernel persistent keyring under keyDesc.
func (h *Handle) BindKeyring(ctx context.Context, slotIn int, keyDesc string) error {
	slot, err := h.resolveSlot(slotIn)
	if err != nil {
		return err
	}
	if _, err := run(ctx, "cryptsetup", "luksAddKey", h.physicalPath,
		"--key-description", keyDesc, "--token-id", fmt.Sprint(slot), "--new-keyslot", fmt.Sprint(slot)); err != nil {
		return err
	}
	h.tokens[slot] = tokenInfo{Kind: TokenKeyring, KeyDesc: keyDesc}
	return nil
}

// UnbindKeyring destroys the keyslot and its token. It refuses to
// remove the device's last remaining binding (§4.4).
func (h *Handle) UnbindKeyring(ctx context.Context, slot int) error {
	return h.unbind(ctx, slot, TokenKeyring)
}

// RebindKeyring replaces the key description bound to slot (or the
// lowest keyring-bound slot if slot is negative) with newKeyDesc,
// without reducing the device below one working binding at any point.
func (h *Handle) RebindKeyring(ctx context.Context, slot int, newKeyDesc string) error {
	if slot < 0 {
		var found = -1
		for s, tok := range h.tokens {
			if tok.Kind == TokenKeyring && (found < 0 || s < found) {
				found = s
			}
		}
		if found < 0 {
			return poolerr.Errorf(poolerr.NotFound, "no keyring binding to rebind")
		}
		slot = found
	}
	tok, ok := h.tokens[slot]
	if !ok || tok.Kind != TokenKeyring {
		return poolerr.Errorf(poolerr.NotFound, "keyslot %d is not keyring-bound", slot)
	}
	if _, err := run(ctx, "cryptsetup", "luksChangeKey", h.physicalPath,
		"--key-description", newKeyDesc, "--token-id", fmt.Sprint(slot)); err != nil {
		return err
	}
	h.tokens[slot] = tokenInfo{Kind: TokenKeyring, KeyDesc: newKeyDesc}
	return nil
}

// BindClevis adds a Clevis-backed keyslot using the named pin
// (tang/tpm2/sss) and its config. yes maps to clevis's --yes /
// auto-confirm when binding tang or sss pins that reference untrusted
// advertisements.
func (h *Handle) BindClevis(ctx context.Context, slotIn int, pin string, cfg map[string]any, yes bool) error {
	if err := validateClevisConfig(pin, cfg, 0); err != nil {
		return err
	}
	slot, err := h.resolveSlot(slotIn)
	if err != nil {
		return err
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	args := []string{"luks", "bind", "-d", h.physicalPath, "-s", fmt.Sprint(slot), pin, string(cfgJSON)}
	if yes {
		args = append([]string{"-y"}, args...)
	}
	if _, err := run(ctx, "clevis", args...); err != nil {
		return err
	}
	h.tokens[slot] = tokenInfo{Kind: TokenClevis, Pin: pin, Cfg: cfg}
	return nil
}

// UnbindClevis destroys the keyslot and its token. It refuses to
// remove the device's last remaining binding (§4.4).
func (h *Handle) UnbindClevis(ctx context.Context, slot int) error {
	return h.unbind(ctx, slot, TokenClevis)
}

// RebindClevis re-derives the passphrase for slot (or the lowest
// Clevis-bound slot if slot is negative) against its existing pin
// config, refreshing a tang advertisement or regenerating a tpm2
// sealed blob without changing which keyslot holds it.
func (h *Handle) RebindClevis(ctx context.Context, slot int) error {
	if slot < 0 {
		found := -1
		for s, tok := range h.tokens {
			if tok.Kind == TokenClevis && (found < 0 || s < found) {
				found = s
			}
		}
		if found < 0 {
			return poolerr.Errorf(poolerr.NotFound, "no clevis binding to rebind")
		}
		slot = found
	}
	tok, ok := h.tokens[slot]
	if !ok || tok.Kind != TokenClevis {
		return poolerr.Errorf(poolerr.NotFound, "keyslot %d is not clevis-bound", slot)
	}
	_, err := run(ctx, "clevis", "luks", "regen", "-d", h.physicalPath, "-s", fmt.Sprint(slot), "-q")
	return err
}

func (h *Handle) unbind(ctx context.Context, slot int, kind TokenKind) error {
	tok, ok := h.tokens[slot]
	if !ok {
		return poolerr.Errorf(poolerr.NotFound, "keyslot %d is not bound", slot)
	}
	if tok.Kind != kind {
		return poolerr.Errorf(poolerr.Invalid, "keyslot %d is not a %v binding", slot, kind)
	}
	if len(h.tokens) <= 1 {
		return poolerr.New(poolerr.Invalid, "would remove the device's last remaining binding")
	}
	if _, err := run(ctx, "cryptsetup", "token", "remove", h.physicalPath, "--token-id", fmt.Sprint(slot)); err != nil {
		return err
	}
	if _, err := run(ctx, "cryptsetup", "luksKillSlot", h.physicalPath, "--batch-mode", fmt.Sprint(slot)); err != nil {
		return err
	}
	delete(h.tokens, slot)
	return nil
}

func (k TokenKind) String() string {
	switch k {
	case TokenKeyring:
		return "keyring"
	case TokenClevis:
		return "clevis"
	default:
		return "unknown"
	}
}
