// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cryptdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
)

func TestValidateTangConfigRequiresPinning(t *testing.T) {
	t.Parallel()
	err := validateTangConfig(map[string]any{})
	require.Error(t, err)
	assert.Equal(t, poolerr.Invalid, poolerr.KindOf(err))

	err = validateTangConfig(map[string]any{"thp": "abc123"})
	assert.NoError(t, err)

	err = validateTangConfig(map[string]any{"adv": map[string]any{"keys": []any{}}})
	assert.NoError(t, err)
}

func TestValidateTangConfigTrustURL(t *testing.T) {
	t.Parallel()
	cfg := map[string]any{"url": "http://tang.example", trustURLKeyword: true}
	require.NoError(t, validateTangConfig(cfg))
	// the engine-only key must not leak through to the clevis tool.
	_, present := cfg[trustURLKeyword]
	assert.False(t, present)
}

func TestValidateSSSConfigRecursion(t *testing.T) {
	t.Parallel()

	nested := map[string]any{"t": 1.0, "pins": map[string]any{}}
	cfg := map[string]any{"t": 1.0, "pins": map[string]any{"sss": []any{nested}}}
	for i := 0; i < maxSSSRecursion; i++ {
		cfg = map[string]any{"t": 1.0, "pins": map[string]any{"sss": []any{cfg}}}
	}
	err := validateClevisConfig("sss", cfg, 0)
	require.Error(t, err)
	assert.Equal(t, poolerr.Invalid, poolerr.KindOf(err))
}

func TestValidateSSSConfigRejectsUnpinnedTang(t *testing.T) {
	t.Parallel()
	cfg := map[string]any{
		"t": 1.0,
		"pins": map[string]any{
			"tang": []any{map[string]any{"url": "http://tang.example"}},
		},
	}
	err := validateClevisConfig("sss", cfg, 0)
	require.Error(t, err)
}

func TestResolveSlotAnyPicksLowestFree(t *testing.T) {
	t.Parallel()
	h := &Handle{tokens: map[int]tokenInfo{1: {Kind: TokenKeyring}}}
	slot, err := h.resolveSlot(AnySlot)
	require.NoError(t, err)
	assert.Equal(t, 2, slot) // slot 0 reserved, slot 1 taken
}

func TestResolveSlotExplicitRejectsTaken(t *testing.T) {
	t.Parallel()
	h := &Handle{tokens: map[int]tokenInfo{3: {Kind: TokenClevis}}}
	_, err := h.resolveSlot(3)
	require.Error(t, err)
	assert.Equal(t, poolerr.AlreadyExists, poolerr.KindOf(err))
}

func TestResolveSlotExplicitRejectsIdentifierSlot(t *testing.T) {
	t.Parallel()
	h := &Handle{tokens: map[int]tokenInfo{}}
	_, err := h.resolveSlot(identifierTokenSlot)
	require.Error(t, err)
	assert.Equal(t, poolerr.Invalid, poolerr.KindOf(err))
}

func TestUnbindRefusesLastBinding(t *testing.T) {
	t.Parallel()
	h := &Handle{tokens: map[int]tokenInfo{1: {Kind: TokenKeyring}}}
	err := h.unbind(nil, 1, TokenKeyring)
	require.Error(t, err)
	assert.Equal(t, poolerr.Invalid, poolerr.KindOf(err))
}

func TestUnbindRefusesWrongKind(t *testing.T) {
	t.Parallel()
	h := &Handle{tokens: map[int]tokenInfo{
		1: {Kind: TokenKeyring},
		2: {Kind: TokenClevis},
	}}
	err := h.unbind(nil, 1, TokenClevis)
	require.Error(t, err)
	assert.Equal(t, poolerr.Invalid, poolerr.KindOf(err))
}
