// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolmeta_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

func TestParseUUID(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Input     string
		OutputVal poolmeta.UUID
		OutputErr string
	}
	testcases := map[string]TestCase{
		"basic": {
			Input:     "a0dd94ede60c42e8863264e8d4765a43",
			OutputVal: poolmeta.UUID{0xa0, 0xdd, 0x94, 0xed, 0xe6, 0x0c, 0x42, 0xe8, 0x86, 0x32, 0x64, 0xe8, 0xd4, 0x76, 0x5a, 0x43},
		},
		"tolerates-dashes": {
			Input:     "a0dd94ed-e60c-42e8-8632-64e8d4765a43",
			OutputVal: poolmeta.UUID{0xa0, 0xdd, 0x94, 0xed, 0xe6, 0x0c, 0x42, 0xe8, 0x86, 0x32, 0x64, 0xe8, 0xd4, 0x76, 0x5a, 0x43},
		},
		"too-long": {
			Input:     "a0dd94ede60c42e8863264e8d4765a43ff",
			OutputErr: `too long to be a UUID: "a0dd94ede60c42e8863264e8d4765a43ff"`,
		},
		"too-short": {
			Input:     "a0dd94ed",
			OutputErr: `too short to be a UUID: "a0dd94ed"`,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			val, err := poolmeta.ParseUUID(tc.Input)
			if tc.OutputErr == "" {
				assert.NoError(t, err)
				assert.Equal(t, tc.OutputVal, val)
			} else {
				assert.EqualError(t, err, tc.OutputErr)
			}
		})
	}
}

func TestUUIDRoundTrip(t *testing.T) {
	t.Parallel()
	u := poolmeta.NewUUID()
	assert.False(t, u.IsZero())
	str := u.String()
	assert.Len(t, str, 32)
	back, err := poolmeta.ParseUUID(str)
	assert.NoError(t, err)
	assert.Equal(t, u, back)
}

func TestUUIDDistinctSpaces(t *testing.T) {
	t.Parallel()
	pool := poolmeta.NewPoolUUID()
	dev := poolmeta.DevUUID(poolmeta.UUID(pool))
	assert.Equal(t, pool.String(), dev.String())
}
