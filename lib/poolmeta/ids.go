// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package poolmeta implements the on-disk metadata format (§3): the
// 512-byte static header at sectors 1 and 8 of every data device, the
// four MDA regions holding the JSON pool-level metadata payload, and
// the dual-copy reconciliation rule that is "the single source of
// truth for what the disk says" (§9).
package poolmeta

import (
	"crypto/rand"
	"encoding"
	"encoding/hex"
	"fmt"

	"git.lukeshu.com/pool-progs-ng/lib/fmtutil"
)

// UUID is a 128-bit identifier, textually serialized as 32 lowercase
// hex characters with no separators (§3.1) — unlike the dashed form
// used by RFC 4122 renderers, this engine's UUIDs are opaque
// identifiers, not time-ordered or variant-tagged.
type UUID [16]byte

var (
	_ fmt.Stringer             = UUID{}
	_ fmt.Formatter            = UUID{}
	_ encoding.TextMarshaler   = UUID{}
	_ encoding.TextUnmarshaler = (*UUID)(nil)
)

func (u UUID) String() string {
	return hex.EncodeToString(u[:])
}

func (u UUID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *UUID) UnmarshalText(text []byte) error {
	var err error
	*u, err = ParseUUID(string(text))
	return err
}

func (u UUID) Format(f fmt.State, verb rune) {
	fmtutil.FormatByteArrayStringer(u, u[:], f, verb)
}

func (u UUID) Compare(b UUID) int {
	for i := range u {
		if d := int(u[i]) - int(b[i]); d != 0 {
			return d
		}
	}
	return 0
}

func (u UUID) IsZero() bool {
	return u == UUID{}
}

// ParseUUID parses 32 hex characters (separators are tolerated and
// ignored, so that RFC-4122-dashed input is also accepted) into a UUID.
func ParseUUID(str string) (UUID, error) {
	var ret UUID
	j := 0
	for i := 0; i < len(str); i++ {
		if j >= len(ret)*2 {
			return UUID{}, fmt.Errorf("too long to be a UUID: %q", str)
		}
		c := str[i]
		var v byte
		switch {
		case '0' <= c && c <= '9':
			v = c - '0'
		case 'a' <= c && c <= 'f':
			v = c - 'a' + 10
		case 'A' <= c && c <= 'F':
			v = c - 'A' + 10
		case c == '-':
			continue
		default:
			return UUID{}, fmt.Errorf("illegal byte in UUID: %q", str)
		}
		if j%2 == 0 {
			ret[j/2] = v << 4
		} else {
			ret[j/2] = (ret[j/2] & 0xf0) | (v & 0x0f)
		}
		j++
	}
	if j != len(ret)*2 {
		return UUID{}, fmt.Errorf("too short to be a UUID: %q", str)
	}
	return ret, nil
}

func MustParseUUID(str string) UUID {
	ret, err := ParseUUID(str)
	if err != nil {
		panic(err)
	}
	return ret
}

// NewUUID generates a fresh random 128-bit identifier. It does not set
// RFC-4122 version/variant bits; this engine's UUIDs are opaque.
func NewUUID() UUID {
	var ret UUID
	if _, err := rand.Read(ret[:]); err != nil {
		panic(err) // crypto/rand failing is unrecoverable
	}
	return ret
}

// PoolUUID, DevUUID, and FilesystemUUID are distinct identifier spaces
// (§3.1) even though they share the same 128-bit representation; the
// distinct Go types prevent accidentally passing one where another is
// expected.
type (
	PoolUUID       UUID
	DevUUID        UUID
	FilesystemUUID UUID
)

func (u PoolUUID) String() string       { return UUID(u).String() }
func (u DevUUID) String() string        { return UUID(u).String() }
func (u FilesystemUUID) String() string { return UUID(u).String() }

func (u PoolUUID) MarshalText() ([]byte, error)       { return UUID(u).MarshalText() }
func (u DevUUID) MarshalText() ([]byte, error)        { return UUID(u).MarshalText() }
func (u FilesystemUUID) MarshalText() ([]byte, error) { return UUID(u).MarshalText() }

func (u *PoolUUID) UnmarshalText(text []byte) error {
	var raw UUID
	if err := raw.UnmarshalText(text); err != nil {
		return err
	}
	*u = PoolUUID(raw)
	return nil
}

func (u *DevUUID) UnmarshalText(text []byte) error {
	var raw UUID
	if err := raw.UnmarshalText(text); err != nil {
		return err
	}
	*u = DevUUID(raw)
	return nil
}

func (u *FilesystemUUID) UnmarshalText(text []byte) error {
	var raw UUID
	if err := raw.UnmarshalText(text); err != nil {
		return err
	}
	*u = FilesystemUUID(raw)
	return nil
}

func NewPoolUUID() PoolUUID             { return PoolUUID(NewUUID()) }
func NewDevUUID() DevUUID               { return DevUUID(NewUUID()) }
func NewFilesystemUUID() FilesystemUUID { return FilesystemUUID(NewUUID()) }

// Name is a human-assigned string, unique within its scope: pool names
// are unique engine-wide, filesystem names are unique within a pool
// (§3.1).
type Name string

// DeviceIdentifiers is the (PoolUUID, DevUUID) pair every data device
// carries in its static header (§3.1): I1 requires that every device's
// stored PoolUUID match the pool it claims to belong to.
type DeviceIdentifiers struct {
	PoolUUID PoolUUID
	DevUUID  DevUUID
}
