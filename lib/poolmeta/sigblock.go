// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolmeta

import (
	"fmt"

	"git.lukeshu.com/pool-progs-ng/lib/binstruct"
)

const SectorSize = 512

// Sector addressing, 512-byte sectors (§3.2).
type SectorAddr int64

func (a SectorAddr) Add(n int64) SectorAddr { return a + SectorAddr(n) }

// magic is the fixed constant with a non-ASCII tail (§3.3). The exact
// bytes are arbitrary but must be stable across all on-disk images
// this engine ever writes.
var magic = [16]byte{'p', 'o', 'o', 'l', '-', 'd', 'e', 'v', 0xf0, 0x9f, 0x92, 0xbe, 0x00, 0x00, 0x00, 0x01}

// Sigblock-format versions (§4.2): version 1 is the per-device
// passphrase/LUKS2-keyslot encryption variant; version 2 is reserved
// for a per-pool volume-key-in-keyring variant. Both are parsed
// identically at the Sigblock level; only crypt-handle construction
// differs.
const (
	SigblockVersion1 = 1
	SigblockVersion2 = 2
)

// Sigblock is the 512-byte static header stored identically at sectors
// 1 and 8 of every data device (§3.2, §3.3).
type Sigblock struct {
	Checksum   uint32   `bin:"off=0,   siz=4"`
	Magic      [16]byte `bin:"off=4,   siz=16"`
	DeviceSize uint64   `bin:"off=20,  siz=8"` // sectors
	Version    uint8    `bin:"off=28,  siz=1"`
	_reserved0 [3]byte  `bin:"off=29,  siz=3"`
	PoolUUID   [32]byte `bin:"off=32,  siz=32"` // hex text, not binary UUID
	DevUUID    [32]byte `bin:"off=64,  siz=32"` // hex text, not binary UUID
	MDASize    uint64   `bin:"off=96,  siz=8"`  // sectors, total across all 4 MDA regions
	ReservedSz uint64   `bin:"off=104, siz=8"`  // sectors
	_reserved1 [8]byte  `bin:"off=112, siz=8"`
	InitTime   uint64   `bin:"off=120, siz=8"` // seconds since epoch
	_reserved2 [384]byte `bin:"off=128, siz=384"`

	binstruct.End `bin:"off=512"`
}

// header is the in-memory, typed view of a Sigblock; Sigblock itself
// only exists to be the wire encoding.
type Header struct {
	DeviceSize SectorAddr
	Version    uint8
	Ids        DeviceIdentifiers
	MDASize    SectorAddr
	ReservedSz SectorAddr
	InitTime   uint64
}

func (h Header) toSigblock() (Sigblock, error) {
	var sb Sigblock
	sb.Magic = magic
	sb.DeviceSize = uint64(h.DeviceSize)
	sb.Version = h.Version
	poolHex := h.Ids.PoolUUID.String()
	devHex := h.Ids.DevUUID.String()
	if len(poolHex) != 32 || len(devHex) != 32 {
		return sb, fmt.Errorf("internal error: hex-encoded UUID is not 32 chars")
	}
	copy(sb.PoolUUID[:], poolHex)
	copy(sb.DevUUID[:], devHex)
	sb.MDASize = uint64(h.MDASize)
	sb.ReservedSz = uint64(h.ReservedSz)
	sb.InitTime = h.InitTime
	return sb, nil
}

func (sb Sigblock) toHeader() (Header, error) {
	var h Header
	h.DeviceSize = SectorAddr(sb.DeviceSize)
	h.Version = sb.Version
	poolUUID, err := ParseUUID(string(sb.PoolUUID[:]))
	if err != nil {
		return h, fmt.Errorf("pool uuid: %w", err)
	}
	devUUID, err := ParseUUID(string(sb.DevUUID[:]))
	if err != nil {
		return h, fmt.Errorf("dev uuid: %w", err)
	}
	h.Ids = DeviceIdentifiers{PoolUUID: PoolUUID(poolUUID), DevUUID: DevUUID(devUUID)}
	h.MDASize = SectorAddr(sb.MDASize)
	h.ReservedSz = SectorAddr(sb.ReservedSz)
	h.InitTime = sb.InitTime
	return h, nil
}

// calculateChecksum computes the CRC-32C of bytes 4..512 of the
// marshaled sigblock (everything after the Checksum field itself).
func (sb Sigblock) calculateChecksum() (uint32, error) {
	data, err := binstruct.Marshal(sb)
	if err != nil {
		return 0, err
	}
	return crc32c(data[4:]), nil
}

// EncodeHeader marshals a Header to its 512-byte on-disk form, with a
// freshly computed checksum.
func EncodeHeader(h Header) ([]byte, error) {
	sb, err := h.toSigblock()
	if err != nil {
		return nil, err
	}
	sum, err := sb.calculateChecksum()
	if err != nil {
		return nil, err
	}
	sb.Checksum = sum
	return binstruct.Marshal(sb)
}

// ErrNotOurs is returned by DecodeHeader when the magic bytes are
// absent: the sector does not contain one of our sigblocks at all
// (distinct from it containing a corrupt one).
var ErrNotOurs = fmt.Errorf("magic bytes absent: not a pool sigblock")

// DecodeHeader parses and validates one 512-byte sigblock sector (§4.2
// steps 1-4): magic check, CRC check, version check, field parse.
func DecodeHeader(dat []byte) (Header, error) {
	var sb Sigblock
	if _, err := binstruct.Unmarshal(dat, &sb); err != nil {
		return Header{}, fmt.Errorf("decode sigblock: %w", err)
	}
	if sb.Magic != magic {
		return Header{}, ErrNotOurs
	}
	sum, err := sb.calculateChecksum()
	if err != nil {
		return Header{}, err
	}
	if sum != sb.Checksum {
		return Header{}, fmt.Errorf("sigblock checksum mismatch: stored=%#x calculated=%#x", sb.Checksum, sum)
	}
	if sb.Version != SigblockVersion1 && sb.Version != SigblockVersion2 {
		return Header{}, fmt.Errorf("unsupported sigblock version %d", sb.Version)
	}
	return sb.toHeader()
}
