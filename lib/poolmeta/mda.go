// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolmeta

import (
	"fmt"

	"git.lukeshu.com/pool-progs-ng/lib/binstruct"
)

// Timestamp is the monotonic write-generation marker stored in every
// MDA region header (§3.4). Saves must be strictly increasing (I5);
// ties are impossible by construction, but Compare is total in case a
// clock ever runs backward.
type Timestamp struct {
	Sec  uint64
	Nsec uint32
}

func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Sec < o.Sec:
		return -1
	case t.Sec > o.Sec:
		return 1
	case t.Nsec < o.Nsec:
		return -1
	case t.Nsec > o.Nsec:
		return 1
	default:
		return 0
	}
}

func (t Timestamp) After(o Timestamp) bool { return t.Compare(o) > 0 }

const (
	mdaRegionHeaderVersion1 = 1
	mdaPayloadVersion1      = 1
)

// mdaHeader is the 40-byte region header that precedes the JSON
// payload in every MDA region (§3.4).
type mdaHeader struct {
	Checksum            uint32  `bin:"off=0,  siz=4"` // CRC-32C of bytes 4..40 of this header
	PayloadChecksum     uint32  `bin:"off=4,  siz=4"`
	PayloadLength       uint64  `bin:"off=8,  siz=8"` // bytes; 0 means the region has never been written
	TimestampSec        uint64  `bin:"off=16, siz=8"`
	TimestampNsec       uint32  `bin:"off=24, siz=4"`
	RegionHeaderVersion uint8   `bin:"off=28, siz=1"`
	PayloadVersion      uint8   `bin:"off=29, siz=1"`
	_reserved           [10]byte `bin:"off=30, siz=10"`

	binstruct.End `bin:"off=40"`
}

// mdaHeaderSize is also the reserved space at the front of every
// region: the payload itself starts at mdaPayloadOffset, leaving room
// for the header format to grow without relocating payloads.
const (
	mdaHeaderSize   = 40
	mdaPayloadOffset = 4096
)

func (h mdaHeader) calculateChecksum() (uint32, error) {
	dat, err := binstruct.Marshal(h)
	if err != nil {
		return 0, err
	}
	return crc32c(dat[4:]), nil
}

func encodeMDAHeader(ts Timestamp, payload []byte) ([]byte, error) {
	h := mdaHeader{
		PayloadChecksum:     crc32c(payload),
		PayloadLength:       uint64(len(payload)),
		TimestampSec:        ts.Sec,
		TimestampNsec:       ts.Nsec,
		RegionHeaderVersion: mdaRegionHeaderVersion1,
		PayloadVersion:      mdaPayloadVersion1,
	}
	sum, err := h.calculateChecksum()
	if err != nil {
		return nil, err
	}
	h.Checksum = sum
	return binstruct.Marshal(h)
}

// mdaRegion is one fully-read, fully-validated MDA region: a header
// plus the payload bytes it describes.
type mdaRegion struct {
	index   int
	ts      Timestamp
	payload []byte
}

// decodeMDARegion parses and validates the header+payload found in
// dat (which must be at least mdaPayloadOffset+payload-length bytes).
// never-written regions (PayloadLength==0 and a zero checksum) are
// reported via the ok=false, err=nil case so callers can distinguish
// "empty" from "corrupt".
func decodeMDARegion(index int, dat []byte) (region mdaRegion, ok bool, err error) {
	if len(dat) < mdaHeaderSize {
		return mdaRegion{}, false, fmt.Errorf("mda region %d: short read (%d bytes)", index, len(dat))
	}
	var h mdaHeader
	if _, err := binstruct.Unmarshal(dat[:mdaHeaderSize], &h); err != nil {
		return mdaRegion{}, false, fmt.Errorf("mda region %d: decode header: %w", index, err)
	}
	if h.PayloadLength == 0 && h.Checksum == 0 {
		return mdaRegion{}, false, nil
	}
	sum, err := h.calculateChecksum()
	if err != nil {
		return mdaRegion{}, false, err
	}
	if sum != h.Checksum {
		return mdaRegion{}, false, fmt.Errorf("mda region %d: header checksum mismatch: stored=%#x calculated=%#x", index, h.Checksum, sum)
	}
	if h.RegionHeaderVersion != mdaRegionHeaderVersion1 {
		return mdaRegion{}, false, fmt.Errorf("mda region %d: unsupported region-header version %d", index, h.RegionHeaderVersion)
	}
	end := mdaPayloadOffset + int(h.PayloadLength)
	if end > len(dat) {
		return mdaRegion{}, false, fmt.Errorf("mda region %d: payload length %d exceeds region size", index, h.PayloadLength)
	}
	payload := dat[mdaPayloadOffset:end]
	if crc32c(payload) != h.PayloadChecksum {
		return mdaRegion{}, false, fmt.Errorf("mda region %d: payload checksum mismatch", index)
	}
	return mdaRegion{
		index:   index,
		ts:      Timestamp{Sec: h.TimestampSec, Nsec: h.TimestampNsec},
		payload: payload,
	}, true, nil
}

// validatePayloadLength rejects payloads that cannot fit a region
// regardless of header reservation (§4.2's "reject if payload_length
// > region_size - 4KiB").
func validatePayloadLength(payload []byte, regionSize int) error {
	limit := regionSize - mdaPayloadOffset
	if limit < 0 {
		limit = 0
	}
	if len(payload) > limit {
		return fmt.Errorf("payload of %d bytes exceeds region capacity of %d bytes", len(payload), limit)
	}
	return nil
}
