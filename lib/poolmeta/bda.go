// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolmeta

import (
	"fmt"

	"git.lukeshu.com/pool-progs-ng/lib/diskio"
)

// Layout constants (§3.2): two copies of the static header, then four
// MDA regions, then the caller-reserved tail (crypt metadata, etc).
const (
	SigblockASector = SectorAddr(1)
	SigblockBSector = SectorAddr(8)
	MDAStartSector  = SectorAddr(16)
	NumMDARegions   = 4
)

// syncer is satisfied by diskio.OSFile (which embeds *os.File); BDA
// fsyncs after every write where the underlying file supports it.
type syncer interface {
	Sync() error
}

func syncIfPossible(f any) error {
	if s, ok := f.(syncer); ok {
		return s.Sync()
	}
	return nil
}

func readAt(f diskio.File[int64], off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeAt(f diskio.File[int64], off int64, dat []byte) error {
	_, err := f.WriteAt(dat, off)
	return err
}

func sectorOffset(s SectorAddr) int64 { return int64(s) * SectorSize }

// BDA ("block device area") is the in-memory handle for the fixed
// metadata layout at the front of one data device: the two sigblock
// copies and the four MDA regions. It is the single source of truth
// for what that device's on-disk bytes currently say (§9); everything
// above it (lib/blockdev and up) goes through it rather than touching
// sectors directly.
type BDA struct {
	dev    diskio.File[int64]
	header Header
	// regionSize is MDASize/4, in sectors.
	regionSize SectorAddr
}

// Header returns the last-known static header. It does not re-read
// the device.
func (b *BDA) Header() Header { return b.header }

// readSigblockSlot reads and decodes the sigblock at sector, returning
// (header, true, nil) on success, (zero, false, nil) if the sector is
// readable but not one of ours or fails validation, and (zero, false,
// err) only for an I/O-level failure.
func readSigblockSlot(dev diskio.File[int64], sector SectorAddr) (Header, bool, error) {
	dat, err := readAt(dev, sectorOffset(sector), SectorSize)
	if err != nil {
		return Header{}, false, err
	}
	h, err := DecodeHeader(dat)
	if err != nil {
		return Header{}, false, nil //nolint:nilerr // decode failure is not an I/O failure
	}
	return h, true, nil
}

// ReadBDA implements the dual-sigblock reconciliation rule (§4.2):
// read both copies, reconcile, repair whichever copy disagreed with
// the reconciled result, and return a ready-to-use *BDA.
//
//   - both decode and are identical        -> use it, no repair needed
//   - both decode but disagree             -> ambiguous, report an error
//   - one decodes, the other doesn't       -> use the one that decoded,
//     repair the other
//   - neither decodes (no I/O error)       -> this device is not ours
//   - one decode fails due to I/O error    -> use the other if it decoded,
//     repair the failed slot once the I/O error clears
//   - both fail due to I/O error           -> report the I/O error
func ReadBDA(dev diskio.File[int64]) (*BDA, error) {
	hdrA, okA, errA := readSigblockSlot(dev, SigblockASector)
	hdrB, okB, errB := readSigblockSlot(dev, SigblockBSector)

	switch {
	case errA != nil && errB != nil:
		return nil, fmt.Errorf("read sigblocks: both copies unreadable: %w / %w", errA, errB)
	case okA && okB:
		if hdrA != hdrB {
			return nil, fmt.Errorf("sigblock copies at sector %d and %d disagree", SigblockASector, SigblockBSector)
		}
		return newBDA(dev, hdrA), nil
	case okA && !okB:
		b := newBDA(dev, hdrA)
		if errB == nil {
			if err := b.repairSigblock(SigblockBSector); err != nil {
				return nil, fmt.Errorf("repair sigblock at sector %d: %w", SigblockBSector, err)
			}
		}
		return b, nil
	case okB && !okA:
		b := newBDA(dev, hdrB)
		if errA == nil {
			if err := b.repairSigblock(SigblockASector); err != nil {
				return nil, fmt.Errorf("repair sigblock at sector %d: %w", SigblockASector, err)
			}
		}
		return b, nil
	default:
		if errA != nil {
			return nil, fmt.Errorf("read sigblock at sector %d: %w", SigblockASector, errA)
		}
		if errB != nil {
			return nil, fmt.Errorf("read sigblock at sector %d: %w", SigblockBSector, errB)
		}
		return nil, ErrNotOurs
	}
}

func newBDA(dev diskio.File[int64], h Header) *BDA {
	return &BDA{
		dev:        dev,
		header:     h,
		regionSize: h.MDASize / NumMDARegions,
	}
}

// sigblockPadSectors are the zero-pad sectors belonging to each
// sigblock copy (§3.2): copy A owns the zero sector ahead of it plus
// its six trailing pad sectors, copy B owns its seven trailing pad
// sectors. Writing one side never touches the other side's sectors
// (§4.2's "seek...skips the other side's 8 sectors without disturbing
// them").
var sigblockPadSectors = map[SectorAddr][]SectorAddr{
	SigblockASector: {0, 2, 3, 4, 5, 6, 7},
	SigblockBSector: {9, 10, 11, 12, 13, 14, 15},
}

func (b *BDA) writeSigblockCopy(sector SectorAddr, dat []byte) error {
	if err := writeAt(b.dev, sectorOffset(sector), dat); err != nil {
		return err
	}
	zero := make([]byte, SectorSize)
	for _, pad := range sigblockPadSectors[sector] {
		if err := writeAt(b.dev, sectorOffset(pad), zero); err != nil {
			return err
		}
	}
	return syncIfPossible(b.dev)
}

func (b *BDA) repairSigblock(sector SectorAddr) error {
	dat, err := EncodeHeader(b.header)
	if err != nil {
		return err
	}
	return b.writeSigblockCopy(sector, dat)
}

// FormatBDA initializes a fresh device: writes both sigblock copies
// and zeroes all four MDA regions. The caller has already verified
// deviceSize/mdaSize/reservedSz are consistent with the device's
// actual capacity (lib/blockdev's job, not this package's).
func FormatBDA(dev diskio.File[int64], ids DeviceIdentifiers, deviceSize, mdaSize, reservedSz SectorAddr, initTime uint64) (*BDA, error) {
	h := Header{
		DeviceSize: deviceSize,
		Version:    SigblockVersion1,
		Ids:        ids,
		MDASize:    mdaSize,
		ReservedSz: reservedSz,
		InitTime:   initTime,
	}
	dat, err := EncodeHeader(h)
	if err != nil {
		return nil, err
	}
	b := newBDA(dev, h)
	for _, sector := range []SectorAddr{SigblockASector, SigblockBSector} {
		if err := b.writeSigblockCopy(sector, dat); err != nil {
			return nil, fmt.Errorf("write sigblock at sector %d: %w", sector, err)
		}
	}
	zero := make([]byte, mdaHeaderSize)
	for i := 0; i < NumMDARegions; i++ {
		if err := writeAt(dev, b.regionOffset(i), zero); err != nil {
			return nil, fmt.Errorf("zero mda region %d: %w", i, err)
		}
	}
	if err := syncIfPossible(dev); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BDA) regionOffset(index int) int64 {
	return sectorOffset(MDAStartSector.Add(int64(index) * int64(b.regionSize)))
}

func (b *BDA) regionSizeBytes() int {
	return int(b.regionSize) * SectorSize
}

// readRegion reads and validates one MDA region, tolerating I/O
// failure and validation failure alike by reporting them through ok.
func (b *BDA) readRegion(index int) (mdaRegion, bool) {
	dat, err := readAt(b.dev, b.regionOffset(index), b.regionSizeBytes())
	if err != nil {
		return mdaRegion{}, false
	}
	region, ok, err := decodeMDARegion(index, dat)
	if err != nil || !ok {
		return mdaRegion{}, false
	}
	return region, true
}

// effectiveSlot resolves one of the two logical slots (primary index
// 0 or 1) by falling back to its mirror (index+2) when the primary
// copy fails to read or validate (§4.2's "Load payload" rule).
func (b *BDA) effectiveSlot(primary int) (mdaRegion, bool) {
	if r, ok := b.readRegion(primary); ok {
		return r, true
	}
	return b.readRegion(primary + 2)
}

// LoadState returns the current metadata payload: the newer of the
// two logical slots, each falling back to its mirror on failure.
func (b *BDA) LoadState() ([]byte, Timestamp, error) {
	a, okA := b.effectiveSlot(0)
	c, okC := b.effectiveSlot(1)
	switch {
	case okA && okC:
		if a.ts.After(c.ts) {
			return a.payload, a.ts, nil
		}
		return c.payload, c.ts, nil
	case okA:
		return a.payload, a.ts, nil
	case okC:
		return c.payload, c.ts, nil
	default:
		return nil, Timestamp{}, fmt.Errorf("mda regions: all four copies unreadable or invalid")
	}
}

// Repair reconciles all four regions against majority timestamp
// agreement: if three or more readable copies agree on a timestamp
// but one does not (a write that completed its primary but crashed
// before its mirror, or vice versa), the minority copy is overwritten
// to match. This resolves the four-copy-disagreement case that a
// two-slot newer-wins read can otherwise leave unrepaired.
func (b *BDA) Repair() error {
	type read struct {
		region mdaRegion
		ok     bool
	}
	reads := make([]read, NumMDARegions)
	for i := 0; i < NumMDARegions; i++ {
		r, ok := b.readRegion(i)
		reads[i] = read{region: r, ok: ok}
	}

	tally := map[Timestamp]int{}
	for _, r := range reads {
		if r.ok {
			tally[r.region.ts]++
		}
	}
	if len(tally) < 2 {
		return nil // nothing to reconcile: at most one distinct generation present
	}
	var majority Timestamp
	best := -1
	for ts, n := range tally {
		if n > best {
			best, majority = n, ts
		}
	}
	var majorityPayload []byte
	for _, r := range reads {
		if r.ok && r.region.ts == majority {
			majorityPayload = r.region.payload
			break
		}
	}
	dat, err := encodeMDAHeader(majority, majorityPayload)
	if err != nil {
		return err
	}
	padded := make([]byte, b.regionSizeBytes())
	copy(padded, dat)
	copy(padded[mdaPayloadOffset:], majorityPayload)
	for i, r := range reads {
		if r.ok && r.region.ts == majority {
			continue
		}
		if err := writeAt(b.dev, b.regionOffset(i), padded); err != nil {
			return fmt.Errorf("repair mda region %d: %w", i, err)
		}
	}
	return syncIfPossible(b.dev)
}

// SaveState writes a new metadata payload (§4.2's "Write metadata
// payload" steps): it targets whichever logical slot (0 or 1) is
// currently older, rejecting the write outright if ts is not strictly
// newer than every readable copy (I5) or if payload does not fit.
func (b *BDA) SaveState(ts Timestamp, payload []byte) error {
	if err := validatePayloadLength(payload, b.regionSizeBytes()); err != nil {
		return err
	}

	a, okA := b.effectiveSlot(0)
	c, okC := b.effectiveSlot(1)

	var newest Timestamp
	haveNewest := false
	target := 0
	switch {
	case okA && okC:
		if a.ts.After(c.ts) {
			newest, haveNewest = a.ts, true
			target = 1
		} else {
			newest, haveNewest = c.ts, true
			target = 0
		}
	case okA:
		newest, haveNewest = a.ts, true
		target = 1
	case okC:
		newest, haveNewest = c.ts, true
		target = 0
	default:
		target = 0
	}
	if haveNewest && !ts.After(newest) {
		return fmt.Errorf("save rejected: timestamp %+v is not newer than current %+v", ts, newest)
	}

	dat, err := encodeMDAHeader(ts, payload)
	if err != nil {
		return err
	}
	padded := make([]byte, b.regionSizeBytes())
	copy(padded, dat)
	copy(padded[mdaPayloadOffset:], payload)

	for _, index := range []int{target, target + 2} {
		if err := writeAt(b.dev, b.regionOffset(index), padded); err != nil {
			return fmt.Errorf("write mda region %d: %w", index, err)
		}
	}
	return syncIfPossible(b.dev)
}
