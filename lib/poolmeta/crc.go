// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolmeta

import "hash/crc32"

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// crc32c computes the Castagnoli variant of CRC-32 used for every
// checksum in the on-disk format (§3.3, §3.4).
func crc32c(data []byte) uint32 {
	return crc32.Update(0, castagnoliTable, data)
}
