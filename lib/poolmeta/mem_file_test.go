// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolmeta_test

import (
	"fmt"
)

// memFile is a growable in-memory stand-in for a block device, just
// large enough to exercise lib/poolmeta without a real disk.
type memFile struct {
	name string
	buf  []byte
}

func newMemFile(name string, size int) *memFile {
	return &memFile{name: name, buf: make([]byte, size)}
}

func (f *memFile) Name() string { return f.name }
func (f *memFile) Size() int64  { return int64(len(f.buf)) }
func (f *memFile) Close() error { return nil }
func (f *memFile) Sync() error  { return nil }

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(f.buf) {
		return 0, fmt.Errorf("memFile.ReadAt: offset %d out of range", off)
	}
	n := copy(p, f.buf[off:])
	if n < len(p) {
		return n, fmt.Errorf("memFile.ReadAt: short read at offset %d", off)
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(f.buf) {
		return 0, fmt.Errorf("memFile.WriteAt: write at %d..%d out of range (size %d)", off, int(off)+len(p), len(f.buf))
	}
	return copy(f.buf[off:], p), nil
}
