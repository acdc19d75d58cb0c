// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolfs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
)

// devno identifies a block device by the (major, minor) pair mountinfo
// reports it under.
type devno struct {
	major, minor uint32
}

// mountEntry is the subset of a /proc/self/mountinfo line poolfs cares
// about: where a device is mounted and with what options.
type mountEntry struct {
	mountPoint string
	options    string
}

// mountCacheSize bounds the mount-point lookup cache; a host running
// this engine has at most a few hundred filesystems active at once.
const mountCacheSize = 512

// MountIndex answers "where, if anywhere, is device (major, minor)
// mounted", backed by an LRU cache over repeated /proc/self/mountinfo
// reads so a check() pass across many filesystems doesn't reparse the
// file once per filesystem.
type MountIndex struct {
	cache *lru.Cache
	read  func() (io.ReadCloser, error)
}

// NewMountIndex constructs a MountIndex reading the real
// /proc/self/mountinfo. Tests substitute read to avoid touching the
// host's mount table.
func NewMountIndex() *MountIndex {
	cache, err := lru.New(mountCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size, which mountCacheSize is not
	}
	return &MountIndex{
		cache: cache,
		read:  func() (io.ReadCloser, error) { return os.Open("/proc/self/mountinfo") },
	}
}

// Lookup returns the mount point for the device numbered (major,
// minor), or ok=false if it is not currently mounted. A cache hit
// skips reparsing mountinfo; a miss reparses once (mount state changes
// underneath this process, so a cached miss is never trusted) and
// Invalidate exists for callers that know the table changed out from
// under a previously cached hit.
func (m *MountIndex) Lookup(major, minor uint32) (string, bool, error) {
	e, ok, err := m.lookupEntry(major, minor)
	if !ok || err != nil {
		return "", false, err
	}
	return e.mountPoint, true, nil
}

func (m *MountIndex) lookupEntry(major, minor uint32) (mountEntry, bool, error) {
	key := devno{major, minor}
	if v, ok := m.cache.Get(key); ok {
		return v.(mountEntry), true, nil
	}
	if err := m.reload(); err != nil {
		return mountEntry{}, false, err
	}
	v, ok := m.cache.Get(key)
	if !ok {
		return mountEntry{}, false, nil
	}
	return v.(mountEntry), true, nil
}

// Invalidate drops the cached table, forcing the next Lookup to
// reparse mountinfo. Call after a mount or unmount this process
// performed.
func (m *MountIndex) Invalidate() {
	m.cache.Purge()
}

func (m *MountIndex) reload() error {
	f, err := m.read()
	if err != nil {
		return poolerr.Wrap(poolerr.Io, "open mountinfo", err)
	}
	defer f.Close()
	entries, err := parseMountinfo(f)
	if err != nil {
		return err
	}
	m.cache.Purge()
	for dev, ent := range entries {
		m.cache.Add(dev, ent)
	}
	return nil
}

// parseMountinfo parses the kernel's mountinfo format (proc(5)):
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
//
// Fields are: mount id, parent id, major:minor, root, mount point,
// mount options, optional fields..., a "-" separator, filesystem
// type, mount source, super options. Only major:minor, mount point,
// and the options are kept; the mount options and super options are
// joined into one comma-separated list.
func parseMountinfo(r io.Reader) (map[devno]mountEntry, error) {
	out := map[devno]mountEntry{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		major, minor, err := splitDevno(fields[2])
		if err != nil {
			continue
		}
		sepIdx := -1
		for i := 6; i < len(fields); i++ {
			if fields[i] == "-" {
				sepIdx = i
				break
			}
		}
		if sepIdx < 0 || sepIdx+2 >= len(fields) {
			continue
		}
		opts := fields[5]
		if sepIdx+3 < len(fields) {
			opts += "," + fields[sepIdx+3]
		}
		out[devno{major, minor}] = mountEntry{
			mountPoint: unescapeOctal(fields[4]),
			options:    opts,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, poolerr.Wrap(poolerr.Io, "scan mountinfo", err)
	}
	return out, nil
}

func splitDevno(s string) (uint32, uint32, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, poolerr.Errorf(poolerr.Invalid, "malformed major:minor %q", s)
	}
	major, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	minor, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(major), uint32(minor), nil
}

// unescapeOctal undoes the \NNN octal escaping mountinfo applies to
// spaces, tabs, newlines, and backslashes in paths.
func unescapeOctal(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func (d devno) String() string { return fmt.Sprintf("%d:%d", d.major, d.minor) }
