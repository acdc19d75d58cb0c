// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package poolfs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
)

func run(ctx context.Context, name string, arg ...string) (string, error) {
	dlog.Debugf(ctx, "poolfs: running %s %v", name, arg)
	cmd := exec.CommandContext(ctx, name, arg...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", poolerr.Wrap(poolerr.Io, fmt.Sprintf("%s %v: %s", name, arg, stderr.String()), err)
	}
	return stdout.String(), nil
}

func uuidString(u [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

var xfsVersionRe = regexp.MustCompile(`version (\d+)\.(\d+)\.(\d+)`)

// supportsSmallNrext64 reports whether the installed mkfs.xfs is new
// enough to take -i nrext64=0 (§6.3: "small-nrext64 iff version >=
// 6.0.0"). Parse failure is treated as "no" rather than fatal, since a
// missing flag degrades gracefully while a crash on a bespoke version
// string would not.
func supportsSmallNrext64(ctx context.Context) bool {
	out, err := run(ctx, "mkfs.xfs", "-V")
	if err != nil {
		return false
	}
	m := xfsVersionRe.FindStringSubmatch(out)
	if m == nil {
		return false
	}
	major, _ := strconv.Atoi(m[1])
	return major >= 6
}

// Format creates a new XFS filesystem on devicePath stamped with
// xfsUUID as its XFS UUID, so two thin devices snapshotted from one
// origin never collide (P10).
func Format(ctx context.Context, devicePath string, xfsUUID [16]byte) error {
	args := []string{"-f", "-m", "uuid=" + uuidString(xfsUUID)}
	if supportsSmallNrext64(ctx) {
		args = append(args, "-i", "nrext64=0")
	}
	args = append(args, devicePath)
	_, err := run(ctx, "mkfs.xfs", args...)
	return err
}

// rewriteUUID stamps devicePath (not mounted) with a fresh XFS UUID,
// used after a snapshot to break the origin/snapshot UUID collision
// (§4.7 snapshot_filesystem, P10).
func rewriteUUID(ctx context.Context, devicePath string, xfsUUID [16]byte) error {
	_, err := run(ctx, "xfs_db", "-x", "-c", "uuid "+uuidString(xfsUUID), devicePath)
	return err
}

// cleanLog mounts and immediately unmounts devicePath with the
// "nouuid" option, the documented way to flush a copied XFS log
// before xfs_db can safely rewrite its UUID (§4.7).
func cleanLog(ctx context.Context, devicePath, scratchMountPoint string) error {
	if _, err := run(ctx, "mount", "-o", "nouuid", devicePath, scratchMountPoint); err != nil {
		return err
	}
	_, err := run(ctx, "umount", scratchMountPoint)
	return err
}

// Snapshot gives a freshly created thin-device snapshot its own XFS
// identity: if the origin is mounted (so the snapshot shares its dirty
// log), the snapshot is mounted and unmounted once with nouuid to
// clean the log, then its UUID is rewritten (§4.7).
func Snapshot(ctx context.Context, devicePath string, originMounted bool, scratchMountPoint string, newXFSUuid [16]byte) error {
	if originMounted {
		if err := cleanLog(ctx, devicePath, scratchMountPoint); err != nil {
			return err
		}
	}
	return rewriteUUID(ctx, devicePath, newXFSUuid)
}

// Grow runs xfs_growfs against the filesystem mounted at mountPoint
// after its backing thin device has already been extended.
func Grow(ctx context.Context, mountPoint string) error {
	_, err := run(ctx, "xfs_growfs", mountPoint, "-d")
	return err
}

// freeBytes reads statvfs(2) free-space accounting for mountPoint.
func freeBytes(mountPoint string) (free, total int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mountPoint, &st); err != nil {
		return 0, 0, poolerr.Wrap(poolerr.Io, "statfs "+mountPoint, err)
	}
	free = int64(st.Bfree) * int64(st.Bsize)
	total = int64(st.Blocks) * int64(st.Bsize)
	return free, total, nil
}

// Check implements the filesystem's §4.8 check(): if the mounted
// filesystem's free space has fallen below FILESYSTEM_LOWATER, grow
// its thin device (via growThin, called with the new size in sectors,
// which returns an error if no more space could be granted) and run
// xfs_growfs. On xfs_growfs failure the thin device size is rolled
// back via shrinkThin and the error is returned so the caller can
// escalate pool-wide action availability. Returns the size delta in
// sectors, or 0 if no growth was needed.
func (f *Filesystem) Check(ctx context.Context, mountPoint string, growThin func(newSize int64) error, shrinkThin func(oldSize int64) error) (int64, error) {
	if mountPoint == "" {
		return 0, nil // not mounted: statvfs has nothing to read
	}
	free, total, err := freeBytes(mountPoint)
	if err != nil {
		return 0, err
	}
	if !belowLowWater(free, total) {
		return 0, nil
	}
	target := f.growTarget()
	if target == 0 {
		return 0, nil // already at SizeLimit
	}
	oldSize := f.Size
	if err := growThin(target); err != nil {
		return 0, err
	}
	f.Size = target
	if err := Grow(ctx, mountPoint); err != nil {
		if rbErr := shrinkThin(oldSize); rbErr != nil {
			dlog.Errorf(ctx, "poolfs: rollback to size %d also failed: %v", oldSize, rbErr)
		}
		f.Size = oldSize
		return 0, poolerr.Wrap(poolerr.Invalid, "xfs_growfs failed, thin device rolled back", err)
	}
	return target - oldSize, nil
}

// Destroy is a no-op placeholder for symmetry with the other
// components' lifecycle methods: tearing down the thin device itself
// is lib/thinpool's DestroyFilesystems, and there is no XFS-level
// state left to release once that happens.
func (f *Filesystem) Destroy() {}

// mountOptionSet splits a mount options string for membership checks,
// e.g. detecting whether a filesystem is currently mounted nouuid.
func mountOptionSet(opts string) map[string]bool {
	set := map[string]bool{}
	for _, o := range strings.Split(opts, ",") {
		set[o] = true
	}
	return set
}
