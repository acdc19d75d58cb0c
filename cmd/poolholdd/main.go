// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command poolholdd is the long-lived pool daemon (§4.10): it watches
// for block devices appearing, changing, and disappearing, assembles
// pools out of whatever it recognizes, and keeps the registry engine
// (lib/engine) they're attached to running for as long as the process
// lives.
package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/s-urbaniak/uevent"
	"github.com/spf13/cobra"

	"git.lukeshu.com/pool-progs-ng/lib/cryptdev"
	"git.lukeshu.com/pool-progs-ng/lib/engine"
	"git.lukeshu.com/pool-progs-ng/lib/liminal"
	"git.lukeshu.com/pool-progs-ng/lib/profile"
	"git.lukeshu.com/pool-progs-ng/lib/textui"
)

func main() {
	logLevel := textui.LogLevelFlag{Level: dlog.LogLevelInfo}

	argparser := &cobra.Command{
		Use:           "poolholdd",
		Short:         "assemble and serve storage pools out of block devices as they appear",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := dlog.WithLogger(cmd.Context(), textui.NewLogger(os.Stderr, logLevel.Level))
			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
			grp.Go("discovery", runDaemon)
			return grp.Wait()
		},
	}
	argparser.PersistentFlags().Var(&logLevel, "verbosity", "set the verbosity")
	stopProfiling := profile.AddProfileFlags(argparser.PersistentFlags(), "profile-")

	err := argparser.ExecuteContext(context.Background())
	if stopErr := stopProfiling(); stopErr != nil {
		dlog.Errorf(context.Background(), "poolholdd: stop profiling: %v", stopErr)
	}
	if err != nil {
		dlog.Errorf(context.Background(), "poolholdd: %v", err)
		os.Exit(1)
	}
}

// runDaemon wires an engine and its attached discovery loop together
// (the two-step construction lib/engine.New/lib/liminal.New/
// Engine.SetLiminal needs to avoid a package import cycle), then feeds
// it both the devices already present at startup and every subsequent
// kernel uevent, mirroring cmd/minitrd's own startup-scan-then-
// subscribe sequence.
func runDaemon(ctx context.Context) error {
	eng := engine.New()
	lim := liminal.New(liminal.NewProber(), eng, liminal.UnlockMethod{Mechanism: cryptdev.MechanismAny})
	eng.SetLiminal(lim)

	r, err := uevent.NewReader()
	if err != nil {
		return err
	}
	defer r.Close()

	scanExistingBlockDevices(ctx, lim)

	dec := uevent.NewDecoder(r)
	for {
		ev, err := dec.Decode()
		if err != nil {
			return err
		}
		handleUevent(ctx, lim, ev)
	}
}

// handleUevent reduces one kernel uevent down to the Add/Change/Remove
// vocabulary lib/liminal cares about. A dm-mapper device's "add" event
// fires before the mapping is actually readable, so (as cmd/minitrd
// found) only its "change" event is trustworthy; every other block
// device is ready by the time its "add" event arrives.
func handleUevent(ctx context.Context, lim *liminal.Liminal, ev *uevent.Event) {
	if ev.Subsystem != "block" {
		return
	}
	devname, ok := ev.Vars["DEVNAME"]
	if !ok {
		return
	}
	isDM := strings.HasPrefix(devname, "dm-")

	var kind liminal.EventKind
	switch {
	case ev.Action == "remove":
		kind = liminal.EventRemove
	case ev.Action == "add" && !isDM:
		kind = liminal.EventAdd
	case ev.Action == "change" && isDM:
		kind = liminal.EventChange
	default:
		return
	}

	devicePath := filepath.Join("/dev", devname)
	if err := lim.HandleEvent(ctx, time.Now(), liminal.Event{Kind: kind, DevicePath: devicePath}); err != nil {
		dlog.Errorf(ctx, "poolholdd: %s %s: %v", kind, devicePath, err)
	}
}

// scanExistingBlockDevices walks /sys/block once at startup so disks
// already enumerated before this process started (the common case
// outside an initrd) are identified without waiting on a uevent that
// will never come.
func scanExistingBlockDevices(ctx context.Context, lim *liminal.Liminal) {
	err := filepath.Walk("/sys/block", func(path string, info fs.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil //nolint:nilerr // best-effort scan; one unreadable entry shouldn't abort the rest
		}
		if path == "/sys/block" || info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		devname := filepath.Base(path)
		if strings.HasPrefix(devname, "loop") {
			return nil
		}
		devicePath := filepath.Join("/dev", devname)
		if err := lim.HandleEvent(ctx, time.Now(), liminal.Event{Kind: liminal.EventAdd, DevicePath: devicePath}); err != nil {
			dlog.Errorf(ctx, "poolholdd: startup scan %s: %v", devicePath, err)
		}
		return nil
	})
	if err != nil {
		dlog.Errorf(ctx, "poolholdd: startup scan: %v", err)
	}
}
