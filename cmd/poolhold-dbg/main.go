// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command poolhold-dbg reads a device's static header and saved
// metadata region without going through the activation or locking
// machinery the live daemon uses, for inspecting a device that won't
// assemble. It reads through poolmeta.ReadBDA, which rewrites a
// sigblock copy that fails to decode; on the read-only handle opened
// here that write fails and is reported as an error.
package main

import (
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"

	"git.lukeshu.com/pool-progs-ng/lib/diskio"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s DEVICE\n", os.Args[0])
		os.Exit(2)
	}
	if err := Main(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func Main(devicePath string) (err error) {
	maybeSetErr := func(_err error) {
		if _err != nil && err == nil {
			err = _err
		}
	}

	f, err := os.OpenFile(devicePath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer func() {
		maybeSetErr(f.Close())
	}()
	dev := &diskio.OSFile[int64]{File: f}

	bda, err := poolmeta.ReadBDA(dev)
	if err != nil {
		return fmt.Errorf("read static header: %w", err)
	}

	dumper := spew.NewDefaultConfig()
	dumper.DisablePointerAddresses = true

	header := bda.Header()
	fmt.Printf("device %s:\n", devicePath)
	fmt.Printf("  pool_uuid:  %s\n", header.Ids.PoolUUID)
	fmt.Printf("  dev_uuid:   %s\n", header.Ids.DevUUID)
	fmt.Printf("  version:    %d\n", header.Version)
	dumper.Dump(header)

	payload, ts, err := bda.LoadState()
	if err != nil {
		fmt.Printf("no saved metadata: %v\n", err)
		return nil
	}
	fmt.Printf("saved metadata timestamp: %v\n", ts)

	save, err := poolmeta.DecodePoolSave(payload)
	if err != nil {
		return fmt.Errorf("decode saved metadata: %w", err)
	}
	dumper.Dump(save)

	return nil
}
