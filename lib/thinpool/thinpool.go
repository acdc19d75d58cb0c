// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package thinpool wraps the kernel dm-thin-pool target (§4.7): the
// pool-level state machine that tracks whether the pool is accepting
// new allocations, the thin-device registry each filesystem is backed
// by, and the overprovisioning and low-water-mark checks that move the
// pool between states.
package thinpool

import (
	"fmt"

	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
)

// State is the thin-pool's operational state (§4.7). Initial is
// pre-construction; Good accepts all requests; Extending is a
// transient state while a grow is in flight; OutOfSpace rejects new
// writes until the pool is extended; Failed is terminal.
type State int

const (
	Initial State = iota
	Good
	Extending
	OutOfSpace
	Failed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "Initial"
	case Good:
		return "Good"
	case Extending:
		return "Extending"
	case OutOfSpace:
		return "OutOfSpace"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// filesystem is one thin device's live bookkeeping. The filesystem's
// own size and mount state live in lib/poolfs; this is just the
// thin-pool-level registry entry that create/snapshot/destroy
// operate on.
type filesystem struct {
	Name           string
	ThinID         uint32
	SizeLimit      uint64
	MergeScheduled bool
	OriginThinID   *uint32
}

// ThinPool is the dm-thin-pool wrapper for one pool (§4.7).
type ThinPool struct {
	dataBlockSize int64 // sectors
	featureArgs   []string

	state State

	filesystems map[uint32]*filesystem

	metaPath  string
	sparePath string
	dataPath  string
}

// New constructs a ThinPool that has not yet been created against the
// kernel.
func New(dataBlockSize int64, featureArgs []string) *ThinPool {
	return &ThinPool{
		dataBlockSize: dataBlockSize,
		featureArgs:   append([]string{}, featureArgs...),
		state:         Initial,
		filesystems:   map[uint32]*filesystem{},
	}
}

func (t *ThinPool) State() State { return t.state }

// transition enforces the state machine's legal edges (§4.7): Good can
// go to Extending, OutOfSpace, or Failed; Extending returns to Good;
// OutOfSpace returns to Good once space is freed; Failed never leaves.
func (t *ThinPool) transition(to State) error {
	if t.state == Failed {
		return poolerr.New(poolerr.Invalid, "thin pool has failed and cannot change state")
	}
	switch to {
	case Good:
		if t.state != Initial && t.state != Extending && t.state != OutOfSpace && t.state != Good {
			return poolerr.Errorf(poolerr.Invalid, "cannot transition from %v to %v", t.state, to)
		}
	case Extending:
		if t.state != Good {
			return poolerr.Errorf(poolerr.Invalid, "cannot transition from %v to %v", t.state, to)
		}
	case OutOfSpace:
		if t.state != Good {
			return poolerr.Errorf(poolerr.Invalid, "cannot transition from %v to %v", t.state, to)
		}
	case Failed:
		// reachable from any non-Failed state
	case Initial:
		return poolerr.New(poolerr.Invalid, "cannot transition back to Initial")
	}
	t.state = to
	return nil
}

// requireAcceptingRequests is the guard every request-accepting operation uses:
// Extending still accepts filesystem-registry operations (they don't
// touch the data device directly), but OutOfSpace and Failed refuse.
func (t *ThinPool) requireAcceptingRequests() error {
	switch t.state {
	case Good, Extending:
		return nil
	case OutOfSpace:
		return poolerr.New(poolerr.OutOfSpace, "thin pool is out of data space")
	case Failed:
		return poolerr.New(poolerr.Invalid, "thin pool has failed")
	default:
		return poolerr.Errorf(poolerr.Invalid, "thin pool is not yet created (state %v)", t.state)
	}
}

// checkAncestryAcyclic is a guard against the snapshot-ancestry forming
// a cycle: a thin ID can never be its own ancestor. Since origins must
// already exist in the registry before a snapshot is taken, a cycle
// can only arise if the caller passes an origin chain this registry
// doesn't recognize, or a self-reference; both are rejected here.
func (t *ThinPool) checkAncestryAcyclic(newID, originID uint32) error {
	if newID == originID {
		return poolerr.New(poolerr.Invalid, "a filesystem cannot be its own origin")
	}
	seen := map[uint32]bool{newID: true}
	cur := originID
	for {
		if seen[cur] {
			return poolerr.New(poolerr.Invalid, "snapshot origin chain contains a cycle")
		}
		seen[cur] = true
		fs, ok := t.filesystems[cur]
		if !ok || fs.OriginThinID == nil {
			return nil
		}
		cur = *fs.OriginThinID
	}
}
