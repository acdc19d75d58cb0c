// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package thinpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionLegalEdges(t *testing.T) {
	t.Parallel()
	tp := New(128, nil)
	require.NoError(t, tp.transition(Good))
	require.NoError(t, tp.transition(Extending))
	require.NoError(t, tp.transition(Good))
	require.NoError(t, tp.transition(OutOfSpace))
	require.NoError(t, tp.transition(Good))
	require.NoError(t, tp.transition(Failed))
	assert.Error(t, tp.transition(Good))
}

func TestTransitionRejectsBackToInitial(t *testing.T) {
	t.Parallel()
	tp := New(128, nil)
	require.NoError(t, tp.transition(Good))
	assert.Error(t, tp.transition(Initial))
}

func TestAncestryCycleRejected(t *testing.T) {
	t.Parallel()
	tp := New(128, nil)
	origin := uint32(1)
	tp.filesystems[1] = &filesystem{ThinID: 1}
	tp.filesystems[2] = &filesystem{ThinID: 2, OriginThinID: &origin}

	// 1 -> (would become) 2 would close the loop 1 -> 2 -> 1.
	err := tp.checkAncestryAcyclic(1, 2)
	assert.Error(t, err)
}

func TestAncestrySelfReferenceRejected(t *testing.T) {
	t.Parallel()
	tp := New(128, nil)
	err := tp.checkAncestryAcyclic(5, 5)
	assert.Error(t, err)
}

func TestDestroyFilesystemsRefusesOrphaningSnapshot(t *testing.T) {
	t.Parallel()
	tp := New(128, nil)
	origin := uint32(1)
	tp.filesystems[1] = &filesystem{ThinID: 1}
	tp.filesystems[2] = &filesystem{ThinID: 2, OriginThinID: &origin}

	err := tp.DestroyFilesystems(nil, "p", []uint32{1})
	assert.Error(t, err)
}

func TestSetFsMergeScheduledRequiresOrigin(t *testing.T) {
	t.Parallel()
	tp := New(128, nil)
	tp.filesystems[1] = &filesystem{ThinID: 1}
	err := tp.SetFsMergeScheduled(1, true)
	assert.Error(t, err)

	origin := uint32(2)
	tp.filesystems[3] = &filesystem{ThinID: 3, OriginThinID: &origin}
	assert.NoError(t, tp.SetFsMergeScheduled(3, true))
}

func TestParseStatusHealthy(t *testing.T) {
	t.Parallel()
	s, err := parseStatus("0 204800 thin-pool 128/4096 51200/204800 - rw discard_passdown queue_if_no_space -")
	require.NoError(t, err)
	assert.EqualValues(t, 128, s.UsedMetaBlocks)
	assert.EqualValues(t, 4096, s.TotalMetaBlocks)
	assert.EqualValues(t, 51200, s.UsedDataBlocks)
	assert.EqualValues(t, 204800, s.TotalDataBlocks)
	assert.True(t, s.Healthy)
}

func TestParseStatusNeedsCheck(t *testing.T) {
	t.Parallel()
	s, err := parseStatus("0 204800 thin-pool 128/4096 51200/204800 - rw needs_check")
	require.NoError(t, err)
	assert.False(t, s.Healthy)
}

func TestParseStatusMalformed(t *testing.T) {
	t.Parallel()
	_, err := parseStatus("garbage")
	assert.Error(t, err)
}

func TestBelowLowWater(t *testing.T) {
	t.Parallel()
	assert.True(t, belowLowWater(198000, 200000))  // 1% free
	assert.False(t, belowLowWater(100000, 200000)) // 50% free
	assert.False(t, belowLowWater(0, 0))
}
