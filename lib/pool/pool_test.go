// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/pool-progs-ng/lib/backstore"
	"git.lukeshu.com/pool-progs-ng/lib/flexlayer"
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
	"git.lukeshu.com/pool-progs-ng/lib/thinpool"
)

func newTestPool() *Pool {
	return New(poolmeta.NewPoolUUID(), poolmeta.Name("test"), backstore.New(), flexlayer.New(0), thinpool.New(128, nil))
}

func TestActionAvailabilityOnlyMovesUp(t *testing.T) {
	t.Parallel()
	p := newTestPool()
	assert.Equal(t, Full, p.Availability())

	p.escalate(NoRequests)
	assert.Equal(t, NoRequests, p.Availability())

	p.escalate(Full) // attempting to move down is a no-op
	assert.Equal(t, NoRequests, p.Availability())

	p.escalate(NoPoolChanges)
	assert.Equal(t, NoPoolChanges, p.Availability())
}

func TestRequireAvailableRejectsBelowNeed(t *testing.T) {
	t.Parallel()
	p := newTestPool()
	p.escalate(NoPoolChanges)
	assert.Error(t, p.requireAvailable(NoRequests))
	assert.NoError(t, p.requireAvailable(NoPoolChanges))
}

func TestAllocateThinIDReusesLowestFree(t *testing.T) {
	t.Parallel()
	p := newTestPool()
	id0 := p.allocateThinID()
	id1 := p.allocateThinID()
	id2 := p.allocateThinID()
	assert.EqualValues(t, 0, id0)
	assert.EqualValues(t, 1, id1)
	assert.EqualValues(t, 2, id2)

	p.filesystems[id0] = &filesystemEntry{}
	p.filesystems[id2] = &filesystemEntry{}
	delete(p.filesystems, id1)

	reused := p.allocateThinID()
	assert.EqualValues(t, 1, reused, "should reuse the freed id instead of bumping past the high-water mark")

	next := p.allocateThinID()
	assert.EqualValues(t, 3, next, "once no gap remains, allocation resumes at the high-water mark")
}

func TestRestoreNextThinIDOnlyMovesUp(t *testing.T) {
	t.Parallel()
	p := newTestPool()
	p.RestoreNextThinID(5)
	assert.EqualValues(t, 6, p.nextThinID)
	p.RestoreNextThinID(2)
	assert.EqualValues(t, 6, p.nextThinID, "restoring a lower high-water mark must not roll the counter back")
}

func TestNextSaveTimestampBumpsOnTie(t *testing.T) {
	t.Parallel()
	p := newTestPool()
	now := time.Unix(1000, 500)
	ts1 := p.nextSaveTimestamp(now)
	p.lastSaveTime = ts1
	ts2 := p.nextSaveTimestamp(now) // same wall-clock reading again
	assert.True(t, ts2.After(ts1))
}

type fakeDevice struct {
	uuid    poolmeta.DevUUID
	failing bool
	saved   int
}

func (f *fakeDevice) DevUUID() poolmeta.DevUUID { return f.uuid }
func (f *fakeDevice) SaveState(ts poolmeta.Timestamp, payload []byte) error {
	if f.failing {
		return poolerr.New(poolerr.Io, "simulated write failure")
	}
	f.saved++
	return nil
}
func (f *fakeDevice) LoadState() ([]byte, poolmeta.Timestamp, bool, error) {
	return nil, poolmeta.Timestamp{}, false, nil
}
func (f *fakeDevice) Grow(ctx context.Context) error   { return nil }
func (f *fakeDevice) Disown(ctx context.Context) error { return nil }
func (f *fakeDevice) Close() error                     { return nil }

func TestSaveSucceedsWithOneGoodDevice(t *testing.T) {
	t.Parallel()
	p := newTestPool()
	good := &fakeDevice{uuid: poolmeta.NewDevUUID()}
	bad := &fakeDevice{uuid: poolmeta.NewDevUUID(), failing: true}
	p.devices[good.uuid] = good
	p.devices[bad.uuid] = bad

	err := p.Save(context.Background(), time.Unix(100, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, good.saved)
	assert.Equal(t, Full, p.Availability())
	assert.True(t, p.degraded[bad.uuid])
}

func TestSaveEscalatesWhenEveryDeviceFails(t *testing.T) {
	t.Parallel()
	p := newTestPool()
	bad := &fakeDevice{uuid: poolmeta.NewDevUUID(), failing: true}
	p.devices[bad.uuid] = bad

	err := p.Save(context.Background(), time.Unix(100, 0))
	assert.Error(t, err)
	assert.Equal(t, NoPoolChanges, p.Availability())
}

func TestSaveRecoversDegradedDeviceOnNextSuccess(t *testing.T) {
	t.Parallel()
	p := newTestPool()
	dev := &fakeDevice{uuid: poolmeta.NewDevUUID(), failing: true}
	p.devices[dev.uuid] = dev

	require.Error(t, p.Save(context.Background(), time.Unix(100, 0)))
	assert.Len(t, p.DegradedDevices(), 1)

	dev.failing = false
	require.NoError(t, p.Save(context.Background(), time.Unix(200, 0)))
	assert.Empty(t, p.DegradedDevices())
}
