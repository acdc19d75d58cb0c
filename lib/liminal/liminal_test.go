// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liminal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/pool-progs-ng/lib/pool"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
)

// fakeProber returns a canned classification per device path, so
// discovery logic can be exercised without real block devices.
type fakeProber struct {
	byPath map[string]DeviceInfo
}

func (f fakeProber) Probe(_ context.Context, devicePath string) (DeviceInfo, bool, error) {
	info, ok := f.byPath[devicePath]
	return info, ok, nil
}

// fakeRegistrar records what Liminal hands it, so tests can assert on
// assembly outcomes without a real lib/engine.
type fakeRegistrar struct {
	registered   []*pool.Pool
	deregistered []poolmeta.PoolUUID
}

func (r *fakeRegistrar) RegisterPool(p *pool.Pool) { r.registered = append(r.registered, p) }
func (r *fakeRegistrar) DeregisterPool(uuid poolmeta.PoolUUID) {
	r.deregistered = append(r.deregistered, uuid)
}

func TestHandleEventIgnoresUnrecognizedDevices(t *testing.T) {
	t.Parallel()
	prober := fakeProber{byPath: map[string]DeviceInfo{}}
	reg := &fakeRegistrar{}
	l := New(prober, reg, UnlockMethod{})

	err := l.HandleEvent(context.Background(), time.Now(), Event{Kind: EventAdd, DevicePath: "/dev/sdz"})
	require.NoError(t, err)
	assert.Empty(t, l.stoppedSets)
	assert.Empty(t, reg.registered)
}

func TestHandleEventRecordsIncompleteSetAndWaits(t *testing.T) {
	t.Parallel()
	poolUUID := poolmeta.NewPoolUUID()
	devUUID := poolmeta.NewDevUUID()
	prober := fakeProber{byPath: map[string]DeviceInfo{
		"/dev/sda": OpenInfo{PoolUUID: poolUUID, DevUUID: devUUID, DevicePath: "/dev/sda"},
	}}
	reg := &fakeRegistrar{}
	l := New(prober, reg, UnlockMethod{})

	err := l.HandleEvent(context.Background(), time.Now(), Event{Kind: EventAdd, DevicePath: "/dev/sda"})
	require.NoError(t, err) // setupPool fails against a fake path; that failure is swallowed, not propagated

	set, ok := l.stoppedSets[poolUUID]
	require.True(t, ok)
	assert.Contains(t, set.Devices, devUUID)
	assert.Empty(t, reg.registered)
}

func TestHandleEventQuarantinesConflictingObservation(t *testing.T) {
	t.Parallel()
	poolA := poolmeta.NewPoolUUID()
	poolB := poolmeta.NewPoolUUID()
	devUUID := poolmeta.NewDevUUID()
	prober := fakeProber{byPath: map[string]DeviceInfo{
		"/dev/sda": OpenInfo{PoolUUID: poolA, DevUUID: devUUID, DevicePath: "/dev/sda"},
	}}
	reg := &fakeRegistrar{}
	l := New(prober, reg, UnlockMethod{})

	require.NoError(t, l.HandleEvent(context.Background(), time.Now(), Event{Kind: EventAdd, DevicePath: "/dev/sda"}))

	prober.byPath["/dev/sda"] = OpenInfo{PoolUUID: poolB, DevUUID: devUUID, DevicePath: "/dev/sda"}
	require.NoError(t, l.HandleEvent(context.Background(), time.Now(), Event{Kind: EventChange, DevicePath: "/dev/sda"}))

	bag, ok := l.bags[poolA]
	require.True(t, ok)
	assert.Len(t, bag.Entries, 1)
}

func TestHandleEventRemoveDropsDeviceFromStoppedSet(t *testing.T) {
	t.Parallel()
	poolUUID := poolmeta.NewPoolUUID()
	devUUID := poolmeta.NewDevUUID()
	prober := fakeProber{byPath: map[string]DeviceInfo{
		"/dev/sda": OpenInfo{PoolUUID: poolUUID, DevUUID: devUUID, DevicePath: "/dev/sda"},
	}}
	reg := &fakeRegistrar{}
	l := New(prober, reg, UnlockMethod{})

	require.NoError(t, l.HandleEvent(context.Background(), time.Now(), Event{Kind: EventAdd, DevicePath: "/dev/sda"}))
	require.NoError(t, l.HandleEvent(context.Background(), time.Now(), Event{Kind: EventRemove, DevicePath: "/dev/sda"}))

	set := l.stoppedSets[poolUUID]
	assert.NotContains(t, set.Devices, devUUID)
}
