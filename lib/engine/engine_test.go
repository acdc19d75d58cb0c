// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/pool-progs-ng/lib/backstore"
	"git.lukeshu.com/pool-progs-ng/lib/flexlayer"
	"git.lukeshu.com/pool-progs-ng/lib/pool"
	"git.lukeshu.com/pool-progs-ng/lib/poolmeta"
	"git.lukeshu.com/pool-progs-ng/lib/thinpool"
)

func newTestPool(t *testing.T, name string) *pool.Pool {
	t.Helper()
	bs := backstore.New()
	flex := flexlayer.New(0)
	tp := thinpool.New(2048, nil)
	return pool.New(poolmeta.NewPoolUUID(), poolmeta.Name(name), bs, flex, tp)
}

func TestLookupNameAndUUID(t *testing.T) {
	t.Parallel()
	e := New()
	p := newTestPool(t, "tank")
	e.RegisterPool(p)

	got, err := e.lookupUUID(p.UUID())
	require.NoError(t, err)
	assert.Equal(t, p, got)

	got, err = e.lookupName("tank")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = e.lookupName("no-such-pool")
	require.Error(t, err)
}

func TestDeregisterPoolClearsBothIndexes(t *testing.T) {
	t.Parallel()
	e := New()
	p := newTestPool(t, "tank")
	e.RegisterPool(p)

	e.DeregisterPool(p.UUID())
	_, err := e.lookupUUID(p.UUID())
	assert.Error(t, err)
	_, err = e.lookupName("tank")
	assert.Error(t, err)
}

func TestReserveNameRejectsCollision(t *testing.T) {
	t.Parallel()
	e := New()
	uuidA := poolmeta.NewPoolUUID()
	uuidB := poolmeta.NewPoolUUID()

	require.NoError(t, e.reserveName("tank", uuidA))
	assert.Error(t, e.reserveName("tank", uuidB))
	// Reserving the same name again under the same uuid is fine, e.g. a
	// retried pool_create after a crash before RegisterPool ran.
	assert.NoError(t, e.reserveName("tank", uuidA))
}

func TestReleaseNameOnlyClearsItsOwnReservation(t *testing.T) {
	t.Parallel()
	e := New()
	uuidA := poolmeta.NewPoolUUID()
	uuidB := poolmeta.NewPoolUUID()
	require.NoError(t, e.reserveName("tank", uuidA))

	// A stale release for a different uuid must not clobber a fresh
	// reservation that has since taken the name.
	e.releaseName("tank", uuidB)
	_, err := e.lookupName("tank")
	assert.NoError(t, err)

	e.releaseName("tank", uuidA)
	_, err = e.lookupName("tank")
	assert.Error(t, err)
}

func TestPoolRenameIsIdentityWhenNameUnchanged(t *testing.T) {
	t.Parallel()
	e := New()
	p := newTestPool(t, "tank")
	e.RegisterPool(p)

	res := e.PoolRename(context.Background(), p.UUID(), "tank")
	assert.Equal(t, Identity, res.Kind)
}

func TestPoolRenameRejectsCollisionWithSibling(t *testing.T) {
	t.Parallel()
	e := New()
	a := newTestPool(t, "tank-a")
	b := newTestPool(t, "tank-b")
	e.RegisterPool(a)
	e.RegisterPool(b)

	res := e.PoolRename(context.Background(), a.UUID(), "tank-b")
	assert.Equal(t, Failed, res.Kind)
}

func TestNamespacedKeyDescPrefixesConsistently(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "pool-progs-ng:mykey", namespacedKeyDesc("mykey"))
	assert.NotEqual(t, namespacedKeyDesc("a"), namespacedKeyDesc("b"))
}

func TestEventBusDeliversToSubscriber(t *testing.T) {
	t.Parallel()
	b := newEventBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.emit(context.Background(), ChangeEvent{Kind: ObjectPool, ID: "p1"})
	select {
	case ev := <-ch:
		assert.Equal(t, "p1", ev.ID)
	default:
		t.Fatal("expected a buffered event to be immediately readable")
	}
}

func TestEventBusDropsOnFullSubscriberQueue(t *testing.T) {
	t.Parallel()
	b := newEventBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < subscriberQueueDepth+10; i++ {
		b.emit(context.Background(), ChangeEvent{Kind: ObjectPool, ID: "p1"})
	}
	assert.LessOrEqual(t, len(ch), subscriberQueueDepth)
}

func TestCryptBinderForRejectsUnknownDevice(t *testing.T) {
	t.Parallel()
	e := New()
	p := newTestPool(t, "tank")
	e.RegisterPool(p)

	_, err := e.cryptBinderFor(p.UUID(), poolmeta.NewDevUUID())
	assert.Error(t, err)
}
