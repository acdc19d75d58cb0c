// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"
)

// ObjectKind names what kind of entity a ChangeEvent's Delta belongs
// to, so a subscriber can decode Delta without inspecting its keys
// first (§6.2).
type ObjectKind int

const (
	ObjectPool ObjectKind = iota
	ObjectFilesystem
	ObjectBlockdev
)

// ChangeEvent is one state-change notification: an object identifier
// plus a field-level delta. Transport is external (§6.2); Engine only
// guarantees fire-and-forget delivery to whatever's subscribed at
// emission time.
type ChangeEvent struct {
	Kind  ObjectKind
	ID    string
	Delta map[string]any
}

// subscriberQueueDepth bounds how many undelivered events a slow
// subscriber can accumulate before emit starts dropping for it; a
// blocked subscriber must never stall a state-changing request.
const subscriberQueueDepth = 64

// eventBus fans ChangeEvents out to every current subscriber. It does
// not persist events: a subscriber that isn't listening at emission
// time has already missed them, the same "fire and forget" contract
// the abstract control surface specifies.
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan ChangeEvent
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: map[int]chan ChangeEvent{}}
}

// Subscribe registers a new listener and returns a channel of future
// events and an unsubscribe function.
func (b *eventBus) Subscribe() (<-chan ChangeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan ChangeEvent, subscriberQueueDepth)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			close(ch)
			delete(b.subs, id)
		}
	}
}

func (b *eventBus) emit(ctx context.Context, ev ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dlog.Errorf(ctx, "engine: subscriber %d is not keeping up; dropping %s event for %s", id, ev.Kind, ev.ID)
		}
	}
}
