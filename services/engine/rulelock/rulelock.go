// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rulelock serializes reconciliation decisions per rule.
//
// Reconciliation is a read-then-write state machine over per-rule shared
// state: two documents for the same rule arriving at overlapping times
// must never both create an anchor set or both claim the same target
// slot. The Guard runs bodies for one key strictly one at a time in
// arrival order, while bodies for different keys proceed independently.
// The guard releases on normal return and on panic, and removes its
// bookkeeping for a key once the last waiter has finished.
//
// # Thread Safety
//
// Guard is safe for concurrent use from any number of goroutines.
package rulelock

import (
	"context"
	"sync"
)

// Guard is a keyed FIFO mutual-exclusion guard.
type Guard struct {
	mu     sync.Mutex
	queues map[string]*queue
}

// queue tracks one key's waiters. tail is the release channel of the
// most recent arrival; waiters counts arrivals that have not released.
type queue struct {
	waiters int
	tail    chan struct{}
}

// New creates an empty Guard.
func New() *Guard {
	return &Guard{queues: make(map[string]*queue)}
}

// Do runs fn under the key's lock, in strict arrival order.
//
// Description:
//
//	Arrival order is fixed at the moment Do is entered. The call blocks
//	until every earlier arrival for the same key has released, runs fn,
//	then hands the lock to the next waiter. fn's panic propagates to the
//	caller after the lock is handed over, so a throwing body never
//	wedges its rule's queue. If ctx expires while waiting, Do returns
//	ctx.Err() and its queue slot is forwarded in the background to keep
//	the chain intact.
//
// Inputs:
//
//	ctx - Bounds the wait for the lock, not fn's execution.
//	key - The serialization domain (ruleId).
//	fn - Body to run exclusively.
//
// Outputs:
//
//	error - fn's error, or ctx.Err() when the wait was abandoned.
func (g *Guard) Do(ctx context.Context, key string, fn func() error) error {
	mine := make(chan struct{})

	g.mu.Lock()
	q, ok := g.queues[key]
	if !ok {
		q = &queue{}
		g.queues[key] = q
	}
	prev := q.tail
	q.tail = mine
	q.waiters++
	g.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Keep the chain intact: relay the predecessor's release to
			// our successor once it arrives, then retire our slot.
			go func() {
				<-prev
				close(mine)
				g.retire(key, mine)
			}()
			return ctx.Err()
		}
	}

	defer func() {
		close(mine)
		g.retire(key, mine)
	}()

	return fn()
}

// retire decrements the key's waiter count and drops the key's
// bookkeeping once its queue has fully drained.
func (g *Guard) retire(key string, mine chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	q, ok := g.queues[key]
	if !ok {
		return
	}
	q.waiters--
	if q.waiters == 0 && q.tail == mine {
		delete(g.queues, key)
	}
}

// Pending returns the number of callers currently holding or awaiting
// the key. Zero means the guard retains no state for the key.
func (g *Guard) Pending(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.queues[key]
	if !ok {
		return 0
	}
	return q.waiters
}

// Keys returns the number of keys with live bookkeeping.
func (g *Guard) Keys() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queues)
}
