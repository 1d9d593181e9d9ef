// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rulelock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGuard_Do(t *testing.T) {
	t.Run("runs the critical section and returns its error", func(t *testing.T) {
		g := New()
		wantErr := errors.New("boom")

		ran := false
		err := g.Do(context.Background(), "rule-1", func() error {
			ran = true
			return wantErr
		})
		if !ran {
			t.Fatal("critical section did not run")
		}
		if !errors.Is(err, wantErr) {
			t.Errorf("Do returned %v, want %v", err, wantErr)
		}
	})

	t.Run("serializes same key in arrival order", func(t *testing.T) {
		g := New()

		const n = 50
		start := make(chan struct{})
		order := make([]int, 0, n)
		var mu sync.Mutex
		var wg sync.WaitGroup

		// Hold the key so the workers queue up behind it, registering
		// one at a time so arrival order is deterministic.
		registered := make(chan struct{}, n)
		release := make(chan struct{})
		go func() {
			_ = g.Do(context.Background(), "rule-1", func() error {
				close(start)
				<-release
				return nil
			})
		}()
		<-start

		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				registered <- struct{}{}
				_ = g.Do(context.Background(), "rule-1", func() error {
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
					return nil
				})
			}(i)
			// Wait for goroutine i to have queued before launching the
			// next one; Pending counts the holder plus i+1 waiters.
			<-registered
			waitForPending(t, g, "rule-1", i+2)
		}
		close(release)
		wg.Wait()

		for i, got := range order {
			if got != i {
				t.Fatalf("position %d ran goroutine %d, want strict arrival order", i, got)
			}
		}
	})

	t.Run("independent keys do not serialize", func(t *testing.T) {
		g := New()

		blocked := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = g.Do(context.Background(), "rule-a", func() error {
				close(blocked)
				<-release
				return nil
			})
		}()
		<-blocked

		done := make(chan struct{})
		go func() {
			_ = g.Do(context.Background(), "rule-b", func() error { return nil })
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("rule-b blocked behind rule-a")
		}
		close(release)
	})

	t.Run("releases on panic", func(t *testing.T) {
		g := New()

		func() {
			defer func() { _ = recover() }()
			_ = g.Do(context.Background(), "rule-1", func() error {
				panic("processor bug")
			})
		}()

		done := make(chan struct{})
		go func() {
			_ = g.Do(context.Background(), "rule-1", func() error { return nil })
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("key still held after panic")
		}
	})

	t.Run("cancelled waiter returns context error", func(t *testing.T) {
		g := New()

		held := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = g.Do(context.Background(), "rule-1", func() error {
				close(held)
				<-release
				return nil
			})
		}()
		<-held

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- g.Do(ctx, "rule-1", func() error {
				t.Error("cancelled waiter ran critical section")
				return nil
			})
		}()
		waitForPending(t, g, "rule-1", 2)
		cancel()

		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("Do returned %v, want context.Canceled", err)
		}
		close(release)
	})

	t.Run("no residual state after drain", func(t *testing.T) {
		g := New()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			for _, key := range []string{"a", "b", "c"} {
				wg.Add(1)
				go func(key string) {
					defer wg.Done()
					_ = g.Do(context.Background(), key, func() error { return nil })
				}(key)
			}
		}
		wg.Wait()

		if keys := g.Keys(); keys != 0 {
			t.Errorf("Keys() = %d after drain, want 0", keys)
		}
	})
}

// waitForPending polls until the key has at least n waiters queued.
func waitForPending(t *testing.T, g *Guard, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if g.Pending(key) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("key %s never reached %d pending waiters", key, n)
}
