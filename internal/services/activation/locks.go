// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package activation

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedLocks hands out a weight-1 semaphore per license so binds for
// different licenses never contend, while binds for the same license
// serialize. Semaphore acquisition respects context cancellation, which is
// what bounds the wait.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*semaphore.Weighted)}
}

func (k *keyedLocks) get(key string) *semaphore.Weighted {
	k.mu.Lock()
	defer k.mu.Unlock()

	sem, ok := k.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		k.locks[key] = sem
	}
	return sem
}

// acquire blocks until the lock for key is held or ctx is done. The returned
// release func must be called exactly once.
func (k *keyedLocks) acquire(ctx context.Context, key string) (func(), error) {
	sem := k.get(key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
