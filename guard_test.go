// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sensitive

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingPager records protection transitions without touching any
// pages.
type countingPager struct {
	locks      atomic.Int64
	unlocks    atomic.Int64
	unlockMuts atomic.Int64
}

func (p *countingPager) pages() []byte { return nil }

type countingGuard struct {
	refs  refCount
	inner countingPager
}

func (g *countingGuard) lock()      { g.inner.locks.Add(1) }
func (g *countingGuard) unlock()    { g.inner.unlocks.Add(1) }
func (g *countingGuard) unlockMut() { g.inner.unlockMuts.Add(1) }

func TestGuardSharedPairs(t *testing.T) {
	var g countingGuard

	for i := 0; i < 100; i++ {
		g.refs.acquire(g.unlock)
	}
	assert.EqualValues(t, 1, g.inner.unlocks.Load())
	assert.Equal(t, accBit|uint64(100), g.refs.n.Load())

	for i := 0; i < 100; i++ {
		g.refs.release(g.lock, g.unlock)
	}
	assert.EqualValues(t, 1, g.inner.locks.Load())
	assert.Zero(t, g.refs.n.Load())
}

func TestGuardExclusive(t *testing.T) {
	var g countingGuard

	g.refs.acquireMut(g.unlockMut)
	assert.Equal(t, accBit|mutRefs, g.refs.n.Load())
	assert.EqualValues(t, 1, g.inner.unlockMuts.Load())

	g.refs.releaseMut(g.lock)
	assert.Zero(t, g.refs.n.Load())
	assert.EqualValues(t, 1, g.inner.locks.Load())
}

func TestGuardMutate(t *testing.T) {
	var g countingGuard

	ran := false
	g.refs.mutate(func() {
		ran = true
		assert.Equal(t, accBit|mutRefs, g.refs.n.Load())
	})
	require.True(t, ran)
	assert.Zero(t, g.refs.n.Load())

	// No protection transition happens unless the callback asks.
	assert.Zero(t, g.inner.locks.Load())
	assert.Zero(t, g.inner.unlocks.Load())
}

func TestGuardOverflow(t *testing.T) {
	var g countingGuard
	g.refs.n.Store(accBit | maxRefs)

	assert.Panics(t, func() { g.refs.acquire(g.unlock) })
}

func TestGuardUnderflow(t *testing.T) {
	var g countingGuard

	assert.Panics(t, func() { g.refs.release(g.lock, g.unlock) })
}

func TestGuardExclusiveBusy(t *testing.T) {
	var g countingGuard

	g.refs.acquire(g.unlock)
	assert.Panics(t, func() { g.refs.acquireMut(g.unlockMut) })
}

func TestGuardConcurrentPairs(t *testing.T) {
	var g countingGuard

	workers := 2 * runtime.GOMAXPROCS(0)
	if workers < 16 {
		workers = 16
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10000; i++ {
				g.refs.acquire(g.unlock)
				g.refs.release(g.lock, g.unlock)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, g.refs.n.Load())
	// The count drained, so the terminal transition was a lock.
	assert.Greater(t, g.inner.locks.Load(), int64(0))
}

// Concurrent shared-borrow storm over a pre-filled sequence: every read
// through a live borrow observes the correct element and the guard
// drains back to the idle state.
func TestVecConcurrentStorm(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}

	const n = 4096
	const iters = 262144

	v := NewVec[uint]()
	defer v.Destroy()

	w := v.BorrowMut()
	for i := uint(0); i < n; i++ {
		w.Push(i)
	}
	w.Release()

	workers := 2 * runtime.GOMAXPROCS(0)
	if workers < 16 {
		workers = 16
	}

	start := make(chan struct{})
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for wk := 0; wk < workers; wk++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < iters; i++ {
				r := v.Borrow()
				j := i % n
				if got := r.At(j); got != uint(j) {
					r.Release()
					errs <- assert.AnError
					return
				}
				r.Release()
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatal(err)
	}

	assert.Zero(t, v.g.refs.n.Load())
}

func TestVecConcurrentReaders(t *testing.T) {
	const n = 65536

	v := NewVec[uint]()
	defer v.Destroy()

	w := v.BorrowMut()
	for i := uint(0); i < n; i++ {
		w.Push(i)
	}
	w.Release()

	workers := 2 * runtime.GOMAXPROCS(0)
	if workers < 16 {
		workers = 16
	}

	var wg sync.WaitGroup
	var bad atomic.Int64
	for wk := 0; wk < workers; wk++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := v.Borrow()
			defer r.Release()
			s := r.Slice()
			for i, got := range s {
				if got != uint(i) {
					bad.Add(1)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, bad.Load())
	assert.Zero(t, v.g.refs.n.Load())
}
