// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sensitive

import (
	"runtime"
	"sync/atomic"
)

// refCount is the guard state word: the top bit records whether the
// guarded pages are currently accessible, the remaining bits count
// active shared borrows or hold the exclusive-borrow sentinel.
type refCount struct {
	n atomic.Uint64
}

const (
	accBit  = uint64(1) << 63
	refMask = accBit - 1
	mutRefs = refMask
	maxRefs = mutRefs - 1
)

// acquire registers a shared borrow. The first acquirer runs unlock and
// then publishes accessibility; later acquirers spin until they observe
// it, so no borrower ever sees locked bytes.
func (c *refCount) acquire(unlock func()) {
	refs := c.n.Add(1) - 1

	if refs&refMask >= maxRefs {
		panic("sensitive: borrow count overflow")
	}

	if refs == 0 {
		unlock()
		c.n.Or(accBit)
	} else {
		for refs&accBit == 0 {
			runtime.Gosched()
			refs = c.n.Load()
		}
	}
}

// release drops a shared borrow. The last holder first withdraws
// accessibility, then either locks the pages or, if another acquirer
// raced in meanwhile, unlocks them again and hands accessibility over
// without exposing a locked window to the newcomer.
func (c *refCount) release(lock, unlock func()) {
	var prev uint64
	for {
		prev = c.n.Load()
		refs := prev & refMask
		var next uint64
		switch {
		case refs == 1:
			if prev&accBit == 0 {
				panic("sensitive: release of an inaccessible guard")
			}
			next = prev &^ accBit
		case refs == 0:
			panic("sensitive: release without acquire")
		default:
			next = prev - 1
		}
		if c.n.CompareAndSwap(prev, next) {
			break
		}
	}

	if prev&refMask != 1 {
		return
	}

	for {
		cur := c.n.Load()
		if cur == 1 {
			lock()
			if c.n.CompareAndSwap(cur, 0) {
				return
			}
		} else {
			if cur&accBit != 0 {
				panic("sensitive: guard state corrupted")
			}
			unlock()
			if c.n.CompareAndSwap(cur, (cur-1)|accBit) {
				return
			}
		}
	}
}

// acquireMut takes the exclusive borrow. The guard must be idle;
// exclusivity between holders is the caller's obligation.
func (c *refCount) acquireMut(unlockMut func()) {
	if old := c.n.Swap(accBit | mutRefs); old != 0 {
		panic("sensitive: exclusive borrow of a busy guard")
	}
	unlockMut()
}

// releaseMut drops the exclusive borrow and locks the pages.
func (c *refCount) releaseMut(lock func()) {
	if old := c.n.Swap(0); old != accBit|mutRefs {
		panic("sensitive: unpaired exclusive release")
	}
	lock()
}

// mutate runs f while holding the exclusive state, without touching
// page protections. Only valid when the caller holds the guard
// exclusively and the state is idle.
func (c *refCount) mutate(f func()) {
	if old := c.n.Swap(accBit | mutRefs); old != 0 {
		panic("sensitive: mutate of a busy guard")
	}
	f()
	if old := c.n.Swap(0); old != accBit|mutRefs {
		panic("sensitive: guard state corrupted")
	}
}

// pager reports the page-aligned byte range a guarded value currently
// occupies, or nil when it occupies none.
type pager interface {
	pages() []byte
}

// guard couples a value with the borrow protocol. Whenever the state
// word is idle the value's pages are no-access; shared borrows hold
// them read-only, the exclusive borrow read-write.
type guard[T pager] struct {
	refs  refCount
	inner T
}

func (g *guard[T]) protect(prot Protection) {
	b := g.inner.pages()
	if b == nil {
		return
	}
	if err := protectPages(b, prot); err != nil {
		panic(err)
	}
}

func (g *guard[T]) lock()      { g.protect(NoAccess) }
func (g *guard[T]) unlock()    { g.protect(ReadOnly) }
func (g *guard[T]) unlockMut() { g.protect(ReadWrite) }

// acquire/release bracket a shared borrow.
func (g *guard[T]) acquire() { g.refs.acquire(g.unlock) }
func (g *guard[T]) release() { g.refs.release(g.lock, g.unlock) }

// acquireMut/releaseMut bracket the exclusive borrow.
func (g *guard[T]) acquireMut() { g.refs.acquireMut(g.unlockMut) }
func (g *guard[T]) releaseMut() { g.refs.releaseMut(g.lock) }

// mutate runs f with the guard held exclusively. f decides which
// protection transitions it needs; the usual pattern during
// construction and growth is to unprotect, rearrange pages and lock.
func (g *guard[T]) mutate(f func()) { g.refs.mutate(f) }
