// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sensitive

import "unsafe"

// allocation owns a granularity-aligned virtual range. It is released
// in full; a failed release panics, because leaking inaccessible
// address space with live pointers into it is worse than aborting.
type allocation struct {
	addr unsafe.Pointer
	size int
}

// newAllocation reserves and commits size bytes, rounded up to the
// allocation granularity, with the given initial protection.
func newAllocation(size int, prot Protection) (allocation, error) {
	size = granAlign(size)
	addr, err := allocatePages(size, prot)
	if err != nil {
		return allocation{}, err
	}
	return allocation{addr: addr, size: size}, nil
}

func (a *allocation) bytes() []byte {
	return unsafe.Slice((*byte)(a.addr), a.size)
}

// shrink gives the trailing tail beyond newSize back to the OS.
// newSize must be page-aligned and strictly smaller than the current
// size. On systems that cannot partially release within a reservation
// the tail is decommitted instead and the reservation retained; the
// accounted size shrinks either way.
func (a *allocation) shrink(newSize int) error {
	if newSize >= a.size || newSize != pageAlign(newSize) {
		panic("sensitive: invalid shrink")
	}
	tail := unsafe.Add(a.addr, newSize)
	if err := uncommitPages(tail, a.size-newSize); err != nil {
		return err
	}
	a.size = newSize
	return nil
}

// release returns the whole reservation to the OS.
func (a *allocation) release() {
	if a.addr == nil {
		return
	}
	if err := releasePages(a.addr, a.size); err != nil {
		panic(err)
	}
	a.addr = nil
	a.size = 0
}

// guarded is an allocation whose interior is bracketed by n no-access
// guard pages on each side:
//
//	[ n pages: no access ] [ interior ] [ n pages: no access ]
//
// The interior starts page-aligned at offset n*P and extends to the
// trailing guard band, so it absorbs any rounding slack of the outer
// reservation.
type guarded struct {
	a     allocation
	n     int
	inner []byte
}

// guardPages is the band width used for secret-holding allocations.
const guardPages = 1

// newGuarded allocates an outer frame of granAlign(innerSize + 2*n*P)
// bytes, born entirely no-access, and upgrades the interior to prot.
func newGuarded(innerSize, n int, prot Protection) (*guarded, error) {
	p := PageSize()
	outer := granAlign(innerSize + 2*n*p)

	a, err := newAllocation(outer, NoAccess)
	if err != nil {
		return nil, err
	}

	g := &guarded{a: a, n: n}
	g.inner = unsafe.Slice((*byte)(unsafe.Add(a.addr, n*p)), a.size-2*n*p)

	if prot != NoAccess {
		if err := protectPages(g.inner, prot); err != nil {
			a.release()
			return nil, err
		}
	}
	return g, nil
}

// frameSize is the outer size of a frame with the given usable
// interior. Interiors absorb all granularity slack, so the bands are
// the only overhead; only the empty frame still needs rounding.
func frameSize(usable int) int {
	if usable == 0 {
		return granAlign(2 * guardPages * PageSize())
	}
	return usable + 2*guardPages*PageSize()
}

// guardedFromInner reconstitutes a frame from an interior pointer and
// its usable length, as previously produced by takeInner.
func guardedFromInner(ptr unsafe.Pointer, usable int) *guarded {
	return &guarded{
		a:     allocation{addr: unsafe.Add(ptr, -guardPages*PageSize()), size: frameSize(usable)},
		n:     guardPages,
		inner: unsafe.Slice((*byte)(ptr), usable),
	}
}

// takeInner forfeits ownership of the frame and returns the interior.
// The frame is reconstituted later with guardedFromInner.
func (g *guarded) takeInner() []byte {
	inner := g.inner
	g.a = allocation{}
	g.inner = nil
	return inner
}

// shrink reduces the interior to pageAlign(newInner) bytes. The first
// page of the vacated tail becomes the new trailing guard band before
// the rest of the tail is given back. The interior pointer does not
// move. Returns the number of bytes released.
func (g *guarded) shrink(newInner int) (int, error) {
	p := PageSize()
	usable := pageAlign(newInner)
	if usable >= len(g.inner) {
		panic("sensitive: guarded shrink must shrink")
	}

	// Repurpose the first tail page as the trailing guard band.
	if err := protectPages(g.inner[usable:usable+g.n*p], NoAccess); err != nil {
		return 0, err
	}

	old := g.a.size
	if err := g.a.shrink(g.n*p + usable + g.n*p); err != nil {
		return 0, err
	}
	g.inner = g.inner[:usable]
	return old - g.a.size, nil
}

// release frees the whole frame.
func (g *guarded) release() {
	g.a.release()
	g.inner = nil
}
