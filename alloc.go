// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sensitive

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

const trace = false

var (
	// ErrUnsupportedAlignment is returned for alignment requirements
	// that equal or exceed the allocation granularity. Interiors are
	// page-aligned, so anything smaller is always satisfied.
	ErrUnsupportedAlignment = errors.New("sensitive: unsupported alignment")

	// AllocTimer records the time taken to produce a guarded
	// allocation.
	AllocTimer = metrics.GetOrRegisterTimer("sensitive.alloc.timer", nil)
	// AllocCounter counts guarded allocations over the process
	// lifetime.
	AllocCounter = metrics.GetOrRegisterCounter("sensitive.alloc.total", nil)
	// InUseCounter tracks currently live guarded allocations.
	InUseCounter = metrics.GetOrRegisterCounter("sensitive.alloc.inuse", nil)
	// PinFailCounter counts allocations whose best-effort memory pin
	// failed. Pin failure is tolerated per allocation; the counter is
	// the only trace it leaves.
	PinFailCounter = metrics.GetOrRegisterCounter("sensitive.alloc.pinfail", nil)
)

// Allocator hands out page-granular allocations whose interiors are
// bracketed by no-access guard pages and pinned best-effort. Interiors
// are wiped before their pages return to the OS. Its zero value is
// ready for use and safe for concurrent callers.
type Allocator struct {
	allocs atomic.Int64 // # of live allocations
	maps   atomic.Int64 // # of live reservations
	bytes  atomic.Int64 // asked from OS
}

// std backs the containers in this package.
var std Allocator

// innerSize is the usable interior produced for a request of size
// bytes: the outer frame rounds to the allocation granularity and the
// interior absorbs the slack.
func innerSize(size int) int {
	return granAlign(size+2*guardPages*PageSize()) - 2*guardPages*PageSize()
}

// Malloc allocates size bytes of guarded memory and returns a
// page-aligned byte slice of the allocated memory with len(b) == size.
// cap(b) is the usable interior, which may exceed size up to the
// granularity rounding. The interior is readable and writable and not
// initialized beyond the OS zero-page contract. Malloc panics for
// size < 0.
//
// A zero size allocates the guard frame only: the returned slice is
// empty but its pointer is non-nil and page-aligned.
func (a *Allocator) Malloc(size int) (r []byte, err error) {
	if trace {
		defer func() {
			var p *byte
			if cap(r) != 0 {
				p = &r[:1][0]
			}
			fmt.Fprintf(os.Stderr, "Malloc(%#x) %p, %v\n", size, p, err)
		}()
	}
	if size < 0 {
		panic("invalid malloc size")
	}
	defer AllocTimer.UpdateSince(time.Now())

	g, err := newGuarded(size, guardPages, NoAccess)
	if err != nil {
		return nil, err
	}

	if len(g.inner) > 0 {
		// Best-effort pin; the guard bands may swap freely.
		if err := lockPages(g.inner); err != nil {
			PinFailCounter.Inc(1)
		}

		if err := protectPages(g.inner, ReadWrite); err != nil {
			g.release()
			return nil, err
		}
	}

	a.allocs.Add(1)
	a.maps.Add(1)
	a.bytes.Add(int64(g.a.size))
	AllocCounter.Inc(1)
	InUseCounter.Inc(1)

	return g.takeInner()[:size], nil
}

// MallocAlign is like Malloc for callers with an alignment
// requirement. Alignments of at least the allocation granularity are
// refused with ErrUnsupportedAlignment; every smaller power of two is
// satisfied by the page-aligned interior.
func (a *Allocator) MallocAlign(size, align int) ([]byte, error) {
	if align != 0 && !isPowerOfTwo(align) {
		panic("invalid malloc alignment")
	}
	if align >= Granularity() {
		return nil, ErrUnsupportedAlignment
	}
	return a.Malloc(size)
}

// Calloc is like Malloc except the returned memory is guaranteed
// zeroed. Freshly committed pages already are, so this is Malloc.
func (a *Allocator) Calloc(size int) ([]byte, error) {
	return a.Malloc(size)
}

// UsableSize reports the size of the guarded interior backing b, which
// must have been returned by Malloc, Calloc or Shrink.
func UsableSize(b []byte) int { return cap(b) }

// Free wipes and releases the allocation backing b, which must have
// been acquired from Malloc, Calloc or Shrink with its pointer and cap
// unchanged; the frame is rebuilt from those two and len is ignored.
// The interior is made writable if needed, zeroed with
// Wipe, unpinned and unmapped. Failure to restore writability or to
// unmap panics: leaving secret bytes resident in an unknown protection
// state is worse than aborting.
func (a *Allocator) Free(b []byte) {
	if trace {
		var p *byte
		if cap(b) != 0 {
			p = &b[:1][0]
		}
		defer func() {
			fmt.Fprintf(os.Stderr, "Free(%p)\n", p)
		}()
	}
	if b == nil {
		return
	}
	b = b[:cap(b)]

	var g *guarded
	if len(b) == 0 {
		g = guardedFromInner(unsafe.Pointer(unsafe.SliceData(b)), 0)
	} else {
		g = guardedFromInner(unsafe.Pointer(&b[0]), len(b))

		// The interior may be in any protection state.
		if err := protectPages(g.inner, ReadWrite); err != nil {
			panic(err)
		}
		Wipe(g.inner)
		_ = unlockPages(g.inner)
	}

	a.allocs.Add(-1)
	a.maps.Add(-1)
	a.bytes.Add(-int64(g.a.size))
	InUseCounter.Dec(1)

	g.release()
}

// Shrink reduces the allocation backing b to newSize bytes in place.
// newSize must be smaller than len(b). The retreating tail is wiped,
// the trailing guard band is re-established at the new interior's end
// and the freed pages are returned to the OS. The returned slice
// shares b's pointer; its cap is the new usable interior and the whole
// interior is left read-write. Shrink panics if re-guarding fails.
//
// Whole pages are only freed when the shrink retreats past a page
// boundary; otherwise just the tail bytes are wiped. The freed tail's
// reservation may be gone afterwards, so the allocation cannot grow
// back in place.
func (a *Allocator) Shrink(b []byte, newSize int) (r []byte) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Shrink(%p, %#x) cap %#x\n", &b[:1][0], newSize, cap(r))
		}()
	}
	if newSize < 0 || newSize >= len(b) {
		panic("invalid shrink size")
	}

	usable := cap(b)
	g := guardedFromInner(unsafe.Pointer(&b[0]), usable)

	if err := protectPages(g.inner, ReadWrite); err != nil {
		panic(err)
	}
	Wipe(g.inner[newSize:])

	if usable-pageAlign(newSize) >= PageSize() {
		tail := g.inner[pageAlign(newSize):]
		_ = unlockPages(tail)

		freed, err := g.shrink(newSize)
		if err != nil {
			panic(err)
		}
		a.bytes.Add(-int64(freed))
		usable = len(g.inner)
	}

	return b[:newSize:usable]
}
