// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sensitive

import (
	"runtime"
	"unsafe"
)

// boxValue is the guarded payload of a Box: one value of type T at the
// start of a sensitive interior.
type boxValue[T any] struct {
	val *T
	mem []byte // full usable interior; nil once destroyed
}

func (b *boxValue[T]) pages() []byte {
	size := sizeOf[T]()
	if size == 0 || b.mem == nil {
		return nil
	}
	return b.mem[:pageAlign(size)]
}

func sizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Box holds exactly one value of type T on guarded pages. The value is
// inaccessible except under a borrow and is wiped when the Box is
// destroyed.
//
// T must not contain pointers: the Go collector does not scan the
// guarded interior.
type Box[T any] struct {
	g guard[*boxValue[T]]
}

// NewBox moves *src into a fresh guarded allocation and wipes the
// source storage afterwards, so the only remaining copy of the value
// lives behind the guard. The source cannot be relied on for secrecy
// if it was copied around before the call.
func NewBox[T any](src *T) (*Box[T], error) {
	size := sizeOf[T]()

	mem, err := std.Malloc(size)
	if err != nil {
		return nil, err
	}
	mem = mem[:cap(mem)]

	bv := &boxValue[T]{mem: mem}
	bv.val = (*T)(unsafe.Pointer(unsafe.SliceData(mem)))

	b := &Box[T]{}
	b.g.inner = bv
	b.g.mutate(func() {
		if size > 0 {
			*bv.val = *src
		}
		b.g.lock()
	})

	if size > 0 {
		Wipe(unsafe.Slice((*byte)(unsafe.Pointer(src)), size))
	}

	runtime.SetFinalizer(b, (*Box[T]).finalize)
	return b, nil
}

// BoxRef is a shared borrow of a Box. The referenced value is readable
// until Release; writing through it faults.
type BoxRef[T any] struct {
	b        *Box[T]
	released bool
}

// BoxRefMut is the exclusive borrow of a Box. The referenced value is
// readable and writable until Release.
type BoxRefMut[T any] struct {
	b        *Box[T]
	released bool
}

// Borrow takes a shared borrow. Multiple shared borrows may coexist
// across goroutines; all of them observe read-only bytes.
func (b *Box[T]) Borrow() *BoxRef[T] {
	b.checkLive()
	b.g.acquire()
	return &BoxRef[T]{b: b}
}

// BorrowMut takes the exclusive borrow. The caller must ensure no other
// borrow is active; a concurrent borrow panics.
func (b *Box[T]) BorrowMut() *BoxRefMut[T] {
	b.checkLive()
	b.g.acquireMut()
	return &BoxRefMut[T]{b: b}
}

// With runs f under a shared borrow. The pointer must not escape f.
func (b *Box[T]) With(f func(*T)) {
	r := b.Borrow()
	defer r.Release()
	f(r.Value())
}

// WithMut runs f under the exclusive borrow. The pointer must not
// escape f.
func (b *Box[T]) WithMut(f func(*T)) {
	r := b.BorrowMut()
	defer r.Release()
	f(r.Value())
}

// Destroy wipes the value and releases its pages. The Box must not be
// borrowed. For a T of nonzero size any later borrow panics; a repeated
// Destroy does nothing.
func (b *Box[T]) Destroy() {
	if b.g.refs.n.Load() != 0 {
		panic("sensitive: destroy of a borrowed Box")
	}
	runtime.SetFinalizer(b, nil)
	b.destroy()
}

func (b *Box[T]) destroy() {
	bv := b.g.inner
	if bv.mem == nil {
		return
	}
	mem := bv.mem
	bv.mem = nil
	bv.val = nil
	std.Free(mem)
}

func (b *Box[T]) finalize() {
	if b.g.inner.mem != nil {
		leakf("sensitive: Box[%T] finalized before Destroy", *new(T))
		b.destroy()
	}
}

func (b *Box[T]) checkLive() {
	if b.g.inner.mem == nil && sizeOf[T]() > 0 {
		panic("sensitive: use of a destroyed Box")
	}
}

func (r *BoxRef[T]) Value() *T {
	if r.released {
		panic("sensitive: use of a released borrow")
	}
	return r.b.g.inner.val
}

func (r *BoxRef[T]) Release() {
	if r.released {
		panic("sensitive: double release")
	}
	r.released = true
	r.b.g.release()
}

func (r *BoxRefMut[T]) Value() *T {
	if r.released {
		panic("sensitive: use of a released borrow")
	}
	return r.b.g.inner.val
}

func (r *BoxRefMut[T]) Release() {
	if r.released {
		panic("sensitive: double release")
	}
	r.released = true
	r.b.g.releaseMut()
}
