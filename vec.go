// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sensitive

import (
	"runtime"
	"unsafe"
)

// rawVec is the guarded payload of a Vec: a length and a capacity over
// a sensitive interior. It is laid out directly against the allocator
// because Go containers cannot be parameterized over one.
type rawVec[T any] struct {
	mem []byte // full usable interior; nil while cap == 0
	len int    // elements
	cap int    // elements
}

func (v *rawVec[T]) pages() []byte {
	if v.cap == 0 {
		return nil
	}
	return v.mem
}

func (v *rawVec[T]) base() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(v.mem))
}

func (v *rawVec[T]) ptr(i int) *T {
	return (*T)(unsafe.Add(v.base(), i*sizeOf[T]()))
}

func (v *rawVec[T]) slice() []T {
	if v.cap == 0 {
		return nil
	}
	return unsafe.Slice((*T)(v.base()), v.len)
}

// grow ensures room for need more elements. Growth always allocates a
// fresh frame: a shrunk frame may have lost the reservation behind its
// tail, so allocations never grow in place. The old interior is wiped
// and released by the allocator. Requires writable pages when elements
// have to move.
func (v *rawVec[T]) grow(a *Allocator, need int, exact bool) error {
	if need <= v.cap-v.len {
		return nil
	}
	want := v.len + need
	if !exact && want < 2*v.cap {
		want = 2 * v.cap
	}

	es := sizeOf[T]()
	nb, err := a.Malloc(want * es)
	if err != nil {
		return err
	}
	nb = nb[:cap(nb)]

	if v.len > 0 {
		copy(nb, v.mem[:v.len*es])
	}

	old := v.mem
	v.mem = nb
	v.cap = cap(nb) / es
	if old != nil {
		a.Free(old)
	}
	return nil
}

// shrinkToFit gives unused trailing pages back to the OS. The data
// pointer does not move. Leaves the interior writable.
func (v *rawVec[T]) shrinkToFit(a *Allocator) {
	if v.cap == 0 {
		return
	}
	es := sizeOf[T]()
	if v.len == 0 {
		a.Free(v.mem)
		v.mem = nil
		v.cap = 0
		return
	}
	size := v.len * es
	if size >= len(v.mem) {
		return
	}
	nb := a.Shrink(v.mem, size)
	v.mem = nb[:cap(nb)]
	v.cap = cap(nb) / es
}

func (v *rawVec[T]) wipeSlots(from, to int) {
	es := sizeOf[T]()
	Wipe(v.mem[from*es : to*es])
}

// Vec is a growable sequence of T on guarded pages. Elements are
// inaccessible except under a borrow; vacated slots and released
// buffers are wiped.
//
// T must have a nonzero size and must not contain pointers: the Go
// collector does not scan the guarded interior.
type Vec[T any] struct {
	g guard[*rawVec[T]]
}

// NewVec returns an empty Vec with no allocation behind it.
func NewVec[T any]() *Vec[T] {
	if sizeOf[T]() == 0 {
		panic("sensitive: zero-size element type")
	}
	v := &Vec[T]{}
	v.g.inner = &rawVec[T]{}
	runtime.SetFinalizer(v, (*Vec[T]).finalize)
	return v
}

// WithCapacity returns an empty Vec whose frame already holds capacity
// elements. For a positive capacity the interior never falls below the
// usable size of one page worth of elements; a capacity of 0 allocates
// nothing.
func WithCapacity[T any](capacity int) (*Vec[T], error) {
	v := NewVec[T]()
	var err error
	v.g.mutate(func() {
		err = v.g.inner.grow(&std, capacity, true)
		v.g.lock()
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// FromSlice moves the elements of src into a fresh Vec and wipes src's
// storage afterwards. src cannot be relied on for secrecy if it was
// copied around before the call.
func FromSlice[T any](src []T) (*Vec[T], error) {
	v := NewVec[T]()
	var err error
	v.g.mutate(func() {
		rv := v.g.inner
		if len(src) > 0 {
			if err = rv.grow(&std, len(src), true); err != nil {
				return
			}
			es := sizeOf[T]()
			copy(rv.mem, unsafe.Slice((*byte)(unsafe.Pointer(&src[0])), len(src)*es))
			rv.len = len(src)
		}
		v.g.lock()
	})
	if err != nil {
		return nil, err
	}
	if len(src) > 0 {
		Wipe(unsafe.Slice((*byte)(unsafe.Pointer(&src[0])), len(src)*sizeOf[T]()))
	}
	return v, nil
}

// Len reports the number of elements. It does not synchronize with
// concurrent exclusive borrows.
func (v *Vec[T]) Len() int { return v.g.inner.len }

// Cap reports the element capacity of the current frame.
func (v *Vec[T]) Cap() int { return v.g.inner.cap }

func (v *Vec[T]) IsEmpty() bool { return v.Len() == 0 }

// Reserve ensures room for at least n more elements, growing
// amortized. The Vec must not be borrowed.
func (v *Vec[T]) Reserve(n int) error { return v.reserve(n, false) }

// ReserveExact ensures room for exactly n more elements.
func (v *Vec[T]) ReserveExact(n int) error { return v.reserve(n, true) }

func (v *Vec[T]) reserve(n int, exact bool) error {
	var err error
	v.g.mutate(func() {
		v.g.unlockMut()
		err = v.g.inner.grow(&std, n, exact)
		v.g.lock()
	})
	return err
}

// ShrinkToFit releases unused trailing pages. The Vec must not be
// borrowed. The data pointer does not move.
func (v *Vec[T]) ShrinkToFit() {
	v.g.mutate(func() {
		v.g.unlockMut()
		v.g.inner.shrinkToFit(&std)
		v.g.lock()
	})
}

// Borrow takes a shared borrow. Multiple shared borrows may coexist
// across goroutines; all of them observe read-only elements.
func (v *Vec[T]) Borrow() *VecRef[T] {
	v.g.acquire()
	return &VecRef[T]{v: v}
}

// BorrowMut takes the exclusive borrow. The caller must ensure no other
// borrow is active; a concurrent borrow panics.
func (v *Vec[T]) BorrowMut() *VecRefMut[T] {
	v.g.acquireMut()
	return &VecRefMut[T]{v: v}
}

// With runs f under a shared borrow over the element slice. The slice
// must not escape f.
func (v *Vec[T]) With(f func([]T)) {
	r := v.Borrow()
	defer r.Release()
	f(r.Slice())
}

// WithMut runs f under the exclusive borrow. The handle must not
// escape f.
func (v *Vec[T]) WithMut(f func(*VecRefMut[T])) {
	w := v.BorrowMut()
	defer w.Release()
	f(w)
}

// Destroy wipes the elements and releases the frame. The Vec must not
// be borrowed. Afterwards the Vec is empty and holds no frame; later
// borrows are not refused and see an empty sequence.
func (v *Vec[T]) Destroy() {
	if v.g.refs.n.Load() != 0 {
		panic("sensitive: destroy of a borrowed Vec")
	}
	runtime.SetFinalizer(v, nil)
	v.destroy()
}

func (v *Vec[T]) destroy() {
	rv := v.g.inner
	if rv.mem == nil {
		rv.len, rv.cap = 0, 0
		return
	}
	mem := rv.mem
	rv.mem = nil
	rv.len, rv.cap = 0, 0
	std.Free(mem)
}

func (v *Vec[T]) finalize() {
	if v.g.inner.mem != nil {
		leakf("sensitive: Vec[%T] finalized before Destroy", *new(T))
		v.destroy()
	}
}

// VecRef is a shared borrow of a Vec.
type VecRef[T any] struct {
	v        *Vec[T]
	released bool
}

func (r *VecRef[T]) raw() *rawVec[T] {
	if r.released {
		panic("sensitive: use of a released borrow")
	}
	return r.v.g.inner
}

func (r *VecRef[T]) Len() int { return r.raw().len }

// At returns the element at index i.
func (r *VecRef[T]) At(i int) T {
	rv := r.raw()
	if i < 0 || i >= rv.len {
		panic("sensitive: index out of range")
	}
	return *rv.ptr(i)
}

// Slice returns the elements as a slice. It is backed by read-only
// pages and must not escape the borrow.
func (r *VecRef[T]) Slice() []T { return r.raw().slice() }

func (r *VecRef[T]) Release() {
	if r.released {
		panic("sensitive: double release")
	}
	r.released = true
	r.v.g.release()
}

// VecRefMut is the exclusive borrow of a Vec.
type VecRefMut[T any] struct {
	v        *Vec[T]
	released bool
}

func (w *VecRefMut[T]) raw() *rawVec[T] {
	if w.released {
		panic("sensitive: use of a released borrow")
	}
	return w.v.g.inner
}

func (w *VecRefMut[T]) Len() int { return w.raw().len }
func (w *VecRefMut[T]) Cap() int { return w.raw().cap }

// Push appends x, growing the frame as needed.
func (w *VecRefMut[T]) Push(x T) {
	rv := w.raw()
	if err := rv.grow(&std, 1, false); err != nil {
		panic(err)
	}
	*rv.ptr(rv.len) = x
	rv.len++
}

// Append appends all of xs.
func (w *VecRefMut[T]) Append(xs ...T) {
	rv := w.raw()
	if len(xs) == 0 {
		return
	}
	if err := rv.grow(&std, len(xs), false); err != nil {
		panic(err)
	}
	for _, x := range xs {
		*rv.ptr(rv.len) = x
		rv.len++
	}
}

// Pop removes and returns the last element. The vacated slot is wiped.
func (w *VecRefMut[T]) Pop() (T, bool) {
	rv := w.raw()
	if rv.len == 0 {
		var zero T
		return zero, false
	}
	x := *rv.ptr(rv.len - 1)
	rv.wipeSlots(rv.len-1, rv.len)
	rv.len--
	return x, true
}

// Resize changes the length to n. New slots are set to fill; vacated
// slots are wiped.
func (w *VecRefMut[T]) Resize(n int, fill T) {
	rv := w.raw()
	if n < 0 {
		panic("sensitive: negative length")
	}
	switch {
	case n < rv.len:
		rv.wipeSlots(n, rv.len)
		rv.len = n
	case n > rv.len:
		if err := rv.grow(&std, n-rv.len, false); err != nil {
			panic(err)
		}
		for i := rv.len; i < n; i++ {
			*rv.ptr(i) = fill
		}
		rv.len = n
	}
}

// At returns the element at index i.
func (w *VecRefMut[T]) At(i int) T {
	rv := w.raw()
	if i < 0 || i >= rv.len {
		panic("sensitive: index out of range")
	}
	return *rv.ptr(i)
}

// Set stores x at index i.
func (w *VecRefMut[T]) Set(i int, x T) {
	rv := w.raw()
	if i < 0 || i >= rv.len {
		panic("sensitive: index out of range")
	}
	*rv.ptr(i) = x
}

// Slice returns the elements as a writable slice. It must not escape
// the borrow.
func (w *VecRefMut[T]) Slice() []T { return w.raw().slice() }

// Reserve ensures room for at least n more elements.
func (w *VecRefMut[T]) Reserve(n int) {
	if err := w.raw().grow(&std, n, false); err != nil {
		panic(err)
	}
}

// ReserveExact ensures room for exactly n more elements.
func (w *VecRefMut[T]) ReserveExact(n int) {
	if err := w.raw().grow(&std, n, true); err != nil {
		panic(err)
	}
}

// ShrinkToFit gives unused trailing pages back to the OS without moving
// the data pointer.
func (w *VecRefMut[T]) ShrinkToFit() {
	w.raw().shrinkToFit(&std)
}

// SetLen sets the length without initializing or wiping anything. The
// caller is responsible for n being within capacity and the slots
// holding valid elements.
func (w *VecRefMut[T]) SetLen(n int) {
	rv := w.raw()
	if n < 0 || n > rv.cap {
		panic("sensitive: length out of range")
	}
	rv.len = n
}

func (w *VecRefMut[T]) Release() {
	if w.released {
		panic("sensitive: double release")
	}
	w.released = true
	w.v.g.releaseMut()
}

// scalar are the element types supported by the constant-time
// comparison. Matching widths are required on both sides.
type scalar interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint | ~uintptr
}

// cmpMin is the comparison floor: a non-empty frame always has room for
// at least this many elements, so the fold below never degenerates to
// a handful of iterations that would expose the length.
const cmpMin = 32

// Equal compares the Vec's elements against other in constant time
// within the frame capacity: the fold visits min(len(other), cap)
// slots and folds the length difference in afterwards, so timing and
// access pattern are independent of where the first mismatch sits.
func Equal[T scalar](v *Vec[T], other []T) bool {
	r := v.Borrow()
	defer r.Release()
	return eqLocked(v.g.inner, other)
}

func eqLocked[T scalar](rv *rawVec[T], other []T) bool {
	if rv.cap == 0 {
		return len(other) == 0
	}

	n := len(other)
	if n > rv.cap {
		n = rv.cap
	}

	var d uint64
	for i := 0; i < n; i++ {
		d |= uint64(*rv.ptr(i)) ^ uint64(other[i])
	}

	diff := rv.len - len(other)
	if diff < 0 {
		diff = -diff
	}
	return d|uint64(diff) == 0
}
