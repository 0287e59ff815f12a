// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sensitive

import (
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// String is a guarded sequence of UTF-8 bytes held in canonical
// decomposition (NFD) at all times: every rune pushed is stored as its
// canonical decomposition, so two canonically equivalent texts produce
// identical byte sequences.
type String struct {
	v *Vec[byte]
}

// NewString returns an empty String with no allocation behind it.
func NewString() *String {
	return &String{v: NewVec[byte]()}
}

// FromString builds a String from the canonical decomposition of s.
// The input string itself is immutable and cannot be wiped; callers
// holding the secret in a mutable buffer should prefer FromBytes.
func FromString(s string) (*String, error) {
	str := NewString()
	var err error
	str.v.g.mutate(func() {
		err = appendNFDString(str.v.g.inner, s)
		str.v.g.lock()
	})
	if err != nil {
		return nil, err
	}
	return str, nil
}

// FromBytes builds a String from the canonical decomposition of the
// UTF-8 bytes in src and wipes src afterwards.
func FromBytes(src []byte) (*String, error) {
	str := NewString()
	var err error
	str.v.g.mutate(func() {
		it := norm.Iter{}
		it.Init(norm.NFD, src)
		err = appendNFDIter(str.v.g.inner, &it)
		str.v.g.lock()
	})
	if err != nil {
		return nil, err
	}
	Wipe(src)
	return str, nil
}

func appendNFDString(rv *rawVec[byte], s string) error {
	it := norm.Iter{}
	it.InitString(norm.NFD, s)
	return appendNFDIter(rv, &it)
}

func appendNFDIter(rv *rawVec[byte], it *norm.Iter) error {
	for !it.Done() {
		seg := it.Next()
		if err := rv.grow(&std, len(seg), false); err != nil {
			return err
		}
		copy(rv.mem[rv.len:], seg)
		rv.len += len(seg)
	}
	return nil
}

// Len reports the length in bytes of the decomposed form.
func (s *String) Len() int { return s.v.Len() }

// Cap reports the byte capacity of the current frame.
func (s *String) Cap() int { return s.v.Cap() }

func (s *String) IsEmpty() bool { return s.v.IsEmpty() }

// Reserve ensures room for at least n more bytes.
func (s *String) Reserve(n int) error { return s.v.Reserve(n) }

// ReserveExact ensures room for exactly n more bytes.
func (s *String) ReserveExact(n int) error { return s.v.ReserveExact(n) }

// Borrow takes a shared borrow of the decomposed bytes.
func (s *String) Borrow() *StringRef {
	return &StringRef{r: s.v.Borrow()}
}

// BorrowMut takes the exclusive borrow.
func (s *String) BorrowMut() *StringRefMut {
	return &StringRefMut{w: s.v.BorrowMut()}
}

// With runs f under a shared borrow over the decomposed bytes. The
// slice must not escape f.
func (s *String) With(f func([]byte)) {
	r := s.Borrow()
	defer r.Release()
	f(r.Bytes())
}

// WithMut runs f under the exclusive borrow.
func (s *String) WithMut(f func(*StringRefMut)) {
	w := s.BorrowMut()
	defer w.Release()
	f(w)
}

// Equal compares two Strings byte-for-byte over their decomposed forms
// in constant time within the frame capacity.
func (s *String) Equal(o *String) bool {
	if s == o {
		return true
	}
	a := s.Borrow()
	defer a.Release()
	b := o.Borrow()
	defer b.Release()
	return eqLocked(s.v.g.inner, b.Bytes())
}

// EqualString compares against the canonical decomposition of t. The
// decomposed copy of t is transient heap memory; it is wiped before
// returning, but t itself cannot be.
func (s *String) EqualString(t string) bool {
	nt := norm.NFD.Bytes([]byte(t))
	r := s.Borrow()
	eq := eqLocked(s.v.g.inner, nt)
	r.Release()
	Wipe(nt)
	return eq
}

// Destroy wipes the bytes and releases the frame.
func (s *String) Destroy() { s.v.Destroy() }

// StringRef is a shared borrow of a String.
type StringRef struct {
	r *VecRef[byte]
}

// Bytes returns the decomposed bytes. They are backed by read-only
// pages and must not escape the borrow.
func (r *StringRef) Bytes() []byte { return r.r.Slice() }

func (r *StringRef) Len() int { return r.r.Len() }

// Runes decodes the bytes into a fresh rune slice. The result is
// ordinary heap memory; wipe it when done.
func (r *StringRef) Runes() []rune {
	b := r.Bytes()
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		c, size := utf8.DecodeRune(b)
		out = append(out, c)
		b = b[size:]
	}
	return out
}

func (r *StringRef) Release() { r.r.Release() }

// StringRefMut is the exclusive borrow of a String.
type StringRefMut struct {
	w *VecRefMut[byte]
}

// Bytes returns the decomposed bytes as a writable slice. Callers must
// keep the contents valid decomposed UTF-8.
func (w *StringRefMut) Bytes() []byte { return w.w.Slice() }

func (w *StringRefMut) Len() int { return w.w.Len() }

// PushRune appends the canonical decomposition of c.
func (w *StringRefMut) PushRune(c rune) {
	var enc [utf8.UTFMax]byte
	n := utf8.EncodeRune(enc[:], c)

	var buf [64]byte
	dec := norm.NFD.Append(buf[:0], enc[:n]...)

	rv := w.w.raw()
	if err := rv.grow(&std, len(dec), false); err != nil {
		panic(err)
	}
	copy(rv.mem[rv.len:], dec)
	rv.len += len(dec)

	Wipe(dec)
	Wipe(enc[:])
}

// PushString appends the canonical decomposition of t.
func (w *StringRefMut) PushString(t string) {
	if err := appendNFDString(w.w.raw(), t); err != nil {
		panic(err)
	}
}

// PopRune removes the last scalar and returns it. The vacated bytes
// are wiped as the length retreats.
func (w *StringRefMut) PopRune() (rune, bool) {
	rv := w.w.raw()
	if rv.len == 0 {
		return 0, false
	}
	b := rv.mem[:rv.len]
	c, size := utf8.DecodeLastRune(b)
	Wipe(b[rv.len-size:])
	rv.len -= size
	return c, true
}

func (w *StringRefMut) Release() { w.w.Release() }
