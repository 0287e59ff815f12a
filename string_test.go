// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sensitive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"
)

const (
	umlauts           = "\u00c4\u00d6\u00dc\u00e4\u00f6\u00fc\u00df"
	umlautsDecomposed = "A\u0308O\u0308U\u0308a\u0308o\u0308u\u0308\u00df"
)

func TestStringDecomposes(t *testing.T) {
	s, err := FromString(umlauts)
	require.NoError(t, err)
	defer s.Destroy()

	d, err := FromString(umlautsDecomposed)
	require.NoError(t, err)
	defer d.Destroy()

	a := s.Borrow()
	b := d.Borrow()
	assert.Equal(t, []byte(umlautsDecomposed), a.Bytes())
	assert.Equal(t, b.Bytes(), a.Bytes())
	a.Release()
	b.Release()

	assert.True(t, s.Equal(d))
}

func TestStringEquivalentInputs(t *testing.T) {
	// Canonically equivalent spellings produce identical byte
	// sequences.
	inputs := []string{
		"\u1e69",            // composed
		"s\u0323\u0307", // fully decomposed
		"\u1e61\u0323",  // partially composed
		"s\u0307\u0323", // marks in non-canonical order
	}

	first, err := FromString(inputs[0])
	require.NoError(t, err)
	defer first.Destroy()

	for _, in := range inputs[1:] {
		s, err := FromString(in)
		require.NoError(t, err)
		assert.True(t, first.Equal(s), "%q", in)
		s.Destroy()
	}
}

func TestStringPushPop(t *testing.T) {
	s := NewString()
	defer s.Destroy()

	w := s.BorrowMut()
	w.PushString("\u00c4")

	// The stored form is the canonical decomposition.
	assert.Equal(t, []byte("A\u0308"), w.Bytes())

	c, ok := w.PopRune()
	require.True(t, ok)
	assert.Equal(t, '\u0308', c)

	c, ok = w.PopRune()
	require.True(t, ok)
	assert.Equal(t, 'A', c)

	_, ok = w.PopRune()
	assert.False(t, ok)

	// Popping and re-pushing a scalar restores the byte sequence.
	w.PushString("\u00c4")
	before := append([]byte(nil), w.Bytes()...)
	c, _ = w.PopRune()
	w.PushRune(c)
	assert.Equal(t, before, w.Bytes())
	w.Release()
}

func TestStringPopWipes(t *testing.T) {
	s, err := FromString("geheim")
	require.NoError(t, err)
	defer s.Destroy()

	w := s.BorrowMut()
	n := w.Len()
	w.PopRune()

	rv := s.v.g.inner
	for _, b := range rv.mem[w.Len():n] {
		assert.Zero(t, b)
	}
	w.Release()
}

func TestStringPushRuneDecomposes(t *testing.T) {
	s := NewString()
	defer s.Destroy()

	w := s.BorrowMut()
	w.PushRune('\u00c4')
	w.PushRune('\u00df') // no decomposition
	assert.Equal(t, []byte("A\u0308\u00df"), w.Bytes())
	w.Release()
}

func TestStringEqualString(t *testing.T) {
	s, err := FromString("pa\u00dfwort \u00c4")
	require.NoError(t, err)
	defer s.Destroy()

	assert.True(t, s.EqualString("pa\u00dfwort \u00c4"))
	assert.True(t, s.EqualString("pa\u00dfwort A\u0308"))
	assert.False(t, s.EqualString("pa\u00dfwort \u00d6"))
	assert.False(t, s.EqualString("pa\u00dfwort"))
}

func TestStringEmpty(t *testing.T) {
	s := NewString()
	defer s.Destroy()

	assert.True(t, s.IsEmpty())
	assert.Zero(t, s.Len())

	o, err := FromString("")
	require.NoError(t, err)
	defer o.Destroy()

	assert.True(t, s.Equal(o))
	assert.True(t, s.EqualString(""))
	assert.False(t, s.EqualString("x"))
}

func TestStringFromBytesWipesSource(t *testing.T) {
	src := []byte("hunter2")
	s, err := FromBytes(src)
	require.NoError(t, err)
	defer s.Destroy()

	for _, b := range src {
		assert.Zero(t, b)
	}

	assert.True(t, s.EqualString("hunter2"))
}

func TestStringRunes(t *testing.T) {
	s, err := FromString("\u00c4h")
	require.NoError(t, err)
	defer s.Destroy()

	r := s.Borrow()
	assert.Equal(t, []rune{'A', '\u0308', 'h'}, r.Runes())
	r.Release()
}

func TestStringMatchesNorm(t *testing.T) {
	for _, in := range []string{
		"",
		"ascii only",
		umlauts,
		"\u015bpi\u0105czka",
		"\u1e69",
	} {
		s, err := FromString(in)
		require.NoError(t, err)

		s.With(func(b []byte) {
			assert.Equal(t, norm.NFD.Bytes([]byte(in)), b, "%q", in)
		})
		s.Destroy()
	}
}
