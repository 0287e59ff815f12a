// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sensitive provides guarded containers for secrets held in
// process memory.
//
// A secret's bytes live on dedicated virtual-memory pages that are kept
// inaccessible by default: a wild pointer, an overrun or a memory scan
// trips a fault instead of reading key material. Each allocation is
// bracketed by no-access guard pages, pinned into physical memory on a
// best-effort basis, and wiped before its pages are returned to the
// operating system.
//
// Access happens through explicit, scoped borrows. A shared borrow
// makes the bytes read-only for its duration; an exclusive borrow makes
// them writable. When the last borrow is released the pages revert to
// no-access. The containers Box, Vec and String build on this protocol.
//
//	v := sensitive.NewVec[byte]()
//	defer v.Destroy()
//
//	w := v.BorrowMut()
//	w.Append(key...)
//	w.Release()
//
//	r := v.Borrow()
//	use(r.Slice())
//	r.Release()
//
// The protections are access control, not confidentiality against an
// attacker with kernel or ptrace privileges. Allocations are
// significantly larger than the amount of memory requested; use of this
// package should be limited to storing secrets.
package sensitive

import (
	"runtime"
	"sync"
)

// Protection is the access level of a page range.
type Protection int

const (
	// NoAccess traps every load and store.
	NoAccess Protection = iota
	// ReadOnly permits loads.
	ReadOnly
	// ReadWrite permits loads and stores.
	ReadWrite
)

var (
	geometryOnce sync.Once
	pageSize     int
	granularity  int
)

func initGeometry() {
	pageSize, granularity = osGeometry()
	if !isPowerOfTwo(pageSize) || !isPowerOfTwo(granularity) {
		panic("sensitive: page geometry is not a power of two")
	}
	if granularity < pageSize {
		panic("sensitive: allocation granularity below page size")
	}
}

// PageSize returns the OS page size, the unit at which protection
// changes operate. It is fetched once per process.
func PageSize() int {
	geometryOnce.Do(initGeometry)
	return pageSize
}

// Granularity returns the allocation granularity, the unit at which
// virtual ranges are reserved and released as a whole. It is at least
// PageSize.
func Granularity() int {
	geometryOnce.Do(initGeometry)
	return granularity
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// if n%m != 0 { n += m-n%m }. m must be a power of 2.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

func pageAlign(n int) int { return roundup(n, PageSize()) }
func granAlign(n int) int { return roundup(n, Granularity()) }

// Wipe overwrites b with zero bytes. The write is anchored with
// runtime.KeepAlive so it happens even when b is about to become
// unreachable or its backing pages are about to be released.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b[0])
}
