// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package sensitive

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// On unix the reservation unit and the protection unit coincide.
func osGeometry() (page, gran int) {
	page = unix.Getpagesize()
	return page, page
}

func sysProt(prot Protection) int {
	switch prot {
	case NoAccess:
		return unix.PROT_NONE
	case ReadOnly:
		return unix.PROT_READ
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	}
	panic("sensitive: unknown protection")
}

// allocatePages reserves and commits size bytes of anonymous memory
// with the given initial protection. size must be a multiple of the
// allocation granularity.
func allocatePages(size int, prot Protection) (unsafe.Pointer, error) {
	addr, err := unix.MmapPtr(-1, 0, nil, uintptr(size), sysProt(prot), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	if uintptr(addr)&uintptr(PageSize()-1) != 0 {
		panic("internal error")
	}
	return addr, nil
}

// releasePages unmaps [addr, addr+size).
func releasePages(addr unsafe.Pointer, size int) error {
	return errors.Wrap(unix.MunmapPtr(addr, uintptr(size)), "munmap")
}

// uncommitPages returns a trailing sub-range to the OS. munmap releases
// partial ranges, so on unix the reservation is gone as well.
func uncommitPages(addr unsafe.Pointer, size int) error {
	return releasePages(addr, size)
}

// protectPages changes the protection of an exact page-aligned range.
func protectPages(b []byte, prot Protection) error {
	if len(b) == 0 {
		return nil
	}
	return errors.Wrap(unix.Mprotect(b, sysProt(prot)), "mprotect")
}

// lockPages pins b into physical memory. Callers treat failure as
// non-fatal; many systems cap the amount an unprivileged process may
// pin.
func lockPages(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return errors.Wrap(unix.Mlock(b), "mlock")
}

// unlockPages undoes lockPages. Failure is non-fatal.
func unlockPages(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return errors.Wrap(unix.Munlock(b), "munlock")
}
