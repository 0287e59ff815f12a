// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package sensitive

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// Windows reserves address space in units of the allocation
// granularity, typically 64 KiB, while protection still operates on
// pages.
func osGeometry() (page, gran int) {
	var si windows.SystemInfo
	windows.GetSystemInfo(&si)
	return int(si.PageSize), int(si.AllocationGranularity)
}

func sysProt(prot Protection) uint32 {
	switch prot {
	case NoAccess:
		return windows.PAGE_NOACCESS
	case ReadOnly:
		return windows.PAGE_READONLY
	case ReadWrite:
		return windows.PAGE_READWRITE
	}
	panic("sensitive: unknown protection")
}

// allocatePages reserves and commits size bytes with the given initial
// protection. size must be a multiple of the allocation granularity.
func allocatePages(size int, prot Protection) (unsafe.Pointer, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, sysProt(prot))
	if err != nil {
		return nil, errors.Wrap(err, "VirtualAlloc")
	}
	if addr&uintptr(PageSize()-1) != 0 {
		panic("internal error")
	}
	return unsafe.Pointer(addr), nil
}

// releasePages frees the whole reservation containing addr. VirtualFree
// with MEM_RELEASE only accepts the reservation base and frees it in
// full; size is ignored.
func releasePages(addr unsafe.Pointer, size int) error {
	_ = size
	return errors.Wrap(windows.VirtualFree(uintptr(addr), 0, windows.MEM_RELEASE), "VirtualFree")
}

// uncommitPages returns the physical backing of [addr, addr+size) to
// the OS while keeping the address range reserved.
func uncommitPages(addr unsafe.Pointer, size int) error {
	return errors.Wrap(windows.VirtualFree(uintptr(addr), uintptr(size), windows.MEM_DECOMMIT), "VirtualFree")
}

// protectPages changes the protection of an exact page-aligned range.
func protectPages(b []byte, prot Protection) error {
	if len(b) == 0 {
		return nil
	}
	var old uint32
	err := windows.VirtualProtect(uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), sysProt(prot), &old)
	return errors.Wrap(err, "VirtualProtect")
}

// lockPages pins b into physical memory. Callers treat failure as
// non-fatal; the default working-set quota is small.
func lockPages(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return errors.Wrap(windows.VirtualLock(uintptr(unsafe.Pointer(&b[0])), uintptr(len(b))), "VirtualLock")
}

// unlockPages undoes lockPages. Failure is non-fatal.
func unlockPages(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return errors.Wrap(windows.VirtualUnlock(uintptr(unsafe.Pointer(&b[0])), uintptr(len(b))), "VirtualUnlock")
}
