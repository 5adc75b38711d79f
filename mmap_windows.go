// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2017 The Memory Authors.

package memory

import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// mmap on Windows is a two-step process.
// First, we call CreateFileMapping to get a handle.
// Then, we call MapviewToFile to get an actual pointer into memory.

// We keep this map so that we can get back the original handle from the
// memory address. Guarded by handleMu: the allocator maps and unmaps from
// multiple threads.
var (
	handleMu  sync.Mutex
	handleMap = map[uintptr]windows.Handle{}
)

func mmap(size int) ([]byte, error) {
	flProtect := uint32(windows.PAGE_READWRITE)
	dwDesiredAccess := uint32(windows.FILE_MAP_WRITE)

	// The maximum size is the area of the file, starting from 0,
	// that we wish to allow to be mappable. This does not map the
	// data into memory.
	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, errno := windows.CreateFileMapping(windows.InvalidHandle, nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, os.NewSyscallError("CreateFileMapping", errno)
	}

	// Actually map a view of the data into memory. The view's size
	// is the length the user requested.
	addr, errno := windows.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(size))
	if addr == 0 {
		windows.CloseHandle(h)
		return nil, os.NewSyscallError("MapViewOfFile", errno)
	}

	if addr&uintptr(osPageMask) != 0 {
		panic("internal error")
	}

	handleMu.Lock()
	handleMap[addr] = h
	handleMu.Unlock()
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func unmap(addr unsafe.Pointer, size int) error {
	// Hold the lock across the UnmapViewOfFile and the handleMap deletion.
	// As soon as we unmap the view, the OS is free to give the same addr to
	// another new map, whose insertion must not interleave with our removal.
	handleMu.Lock()
	defer handleMu.Unlock()
	if err := windows.UnmapViewOfFile(uintptr(addr)); err != nil {
		return err
	}

	handle, ok := handleMap[uintptr(addr)]
	if !ok {
		// should be impossible; we would've errored above
		return errors.New("unknown base address")
	}
	delete(handleMap, uintptr(addr))

	return os.NewSyscallError("CloseHandle", windows.CloseHandle(handle))
}
