// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

//go:build unix

// Modifications (c) 2017 The Memory Authors.

package memory

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mmap returns a zero-filled, private, read-write region of exactly size
// bytes. The same size must later be passed to unmap; the kernel applies its
// page rounding identically on both calls.
func mmap(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}

	if uintptr(unsafe.Pointer(&b[0]))&uintptr(osPageMask) != 0 {
		panic("internal error")
	}

	return b, nil
}

func unmap(addr unsafe.Pointer, size int) error {
	if err := unix.Munmap(unsafe.Slice((*byte)(addr), size)); err != nil {
		return errors.Wrap(err, "munmap")
	}

	return nil
}
