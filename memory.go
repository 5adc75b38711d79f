// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memory implements a thread-scalable memory allocator.
//
// Small allocations are served from superblocks: fixed-size regions obtained
// from the OS, carved into uniform blocks of one power-of-two size class.
// Superblocks are owned by CPU heaps; a thread hashes onto one of them, so
// unrelated threads mostly touch unrelated locks. A shared global heap holds
// underpopulated superblocks: a CPU heap whose size class drifts too empty
// evicts its emptiest superblock there, and a CPU heap that runs dry steals
// one back before asking the OS for fresh memory. Allocations larger than
// half a superblock bypass the heaps and map their own region.
package memory

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"modernc.org/mathutil"
)

const (
	superblockSize = 1 << 16 // bytes obtained from the OS for every superblock
	numCPUs        = 8       // CPU heaps; threads hash onto [0, numCPUs)
	numClasses     = 16      // size classes; class c serves payloads of 1<<c bytes
	emptyFraction  = 0.4     // fraction of a CPU heap's class allowed to sit free
	slack          = 0       // superblocks of extra slack tolerated by the invariant

	numHeaps      = numCPUs + 1
	globalHeap    = numCPUs // heaps[globalHeap] holds underpopulated superblocks
	sizeThreshold = superblockSize / 2

	mallocAllign = 16 // Must be >= 16
	trace        = false
)

var (
	blockHeaderSize      = roundup(int(unsafe.Sizeof(blockHeader{})), mallocAllign)
	superblockHeaderSize = roundup(int(unsafe.Sizeof(superblock{})), mallocAllign)
	osPageMask           = osPageSize - 1
	osPageSize           = os.Getpagesize()
)

// if n%m != 0 { n += m-n%m }. m must be a power of 2.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

// classOf maps a payload size to its size class. Class c serves payloads of
// 1<<c bytes; size <= 1 maps to class 0. Sizes above sizeThreshold never get
// here, so the result is always below numClasses.
func classOf(size int) int {
	if size <= 1 {
		return 0
	}

	return mathutil.BitLen(size - 1)
}

func cpuIndex() int { return threadID() % numCPUs }

// Allocator allocates and frees memory. Its zero value is ready for use; the
// heaps are built on the first allocation and live until Close.
type Allocator struct {
	allocs atomic.Int64 // # of live allocations.
	bytes  atomic.Int64 // Asked from OS.
	mmaps  atomic.Int64 // Asked from OS.

	heaps *[numHeaps]heap

	initMu sync.Mutex
	inited atomic.Bool

	regsMu sync.Mutex
	regs   map[uintptr]int // mapped region base -> mapped size
}

func (a *Allocator) init0() {
	if a.inited.Load() {
		return
	}

	a.initMu.Lock()
	defer a.initMu.Unlock()
	if a.inited.Load() {
		return
	}

	h := new([numHeaps]heap)
	for i := range h {
		h[i].id = i
		for c := range h[i].classes {
			h[i].classes[c].size = 1 << uint(c)
		}
	}
	a.heaps = h
	a.inited.Store(true)
}

func (a *Allocator) mmap(size int) (unsafe.Pointer, error) {
	b, err := mmap(size)
	if err != nil {
		return nil, err
	}

	p := unsafe.Pointer(&b[0])
	a.mmaps.Add(1)
	a.bytes.Add(int64(size))
	a.regsMu.Lock()
	if a.regs == nil {
		a.regs = map[uintptr]int{}
	}
	a.regs[uintptr(p)] = size
	a.regsMu.Unlock()
	return p, nil
}

// unmapRegion releases a region with the byte count it was mapped with.
func (a *Allocator) unmapRegion(p unsafe.Pointer, size int) error {
	a.regsMu.Lock()
	delete(a.regs, uintptr(p))
	a.regsMu.Unlock()
	a.mmaps.Add(-1)
	a.bytes.Add(-int64(size))
	return unmap(p, size)
}

// Calloc is like Malloc except the num*size payload bytes are zeroed.
func (a *Allocator) Calloc(num, size int) (r []byte, err error) {
	p, err := a.UnsafeCalloc(num, size)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(p), UnsafeUsableSize(p))[:num*size], nil
}

// Close releases all OS resources used by a and resets it to its zero value.
//
// It's not necessary to Close the Allocator when exiting a process.
func (a *Allocator) Close() (err error) {
	a.regsMu.Lock()
	regs := a.regs
	a.regs = nil
	a.regsMu.Unlock()
	for base, size := range regs {
		if e := unmap(unsafe.Pointer(base), size); e != nil && err == nil {
			err = e
		}
	}
	a.allocs.Store(0)
	a.bytes.Store(0)
	a.mmaps.Store(0)
	a.heaps = nil
	a.inited.Store(false)
	return err
}

// Free deallocates memory (as in C.free). The argument of Free must have been
// acquired from Calloc or Malloc or Realloc. A zero-capacity slice is a
// no-op.
func (a *Allocator) Free(b []byte) (err error) {
	if cap(b) == 0 {
		return nil
	}

	b = b[:cap(b)]
	return a.UnsafeFree(unsafe.Pointer(&b[0]))
}

// Malloc allocates size bytes and returns a byte slice of the allocated
// memory. The memory is not initialized. Malloc panics for size < 0. A zero
// size is permitted and returns a minimal block resliced to length 0.
//
// It's ok to reslice the returned slice but the result of appending to it
// cannot be passed to Free or Realloc as it may refer to a different backing
// array afterwards.
func (a *Allocator) Malloc(size int) (r []byte, err error) {
	p, err := a.UnsafeMalloc(size)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(p), UnsafeUsableSize(p))[:size], nil
}

// Realloc allocates a new block of size bytes, copies the first
// min(usable size of b, size) bytes of b into it, frees b and returns the new
// block. If the allocation fails, b is left intact. If b has zero capacity
// the call is equivalent to Malloc(size); if size is zero the call is
// equivalent to Free(b).
func (a *Allocator) Realloc(b []byte, size int) (r []byte, err error) {
	switch {
	case cap(b) == 0:
		return a.Malloc(size)
	case size == 0:
		return nil, a.Free(b)
	}

	b = b[:cap(b)]
	p, err := a.UnsafeRealloc(unsafe.Pointer(&b[0]), size)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(p), UnsafeUsableSize(p))[:size], nil
}

// UnsafeCalloc is like Calloc except it returns an unsafe.Pointer.
func (a *Allocator) UnsafeCalloc(num, size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Calloc(%#x, %#x) %p, %v\n", num, size, r, err)
		}()
	}
	n := num * size
	if r, err = a.UnsafeMalloc(n); err != nil {
		return nil, err
	}

	b := unsafe.Slice((*byte)(r), n)
	for i := range b {
		b[i] = 0
	}
	return r, nil
}

// UnsafeFree is like Free except its argument is an unsafe.Pointer, which
// must have been acquired from UnsafeCalloc or UnsafeMalloc or UnsafeRealloc.
// A nil pointer is a no-op.
func (a *Allocator) UnsafeFree(p unsafe.Pointer) (err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Free(%p) %v\n", p, err)
		}()
	}
	if p == nil {
		return nil
	}

	a.allocs.Add(-1)
	blk := header(p)
	if blk.size > sizeThreshold {
		return a.unmapRegion(unsafe.Pointer(blk), blk.size+blockHeaderSize)
	}

	class := classOf(blk.size)
	sb := blk.parent

	// The superblock lock is taken before the class lock, but migrate does
	// not take it, so the heap read under it can go stale. A migration that
	// won the window is detected once the class lock is held and the handoff
	// retried; with the class lock of the current heap held, the superblock
	// cannot leave it.
	var h *heap
	var sc *sizeClass
	for {
		sb.mu.Lock()
		h = sb.parent.Load()
		sc = &h.classes[class]
		sc.mu.Lock()
		sb.mu.Unlock()
		if sb.parent.Load() == h {
			break
		}

		sc.mu.Unlock()
	}

	blk.next = sb.freeList
	sb.freeList = blk
	sb.used--
	sc.used--
	sc.bubbleDown(sb)

	// A CPU heap may not hoard free blocks. A free that leaves the class
	// violating the emptiness invariant evicts its emptiest superblock to the
	// global heap. At most one superblock is evicted per free, so the class
	// can still be in violation afterwards until a later free evicts another.
	if h.id != globalHeap && sc.used < sc.nblocks-slack*sb.nblocks && float64(sc.used) < (1-emptyFraction)*float64(sc.nblocks) {
		g := &a.heaps[globalHeap]
		gc := &g.classes[class]
		gc.mu.Lock()
		migrate(sc.tail, h, g, class)
		gc.mu.Unlock()
	}
	sc.mu.Unlock()
	return nil
}

// UnsafeMalloc is like Malloc except it returns an unsafe.Pointer.
func (a *Allocator) UnsafeMalloc(size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Malloc(%#x) %p, %v\n", size, r, err)
		}()
	}
	if size < 0 {
		panic("invalid malloc size")
	}

	a.init0()
	if size > sizeThreshold {
		p, err := a.mmap(size + blockHeaderSize)
		if err != nil {
			return nil, errors.Wrap(err, "large alloc")
		}

		blk := (*blockHeader)(p)
		blk.size = size
		a.allocs.Add(1)
		return blk.payload(), nil
	}

	class := classOf(size)
	h := &a.heaps[cpuIndex()]
	sc := &h.classes[class]
	sc.mu.Lock()
	if blk := sc.findFree(); blk != nil {
		sb := blk.parent
		sb.freeList = blk.next
		sb.used++
		sc.used++
		sc.bubbleUp(sb)
		sc.mu.Unlock()
		a.allocs.Add(1)
		return blk.payload(), nil
	}

	// The CPU heap is dry. Steal an underpopulated superblock from the
	// global heap; such a superblock always has free blocks.
	g := &a.heaps[globalHeap]
	gc := &g.classes[class]
	gc.mu.Lock()
	if sb := gc.head; sb != nil {
		blk := sb.freeList
		sb.freeList = blk.next
		sb.used++
		gc.used++
		migrate(sb, g, h, class)
		gc.mu.Unlock()
		sc.mu.Unlock()
		a.allocs.Add(1)
		return blk.payload(), nil
	}

	// Nothing to steal either: grow the CPU heap with a fresh superblock.
	p, err := a.mmap(superblockSize)
	if err != nil {
		gc.mu.Unlock()
		sc.mu.Unlock()
		return nil, errors.Wrap(err, "new superblock")
	}

	sb := carve(p, class)
	sb.parent.Store(h)
	blk := sb.freeList
	sb.freeList = blk.next
	sb.used = 1
	sc.used++
	sc.nblocks += sb.nblocks
	sc.pushTail(sb)
	sc.bubbleUp(sb)
	sc.mu.Unlock()
	gc.mu.Unlock()
	a.allocs.Add(1)
	return blk.payload(), nil
}

// UnsafeRealloc is like Realloc except its first argument is an
// unsafe.Pointer, which must have been returned from UnsafeCalloc,
// UnsafeMalloc or UnsafeRealloc.
func (a *Allocator) UnsafeRealloc(p unsafe.Pointer, size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Realloc(%p, %#x) %p, %v\n", p, size, r, err)
		}()
	}
	switch {
	case p == nil:
		return a.UnsafeMalloc(size)
	case size == 0:
		return nil, a.UnsafeFree(p)
	}

	if r, err = a.UnsafeMalloc(size); err != nil {
		return nil, err
	}

	n := header(p).size
	if n > size {
		n = size
	}
	copy(unsafe.Slice((*byte)(r), n), unsafe.Slice((*byte)(p), n))
	return r, a.UnsafeFree(p)
}

// UnsafeUsableSize is like UsableSize except its argument is an
// unsafe.Pointer, which must have been returned from UnsafeCalloc,
// UnsafeMalloc or UnsafeRealloc.
func UnsafeUsableSize(p unsafe.Pointer) (r int) {
	if p == nil {
		return 0
	}

	return header(p).size
}

// UsableSize reports the size of the memory block allocated at p, which must
// point to the first byte of a slice returned from Calloc, Malloc or Realloc.
// The allocated memory block size can be larger than the size originally
// requested from Calloc, Malloc or Realloc.
func UsableSize(p *byte) (r int) { return UnsafeUsableSize(unsafe.Pointer(p)) }

// The process-wide allocator behind the package-level functions. Built on
// first use, never torn down.
var defaultAllocator Allocator

// Malloc allocates from the process-wide allocator.
func Malloc(size int) ([]byte, error) { return defaultAllocator.Malloc(size) }

// Calloc allocates zeroed memory from the process-wide allocator.
func Calloc(num, size int) ([]byte, error) { return defaultAllocator.Calloc(num, size) }

// Free returns b to the process-wide allocator.
func Free(b []byte) error { return defaultAllocator.Free(b) }

// Realloc resizes b within the process-wide allocator.
func Realloc(b []byte, size int) ([]byte, error) { return defaultAllocator.Realloc(b, size) }
