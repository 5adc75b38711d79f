// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// blockHeader precedes every payload handed to the caller.
type blockHeader struct {
	size   int          // payload bytes: the class size, or the exact request on the large path
	next   *blockHeader // free-list link while the block is free
	parent *superblock  // owning superblock; nil on the large path
}

func (b *blockHeader) payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), blockHeaderSize)
}

// header recovers the block header immediately preceding a payload pointer.
func header(p unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Add(p, -blockHeaderSize))
}

// superblock heads a superblockSize region carved into blocks of one class.
// It lives at offset 0 of the region itself.
type superblock struct {
	used     int
	nblocks  int
	freeList *blockHeader
	mu       sync.Mutex // anchors the free-path handoff to the class lock

	prev, next *superblock
	parent     atomic.Pointer[heap] // rebound under both class locks on migration
}

// sizeClass is one bucket of a heap. The list is sorted by non-increasing
// used count: head is the fullest superblock, tail the emptiest. used and
// nblocks aggregate the member superblocks and are maintained incrementally.
type sizeClass struct {
	size    int
	used    int
	nblocks int
	head    *superblock
	tail    *superblock
	mu      sync.Mutex
}

type heap struct {
	id      int // heaps[globalHeap] is the global heap, the rest are CPU heaps
	classes [numClasses]sizeClass
}

// classCapacity is the block count of a superblock of the given class. The
// superblock header takes its space out of the region so regions stay exactly
// superblockSize; block headers do not take theirs out of the payload so a
// block holds the full class size. The top class carves a single block.
func classCapacity(class int) int {
	return (superblockSize - superblockHeaderSize) / (blockHeaderSize + 1<<uint(class))
}

// carve initializes a freshly mapped, zero-filled superblockSize region as a
// superblock of the given class: header at offset 0, blocks packed behind it,
// every block chained on the free list in address order.
func carve(p unsafe.Pointer, class int) *superblock {
	sb := (*superblock)(p)
	sb.nblocks = classCapacity(class)
	stride := blockHeaderSize + 1<<uint(class)
	var prev *blockHeader
	for i := 0; i < sb.nblocks; i++ {
		blk := (*blockHeader)(unsafe.Add(p, superblockHeaderSize+i*stride))
		blk.size = 1 << uint(class)
		blk.parent = sb
		if prev != nil {
			prev.next = blk
		} else {
			sb.freeList = blk
		}
		prev = blk
	}
	prev.next = nil
	return sb
}

// findFree returns a free block of the fullest superblock that has one, or
// nil when the class is saturated. The list is sorted fullest-first, so the
// first non-full superblock wins.
func (sc *sizeClass) findFree() *blockHeader {
	if sc.used == sc.nblocks {
		return nil
	}

	for sb := sc.head; sb != nil; sb = sb.next {
		if sb.used < sb.nblocks {
			return sb.freeList
		}
	}
	return nil
}

// swapWithNext exchanges sb with its successor. Equal neighbors are never
// swapped by the callers, which keeps the order stable.
func (sc *sizeClass) swapWithNext(sb *superblock) {
	nxt := sb.next
	if nxt == nil {
		return
	}

	if sb.prev != nil {
		sb.prev.next = nxt
	}
	if nxt.next != nil {
		nxt.next.prev = sb
	}
	sb.next = nxt.next
	nxt.prev = sb.prev
	sb.prev = nxt
	nxt.next = sb
	if sc.head == sb {
		sc.head = nxt
	}
	if sc.tail == nxt {
		sc.tail = sb
	}
}

// bubbleUp restores the order after sb gained a block.
func (sc *sizeClass) bubbleUp(sb *superblock) {
	for sb.prev != nil && sb.used > sb.prev.used {
		sc.swapWithNext(sb.prev)
	}
}

// bubbleDown restores the order after sb lost a block.
func (sc *sizeClass) bubbleDown(sb *superblock) {
	for sb.next != nil && sb.used < sb.next.used {
		sc.swapWithNext(sb)
	}
}

func (sc *sizeClass) pushHead(sb *superblock) {
	sb.prev = nil
	sb.next = sc.head
	if sc.head != nil {
		sc.head.prev = sb
	} else {
		sc.tail = sb
	}
	sc.head = sb
}

func (sc *sizeClass) pushTail(sb *superblock) {
	sb.next = nil
	sb.prev = sc.tail
	if sc.tail != nil {
		sc.tail.next = sb
	} else {
		sc.head = sb
	}
	sc.tail = sb
}

func (sc *sizeClass) remove(sb *superblock) {
	if sc.head == sb {
		sc.head = sb.next
	}
	if sc.tail == sb {
		sc.tail = sb.prev
	}
	if sb.next != nil {
		sb.next.prev = sb.prev
	}
	if sb.prev != nil {
		sb.prev.next = sb.next
	}
}

// migrate moves sb from src to dst for one class and transfers its share of
// the aggregate counters. The caller holds both class locks.
func migrate(sb *superblock, src, dst *heap, class int) {
	srcClass := &src.classes[class]
	dstClass := &dst.classes[class]
	srcClass.remove(sb)
	dstClass.pushHead(sb)
	dstClass.bubbleDown(sb)
	sb.parent.Store(dst)
	srcClass.used -= sb.used
	srcClass.nblocks -= sb.nblocks
	dstClass.used += sb.used
	dstClass.nblocks += sb.nblocks
}
