// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package superfsa implements the two-level fixed-size-array
// allocator used for small side-metadata objects. In this module it
// holds the per-chunk tag arrays; chunk and segment records and their
// binmap arrays are ordinary Go allocations, not FSA items. It carves a
// superheap.Heap (one reservation, committed a section at a time,
// never individually decommitted) into equal-sized sections, each
// section into equal-sized blocks (one item-size class per block),
// each block into equal-sized items, and returns items as a compact
// 32-bit Handle rather than a pointer, so a referencing record costs
// 4 bytes instead of a word.
//
// Item sizes are powers of two from 8 bytes (shift 3) to 2 MiB
// (shift 21). Each item-size class is backed by one of four block
// sizes (64 KiB, 256 KiB, 1 MiB, 4 MiB). A freed item is threaded
// onto its block's free list by writing the next-free index into the
// item's own first two bytes, so reclamation carries no separate
// bookkeeping array proportional to item count, only to block count.
package superfsa

import (
	"encoding/binary"
	"fmt"

	"git.sr.ht/~jklx/superalloc/internal/xmath"
	"git.sr.ht/~jklx/superalloc/lib/binmap"
	"git.sr.ht/~jklx/superalloc/lib/llist"
	"git.sr.ht/~jklx/superalloc/lib/superheap"
	"git.sr.ht/~jklx/superalloc/lib/vmem"
)

// Handle is a compact {section:8, block:8, item:16} reference to one
// FSA item, returned by Allocate in place of a pointer.
type Handle uint32

// NilHandle is the handle value meaning "no allocation."
const NilHandle Handle = 1<<32 - 1

func makeHandle(section, block uint8, item uint16) Handle {
	return Handle(uint32(section)<<24 | uint32(block)<<16 | uint32(item))
}

func (h Handle) section() uint8 { return uint8(h >> 24) }
func (h Handle) block() uint8   { return uint8(h >> 16) }
func (h Handle) item() uint16   { return uint16(h) }

const (
	minItemShift = 3  // 8 bytes
	maxItemShift = 21 // 2 MiB
	nilItem      = uint16(0xFFFF)
)

// blockShifts holds the four block sizes items are carved from;
// blockConfigForItemShift maps an item-size-class shift to one of
// them, small classes sharing small blocks so a lightly-used class
// doesn't pin a 4 MiB block.
var blockShifts = [4]uint8{16, 18, 20, 22} // 64 KiB, 256 KiB, 1 MiB, 4 MiB

func blockConfigForItemShift(k uint8) int {
	switch {
	case k <= 14:
		return 0
	case k <= 16:
		return 1
	case k <= 18:
		return 2
	default:
		return 3
	}
}

func itemShiftFor(size uint32) (uint8, error) {
	if size == 0 {
		size = 1
	}
	aligned := xmath.AlignUp(size, 8)
	shift := uint8(xmath.Msb32(aligned))
	if aligned&(aligned-1) != 0 {
		shift++
	}
	if shift < minItemShift {
		shift = minItemShift
	}
	if shift > maxItemShift {
		return 0, fmt.Errorf("superfsa: size %d exceeds max item size %d", size, uint32(1)<<maxItemShift)
	}
	return shift, nil
}

type blockRecord struct {
	valid        bool
	itemShift    uint8
	itemCountMax uint16
	itemCount    uint16
	freeIndex    uint16
	freeList     uint16
	links        llist.Links
}

type section struct {
	claimed      bool
	blockShift   uint8
	blockCount   uint32
	blocks       []blockRecord
	freeBlocks   *binmap.Bitmap // reclaimed (released) blocks available for reuse
	blockFreeIdx uint32         // bump cursor for never-yet-claimed blocks
	data         []byte         // this section's bytes, carved out of FSA.heap
}

// FSA is a fixed-size-array allocator carved out of one
// superheap.Heap. A zero FSA is not usable; construct one with New.
//
// Sections only ever accumulate: an emptied block is handed back to
// its section's free-block pool for any same-block-size class to
// reclaim, but section bytes themselves stay committed until Destroy,
// which is exactly the forward-only contract superheap provides.
type FSA struct {
	heap         *superheap.Heap
	sectionShift uint8
	numSections  uint32

	sections    []section
	freeSection uint32 // bump cursor for never-yet-claimed sections

	activeBlocks [maxItemShift - minItemShift + 1]llist.Ring // per item-size class
}

// New reserves numSections*2^sectionShift bytes of address space for
// the FSA's lifetime. No section is committed until first needed.
func New(pager vmem.Pager, sectionShift uint8, numSections uint32) (*FSA, error) {
	if numSections == 0 || numSections > 256 {
		return nil, fmt.Errorf("superfsa.New: numSections %d out of range (0, 256]", numSections)
	}
	// Handle packs both section and block indices into 8 bits each, so
	// a section must hold at least one of the largest (4 MiB) blocks
	// and at most 256 of the smallest (64 KiB) ones.
	if sectionShift < blockShifts[len(blockShifts)-1] || sectionShift > blockShifts[0]+8 {
		return nil, fmt.Errorf("superfsa.New: sectionShift %d out of range [%d, %d]", sectionShift, blockShifts[len(blockShifts)-1], blockShifts[0]+8)
	}
	heap, err := superheap.New(pager, uintptr(numSections)<<sectionShift)
	if err != nil {
		return nil, fmt.Errorf("superfsa.New: %w", err)
	}
	f := &FSA{
		heap:         heap,
		sectionShift: sectionShift,
		numSections:  numSections,
		sections:     make([]section, numSections),
	}
	for i := range f.activeBlocks {
		f.activeBlocks[i] = llist.NewRing()
	}
	return f, nil
}

// Destroy decommits every claimed section and releases the
// reservation. The FSA must not be used afterward.
func (f *FSA) Destroy() error {
	if err := f.heap.Destroy(); err != nil {
		return fmt.Errorf("superfsa.Destroy: %w", err)
	}
	return nil
}

func (f *FSA) blockGet(global uint32) *llist.Links {
	si, bi := global>>8, global&0xFF
	return &f.sections[si].blocks[bi].links
}

func globalBlockIndex(section, block uint32) uint32 { return section<<8 | block }

func (f *FSA) claimSection(blockConfigIdx int) (uint32, error) {
	if f.freeSection >= f.numSections {
		return 0, fmt.Errorf("superfsa: out of sections")
	}
	blockShift := blockShifts[blockConfigIdx]
	sectionSize := uintptr(1) << f.sectionShift
	data, err := f.heap.Allocate(sectionSize, 8)
	if err != nil {
		return 0, fmt.Errorf("superfsa: %w", err)
	}
	si := f.freeSection
	f.freeSection++

	blockCount := uint32(1) << (f.sectionShift - blockShift)
	f.sections[si] = section{
		claimed:    true,
		blockShift: blockShift,
		blockCount: blockCount,
		blocks:     make([]blockRecord, blockCount),
		freeBlocks: binmap.NewLazy(blockCount),
		data:       data,
	}
	return si, nil
}

func (f *FSA) hasFreeBlock(sec *section) bool {
	return sec.freeBlocks.Find() >= 0 || sec.blockFreeIdx < sec.blockCount
}

// findActiveSection linear-scans the already-claimed sections for one
// of blockConfigIdx's shift with a free block. Sections claimed for
// different block configs are interleaved in claim order (one shared
// bump cursor serves every config), so unlike the per-section
// freeBlocks map below, this can't be a lazily-initialized binmap
// keyed by section index -- the indices a given config ever touches
// aren't contiguous. A plain scan is fine: numSections is capped at
// 256 and section claims are rare (one per exhausted block-config
// generation), not a per-allocation cost.
func (f *FSA) findActiveSection(blockShift uint8) int {
	for i := uint32(0); i < f.freeSection; i++ {
		sec := &f.sections[i]
		if sec.claimed && sec.blockShift == blockShift && f.hasFreeBlock(sec) {
			return int(i)
		}
	}
	return -1
}

// checkoutBlock finds or claims a section for blockConfigIdx and
// returns the index of a free block within it.
func (f *FSA) checkoutBlock(blockConfigIdx int) (sectionIdx, blockIdx uint32, err error) {
	blockShift := blockShifts[blockConfigIdx]
	si := f.findActiveSection(blockShift)
	if si < 0 {
		newSi, err := f.claimSection(blockConfigIdx)
		if err != nil {
			return 0, 0, err
		}
		si = int(newSi)
	}
	sec := &f.sections[si]

	var bi uint32
	if fb := sec.freeBlocks.Find(); fb >= 0 {
		sec.freeBlocks.Set(uint32(fb))
		bi = uint32(fb)
	} else if sec.blockFreeIdx < sec.blockCount {
		bi = sec.blockFreeIdx
		sec.blockFreeIdx++
		if bi%32 == 0 {
			sec.freeBlocks.LazyInit(bi)
		}
		sec.freeBlocks.Set(bi)
	} else {
		return 0, 0, fmt.Errorf("superfsa: section %d exhausted", si)
	}
	return uint32(si), bi, nil
}

func (sec *section) itemBytes(block uint32, item uint16, itemShift uint8) []byte {
	blockOff := block << sec.blockShift
	itemOff := uint32(item) << itemShift
	size := uint32(1) << itemShift
	return sec.data[blockOff+itemOff : blockOff+itemOff+size]
}

// Allocate reserves one item of at least size bytes and returns its
// handle along with a zeroed slice over its backing bytes. The slice
// is valid until the handle is deallocated.
func (f *FSA) Allocate(size uint32) (Handle, []byte, error) {
	k, err := itemShiftFor(size)
	if err != nil {
		return NilHandle, nil, err
	}
	classIdx := k - minItemShift
	ring := &f.activeBlocks[classIdx]

	if ring.Empty() {
		bcIdx := blockConfigForItemShift(k)
		si, bi, err := f.checkoutBlock(bcIdx)
		if err != nil {
			return NilHandle, nil, err
		}
		sec := &f.sections[si]
		itemCountMax := uint16((uint32(1) << sec.blockShift) >> k)
		sec.blocks[bi] = blockRecord{
			valid:        true,
			itemShift:    k,
			itemCountMax: itemCountMax,
			freeList:     nilItem,
			links:        llist.Links{Next: llist.Nil, Prev: llist.Nil},
		}
		ring.PushBack(f.blockGet, globalBlockIndex(si, bi))
	}

	si, bi := ring.Head>>8, ring.Head&0xFF
	sec := &f.sections[si]
	blk := &sec.blocks[bi]

	var itemIdx uint16
	if blk.freeList != nilItem {
		itemIdx = blk.freeList
		next := sec.itemBytes(bi, itemIdx, blk.itemShift)
		blk.freeList = binary.LittleEndian.Uint16(next[:2])
	} else if blk.freeIndex < blk.itemCountMax {
		itemIdx = blk.freeIndex
		blk.freeIndex++
	} else {
		return NilHandle, nil, fmt.Errorf("superfsa: block (%d,%d) exhausted", si, bi)
	}
	blk.itemCount++
	if blk.itemCount == blk.itemCountMax {
		ring.Remove(f.blockGet, globalBlockIndex(si, bi))
	}

	buf := sec.itemBytes(bi, itemIdx, blk.itemShift)
	for i := range buf {
		buf[i] = 0
	}
	return makeHandle(uint8(si), uint8(bi), itemIdx), buf, nil
}

// Ptr returns the live byte slice backing handle, or nil for NilHandle.
func (f *FSA) Ptr(h Handle) []byte {
	if h == NilHandle {
		return nil
	}
	sec := &f.sections[h.section()]
	blk := &sec.blocks[h.block()]
	return sec.itemBytes(uint32(h.block()), h.item(), blk.itemShift)
}

// Deallocate returns h's item to its block's free list: the now-free
// item is threaded on by writing the old head into its own first two
// bytes. A block that was full is relinked onto its item-size class's
// active ring; a block that becomes entirely empty is instead
// released back to its section's free-block pool, where any item-size
// class sharing that block size may claim it next.
func (f *FSA) Deallocate(h Handle) {
	if h == NilHandle {
		return
	}
	si, bi, ii := h.section(), h.block(), h.item()
	sec := &f.sections[si]
	blk := &sec.blocks[bi]
	if ii >= blk.freeIndex {
		panic(fmt.Errorf("superfsa.Deallocate: item %d was never allocated in block (%d,%d)", ii, si, bi))
	}

	wasFull := blk.itemCount == blk.itemCountMax
	buf := sec.itemBytes(uint32(bi), ii, blk.itemShift)
	binary.LittleEndian.PutUint16(buf[:2], blk.freeList)
	blk.freeList = ii
	blk.itemCount--

	switch {
	case blk.itemCount == 0:
		if !wasFull {
			f.activeBlocks[blk.itemShift-minItemShift].Remove(f.blockGet, globalBlockIndex(uint32(si), uint32(bi)))
		}
		sec.freeBlocks.Clr(uint32(bi))
		*blk = blockRecord{}
	case wasFull:
		classIdx := blk.itemShift - minItemShift
		f.activeBlocks[classIdx].PushBack(f.blockGet, globalBlockIndex(uint32(si), uint32(bi)))
	}
}

// CommittedSections reports how many sections currently have their
// pages committed, for stats/debugging.
func (f *FSA) CommittedSections() int {
	n := 0
	for i := uint32(0); i < f.freeSection; i++ {
		if f.sections[i].claimed {
			n++
		}
	}
	return n
}
