// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package superalloc is the size-class router and public facade: the
// sole entry point that ties superconfig's bin table, superspace's
// segment/chunk hierarchy, and superfsa's tag storage into the
// allocate/deallocate/get_size/set_tag/get_tag contract a caller
// actually uses. It owns the per-bin "active chunk" rings -- the one
// piece of state none of its three dependencies keep themselves --
// and is the only package in this module that ever calls
// superspace.CheckoutChunk/ReleaseChunk.
package superalloc

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.sr.ht/~jklx/superalloc/lib/llist"
	"git.sr.ht/~jklx/superalloc/lib/superconfig"
	"git.sr.ht/~jklx/superalloc/lib/superfsa"
	"git.sr.ht/~jklx/superalloc/lib/superspace"
	"git.sr.ht/~jklx/superalloc/lib/vmem"
)

// NullAddr is the sentinel Allocate returns on failure and Deallocate/
// GetSize/SetTag/GetTag treat as "no pointer" -- matching
// vmem.MemPager's own reservation of address 0 as a recognizable null.
const NullAddr = vmem.Addr(0)

// TagPoison is written into an element's tag slot on deallocation.
// A second deallocation of the same element finds this value already
// there and is thereby caught as a double free.
const TagPoison uint32 = 0xFEFEEFEE

// TagNone is what GetTag reports for a null pointer.
const TagNone uint32 = 0xFFFFFFFF

// Config bundles the construction parameters for a new Allocator: the
// size-class policy/table, how much payload address space to reserve
// up front, the per-chunk-config idle-chunk cache bound superspace
// uses, and the side-metadata FSA's section geometry.
type Config struct {
	SuperConfig *superconfig.Config

	// AddressSize is the power-of-two payload reservation size
	// superspace.New slices into segments.
	AddressSize uintptr

	// CacheSize bounds how many idle-but-committed chunks superspace
	// keeps around per chunk config (0 disables caching: every
	// release decommits immediately).
	CacheSize int

	// FSASectionShift/FSANumSections size the side-metadata FSA's own
	// reservation, used for chunk tag arrays.
	FSASectionShift uint8
	FSANumSections  uint32
}

// DefaultConfig returns a ready-to-use Config: Default10's bin table
// (~10% worst-case waste), a 256 GiB payload reservation, a 64-chunk
// idle cache per chunk config, and an 8 MiB/256-section FSA geometry
// for tag arrays.
func DefaultConfig() (Config, error) {
	sc, err := superconfig.Default10()
	if err != nil {
		return Config{}, fmt.Errorf("superalloc.DefaultConfig: %w", err)
	}
	return Config{
		SuperConfig:     sc,
		AddressSize:     256 << 30,
		CacheSize:       64,
		FSASectionShift: 23, // 8 MiB sections
		FSANumSections:  256,
	}, nil
}

// Allocator is one allocator instance: its own reservations, tables,
// and active-chunk rings. Nothing sits at package scope except the
// policy tables Config.SuperConfig points to, which are read-only
// after superconfig.New validates them; multiple Allocators in one
// process are fully independent.
type Allocator struct {
	pager vmem.Pager
	fsa   *superfsa.FSA
	space *superspace.Space
	cfg   *superconfig.Config

	rings     []llist.Ring // one per bin, the router's only owned state
	liveCount int          // live allocations, for Stats
	liveBytes uint64       // sum of live allocations' slot sizes, for Stats
}

// Create reserves a payload address range and a side-metadata FSA
// region from pager per cfg, and returns an Allocator ready to serve
// Allocate/Deallocate. Failure to reserve address space means the
// allocator cannot be constructed at all; there is no degraded mode.
// ctx is only used for construction-time logging, not stored.
func Create(ctx context.Context, pager vmem.Pager, cfg Config) (*Allocator, error) {
	if cfg.SuperConfig == nil {
		return nil, fmt.Errorf("superalloc.Create: nil SuperConfig")
	}
	fsa, err := superfsa.New(pager, cfg.FSASectionShift, cfg.FSANumSections)
	if err != nil {
		return nil, fmt.Errorf("superalloc.Create: %w", err)
	}
	space, err := superspace.New(pager, fsa, cfg.SuperConfig, cfg.AddressSize, cfg.CacheSize)
	if err != nil {
		_ = fsa.Destroy()
		return nil, fmt.Errorf("superalloc.Create: %w", err)
	}
	rings := make([]llist.Ring, len(cfg.SuperConfig.Bins))
	for i := range rings {
		rings[i] = llist.NewRing()
	}
	dlog.Debugf(ctx, "superalloc: reserved %d B payload + %d B side-metadata (policy=%s, %d bins)",
		cfg.AddressSize, uintptr(cfg.FSANumSections)<<cfg.FSASectionShift,
		cfg.SuperConfig.Policy.Name, len(cfg.SuperConfig.Bins))
	return &Allocator{
		pager: pager,
		fsa:   fsa,
		space: space,
		cfg:   cfg.SuperConfig,
		rings: rings,
	}, nil
}

// Destroy releases every reservation the Allocator owns. The
// Allocator must not be used afterward.
func (a *Allocator) Destroy() error {
	var errs derror.MultiError
	if err := a.space.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := a.fsa.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if errs != nil {
		return errs
	}
	return nil
}

// ringGet resolves a packed ChunkRef back to the Links embedded in
// that chunk's own record in superspace -- the Get callback every
// llist.Ring operation on a bin's active list needs.
func (a *Allocator) ringGet(i uint32) *llist.Links {
	return &a.space.Chunk(unpackRef(i)).Links
}

// refChunkBits splits a packed ring key into segment/chunk halves.
// Sixteen bits each comfortably covers any sane configuration (65536
// segments, 65536 chunks per segment); a configuration that actually
// needs more would need a wider key, which nothing in this module's
// size range does -- DefaultChunkConfigs tops out at 16384
// chunks/segment and a 256 GiB default reservation needs far fewer
// than 65536 segments.
const refChunkBits = 16

func packRef(ref superspace.ChunkRef) uint32 {
	return ref.Segment<<refChunkBits | (ref.Chunk & (1<<refChunkBits - 1))
}

func unpackRef(key uint32) superspace.ChunkRef {
	return superspace.ChunkRef{Segment: key >> refChunkBits, Chunk: key & (1<<refChunkBits - 1)}
}

// tagRaw/setTagRaw read and write one chunk's per-element tag slot,
// reached through the fsa-backed byte slice superspace allocated for
// ch.Tags when the chunk was checked out.
func (a *Allocator) tagRaw(ch *superspace.Chunk, elemIndex uint32) uint32 {
	buf := a.fsa.Ptr(ch.Tags)
	return binary.LittleEndian.Uint32(buf[elemIndex*4:])
}

func (a *Allocator) setTagRaw(ch *superspace.Chunk, elemIndex uint32, v uint32) {
	buf := a.fsa.Ptr(ch.Tags)
	binary.LittleEndian.PutUint32(buf[elemIndex*4:], v)
}

// elementIndex recovers which element of ch's chunk addr refers to,
// by inverse of superspace.ElementAddr's address arithmetic.
func (a *Allocator) elementIndex(ref superspace.ChunkRef, allocSize uint32, addr vmem.Addr) uint32 {
	base := a.space.ElementAddr(ref, 0, allocSize)
	return uint32((addr - base) / vmem.Addr(allocSize))
}

// Allocate reserves size bytes aligned to align and returns their
// address, or NullAddr if size exceeds the largest configured bin or
// a commit fails. This is the sole public hot path: round up to
// align, classify to a bin, find-or-checkout the bin's active chunk,
// find-or-bump a free element within it, zero the tag, and unlink the
// chunk from the active list if it just filled.
func (a *Allocator) Allocate(size, align uint32) vmem.Addr {
	if align == 0 {
		align = 1
	}
	size = superconfig.AlignUp(size, align)
	binIdx, err := a.cfg.Bin(size)
	if err != nil {
		return NullAddr
	}
	bin := a.cfg.Bins[binIdx]
	ring := &a.rings[binIdx]

	if ring.Empty() {
		ref, err := a.space.CheckoutChunk(binIdx)
		if err != nil {
			return NullAddr
		}
		ring.PushBack(a.ringGet, packRef(ref))
	}

	ref := unpackRef(ring.Head)
	ch := a.space.Chunk(ref)

	var elemIdx uint32
	if fc := ch.ElemFree.FindAndSet(); fc >= 0 {
		elemIdx = uint32(fc)
	} else {
		elemIdx = uint32(ch.ElemFreeIndex)
		ch.ElemFreeIndex++
		if elemIdx%32 == 0 {
			ch.ElemFree.LazyInit(elemIdx)
		}
		ch.ElemFree.Set(elemIdx)
	}

	a.setTagRaw(ch, elemIdx, 0)
	ch.ElemUsedCount++
	a.liveCount++
	a.liveBytes += uint64(bin.AllocSize)
	if uint32(ch.ElemUsedCount) == bin.MaxAllocCount {
		ring.Remove(a.ringGet, packRef(ref))
	}

	return a.space.ElementAddr(ref, elemIdx, bin.AllocSize)
}

// Deallocate frees the element at addr, previously returned by
// Allocate on this Allocator (or NullAddr, a no-op). An addr outside
// this Allocator's claimed segments is ignored, in every build. Freeing
// an element whose tag slot already holds TagPoison is a fatal
// assertion in debug builds (build tag super_debug) and undefined in
// release builds; any other invalid addr is undefined in both.
func (a *Allocator) Deallocate(addr vmem.Addr) {
	if addr == NullAddr {
		return
	}
	ref, err := a.space.AddressToChunk(addr)
	if err != nil {
		return
	}
	ch := a.space.Chunk(ref)
	bin := a.cfg.Bins[ch.BinIndex]
	elemIdx := a.elementIndex(ref, bin.AllocSize, addr)

	wasFull := uint32(ch.ElemUsedCount) == bin.MaxAllocCount

	old := a.tagRaw(ch, elemIdx)
	assertNotDoubleFree(old == TagPoison, uintptr(addr))
	a.setTagRaw(ch, elemIdx, TagPoison)
	ch.ElemFree.Clr(elemIdx)
	ch.ElemUsedCount--
	a.liveCount--
	a.liveBytes -= uint64(bin.AllocSize)

	ring := &a.rings[ch.BinIndex]
	switch {
	case ch.ElemUsedCount == 0:
		if !wasFull {
			ring.Remove(a.ringGet, packRef(ref))
		}
		a.space.ReleaseChunk(ref)
	case wasFull:
		ring.PushBack(a.ringGet, packRef(ref))
	}
}

// GetSize returns the bin's alloc size for addr (the slot size
// actually backing it, not the original request), or 0 for NullAddr
// or an address this Allocator doesn't recognize.
func (a *Allocator) GetSize(addr vmem.Addr) uint32 {
	if addr == NullAddr {
		return 0
	}
	ref, err := a.space.AddressToChunk(addr)
	if err != nil {
		return 0
	}
	return a.cfg.Bins[a.space.Chunk(ref).BinIndex].AllocSize
}

// SetTag stores v in addr's tag slot. A no-op for NullAddr or an
// unrecognized address.
func (a *Allocator) SetTag(addr vmem.Addr, v uint32) {
	if addr == NullAddr {
		return
	}
	ref, err := a.space.AddressToChunk(addr)
	if err != nil {
		return
	}
	ch := a.space.Chunk(ref)
	bin := a.cfg.Bins[ch.BinIndex]
	a.setTagRaw(ch, a.elementIndex(ref, bin.AllocSize, addr), v)
}

// GetTag returns addr's stored tag, or TagNone for NullAddr or an
// unrecognized address.
func (a *Allocator) GetTag(addr vmem.Addr) uint32 {
	if addr == NullAddr {
		return TagNone
	}
	ref, err := a.space.AddressToChunk(addr)
	if err != nil {
		return TagNone
	}
	ch := a.space.Chunk(ref)
	bin := a.cfg.Bins[ch.BinIndex]
	return a.tagRaw(ch, a.elementIndex(ref, bin.AllocSize, addr))
}
