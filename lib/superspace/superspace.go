// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package superspace manages the segment/chunk address hierarchy a
// superalloc is built from: one large vmem.Pager reservation, sliced
// into fixed-size segments, each segment sliced into chunks sized per
// a superconfig.ChunkConfig. Checking out a chunk commits exactly as
// many pages as its bin needs; releasing one parks it in a bounded
// per-chunk-config LRU cache (still committed, for fast reuse), and
// the least recently parked chunk is decommitted once the cache goes
// past its bound. With caching disabled, a released chunk is
// decommitted outright.
package superspace

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"git.sr.ht/~jklx/superalloc/internal/xmath"
	"git.sr.ht/~jklx/superalloc/lib/binmap"
	"git.sr.ht/~jklx/superalloc/lib/llist"
	"git.sr.ht/~jklx/superalloc/lib/superconfig"
	"git.sr.ht/~jklx/superalloc/lib/superfsa"
	"git.sr.ht/~jklx/superalloc/lib/vmem"
)

// ChunkRef names one chunk: which segment it lives in, and its index
// within that segment's chunk array.
type ChunkRef struct {
	Segment uint32
	Chunk   uint32
}

// Chunk is the live bookkeeping record for one checked-out chunk.
// Space only manages a Chunk's lifecycle (checkout/release/address
// math); the element-level allocation within it -- which bits of
// ElemFree are set, what Tags holds -- is superalloc's job.
type Chunk struct {
	Links             llist.Links // threads this chunk onto a bin's active-chunk ring
	BinIndex          uint16
	SegmentIndex      uint32
	SegmentChunkIndex uint32
	ElemUsedCount     uint16
	ElemFreeIndex     uint16
	ElemFree          *binmap.Bitmap // lazy, one bit per element slot
	Tags              superfsa.Handle
	PhysicalPages     uint32
}

type segment struct {
	claimed      bool
	chunkConfig  uint8 // index into Space.cfg.Chunks
	chunks       []Chunk
	chunksFree   *binmap.Bitmap // lazy: 0 = free, 1 = checked out or cached
	freeIndex    uint32         // bump cursor for never-yet-touched chunk slots
	cached       *binmap.Bitmap // lazy: 1 = still committed, sitting in the cache
	countCached  uint32
	countUsed    uint32
	countMax     uint32
}

type cacheEntry struct {
	ref ChunkRef
}

// Space owns one reservation and the segment/chunk hierarchy carved
// out of it.
type Space struct {
	pager        vmem.Pager
	fsa          *superfsa.FSA
	cfg          *superconfig.Config
	res          vmem.Reservation
	segmentShift uint8
	segmentCount uint32

	segments    []segment
	segFree     *binmap.Bitmap // lazy: 0 = released and reclaimable, 1 = claimed
	freeSegment uint32         // bump cursor for never-yet-claimed segment slots

	caches []*lru.Cache // one per chunk config, bounded, keyed by ChunkRef

	// bypassEvict suppresses the caches' onEvicted callback while
	// popCached is removing an entry to hand it back out for reuse --
	// golang-lru's Remove invokes onEvicted the same as an automatic
	// eviction would, and that path must not decommit a chunk we are
	// about to recommit and return.
	bypassEvict bool
}

// New reserves totalAddressSize bytes of address space (a power of
// two, sliced into 1<<segmentShift-byte segments) for chunks described
// by cfg, using fsa for chunks' per-element tag storage and
// cacheSize as the per-chunk-config bound on idle-but-committed
// chunks kept around for reuse.
func New(pager vmem.Pager, fsa *superfsa.FSA, cfg *superconfig.Config, totalAddressSize uintptr, cacheSize int) (*Space, error) {
	segmentShift := superconfig.MaxSegmentShift(cfg.Chunks)
	if !xmath.IsPow2(totalAddressSize) {
		return nil, fmt.Errorf("superspace.New: totalAddressSize %d is not a power of two", totalAddressSize)
	}
	res, err := pager.Reserve(totalAddressSize)
	if err != nil {
		return nil, fmt.Errorf("superspace.New: %w", err)
	}
	segmentCount := uint32(totalAddressSize >> segmentShift)
	if segmentCount == 0 || segmentCount > binmap.MaxCount {
		return nil, fmt.Errorf("superspace.New: totalAddressSize %d yields %d segments of 1<<%d bytes (want 1..%d)",
			totalAddressSize, segmentCount, segmentShift, binmap.MaxCount)
	}
	s := &Space{
		pager:        pager,
		fsa:          fsa,
		cfg:          cfg,
		res:          res,
		segmentShift: segmentShift,
		segmentCount: segmentCount,
		segments:     make([]segment, segmentCount),
		segFree:      binmap.NewLazy(segmentCount),
		caches:       make([]*lru.Cache, len(cfg.Chunks)),
	}
	if cacheSize == 0 {
		// lru.NewWithEvict rejects a zero size outright ("Must provide
		// a positive size"); leaving s.caches all nil is how a Space
		// represents "caching disabled" -- popCached/ReleaseChunk
		// treat a nil cache as always-empty/always-full, so every
		// released chunk decommits immediately instead.
		return s, nil
	}
	for i := range cfg.Chunks {
		idx := i
		cache, err := lru.NewWithEvict(cacheSize, func(key, _ interface{}) {
			if s.bypassEvict {
				return
			}
			s.evictCached(key.(cacheEntry).ref)
		})
		if err != nil {
			return nil, fmt.Errorf("superspace.New: %w", err)
		}
		s.caches[idx] = cache
	}
	return s, nil
}

// Destroy decommits and releases every claimed segment, then releases
// the reservation. The Space must not be used afterward.
func (s *Space) Destroy() error {
	for i := range s.caches {
		if s.caches[i] != nil {
			s.caches[i].Purge()
		}
	}
	for i := uint32(0); i < s.freeSegment; i++ {
		seg := &s.segments[i]
		if !seg.claimed {
			continue
		}
		for ci := uint32(0); ci < seg.freeIndex; ci++ {
			ch := &seg.chunks[ci]
			if ch.PhysicalPages > 0 {
				if err := s.decommitChunk(i, ci); err != nil {
					return err
				}
			}
		}
	}
	return s.pager.Release(s.res)
}

func (s *Space) claimSegment(chunkConfigIdx uint8) (uint32, error) {
	var si uint32
	if fs := s.segFree.Find(); fs >= 0 {
		// Reuse a segment slot whose last chunk was released; its old
		// record is overwritten below.
		si = uint32(fs)
	} else if s.freeSegment < s.segmentCount {
		si = s.freeSegment
		s.freeSegment++
		if si%32 == 0 {
			s.segFree.LazyInit(si)
		}
	} else {
		return 0, fmt.Errorf("superspace: out of segments")
	}
	s.segFree.Set(si)

	cc := s.cfg.Chunks[chunkConfigIdx]
	chunkCount := cc.ChunksPerSegment(s.segmentShift)
	s.segments[si] = segment{
		claimed:     true,
		chunkConfig: chunkConfigIdx,
		chunks:      make([]Chunk, chunkCount),
		chunksFree:  binmap.NewLazy(chunkCount),
		cached:      binmap.NewLazy(chunkCount),
		countMax:    chunkCount,
	}
	return si, nil
}

// chunkPhysicalPages returns how many pages of real backing a chunk
// serving bin needs: alloc-size times max-alloc-count, rounded up to
// the pager's page size.
func (s *Space) chunkPhysicalPages(bin superconfig.BinConfig) uint32 {
	needed := uintptr(bin.AllocSize) * uintptr(bin.MaxAllocCount)
	pageSize := s.pager.PageSize()
	return uint32(xmath.DivRoundUp(needed, pageSize))
}

func (s *Space) segmentBase(segmentIndex uint32) uintptr {
	return uintptr(segmentIndex) << s.segmentShift
}

func (s *Space) chunkOffset(segmentIndex, chunkIndex uint32) uintptr {
	shift := s.cfg.Chunks[s.segments[segmentIndex].chunkConfig].Shift
	return s.segmentBase(segmentIndex) + uintptr(chunkIndex)<<shift
}

func hasFreeChunk(seg *segment) bool {
	return seg.chunksFree.Find() >= 0 || seg.freeIndex < seg.countMax
}

// findActiveSegment linear-scans the already-claimed segments for one
// belonging to chunkConfigIdx with a free chunk slot. Like
// superfsa's findActiveSection, segment indices are drawn from one
// shared global bump counter across every chunk config, so the
// indices a given config ever claims are not contiguous -- this can't
// be a lazily-initialized binmap keyed by segment index. A plain scan
// is fine: segment claims are rare, not a per-allocation cost.
func (s *Space) findActiveSegment(chunkConfigIdx uint8) int {
	for i := uint32(0); i < s.freeSegment; i++ {
		seg := &s.segments[i]
		if seg.claimed && seg.chunkConfig == chunkConfigIdx && hasFreeChunk(seg) {
			return int(i)
		}
	}
	return -1
}

// CheckoutChunk finds or claims a chunk sized for bin, committing
// exactly the pages that bin's elements require, and returns its ref.
func (s *Space) CheckoutChunk(binIdx int) (ChunkRef, error) {
	bin := s.cfg.Bins[binIdx]
	ccIdx := bin.ChunkConfig
	wanted := s.chunkPhysicalPages(bin)

	if ref, ok := s.popCached(ccIdx); ok {
		seg := &s.segments[ref.Segment]
		ch := &seg.chunks[ref.Chunk]
		if err := s.resizeCommit(ref, ch.PhysicalPages, wanted); err != nil {
			// Put the chunk back where popCached found it: still
			// committed with its old page count, still idle.
			seg.cached.Set(ref.Chunk)
			seg.countCached++
			s.caches[ccIdx].Add(cacheEntry{ref: ref}, nil)
			return ChunkRef{}, err
		}
		s.activateChunk(seg, ch, binIdx, bin, ref)
		return ref, nil
	}

	si := s.findActiveSegment(ccIdx)
	if si < 0 {
		newSi, err := s.claimSegment(ccIdx)
		if err != nil {
			return ChunkRef{}, err
		}
		si = int(newSi)
	}
	seg := &s.segments[si]

	var ci uint32
	if fc := seg.chunksFree.Find(); fc >= 0 {
		ci = uint32(fc)
	} else if seg.freeIndex < seg.countMax {
		ci = seg.freeIndex
		seg.freeIndex++
		if ci%32 == 0 {
			seg.chunksFree.LazyInit(ci)
			seg.cached.LazyInit(ci)
		}
	} else {
		return ChunkRef{}, fmt.Errorf("superspace: segment %d exhausted", si)
	}
	seg.chunksFree.Set(ci)

	ref := ChunkRef{Segment: uint32(si), Chunk: ci}
	ch := &seg.chunks[ci]
	s.activateChunk(seg, ch, binIdx, bin, ref)
	if err := s.resizeCommit(ref, 0, wanted); err != nil {
		// Commit failed: undo activateChunk's tag-array allocation and
		// the chunksFree.Set above so this chunk slot is indistinguishable
		// from one that was never claimed, rather than leaking its tag
		// array and a slot no caller will ever see free again.
		s.fsa.Deallocate(ch.Tags)
		*ch = Chunk{}
		seg.chunksFree.Clr(ci)
		return ChunkRef{}, err
	}

	seg.countUsed++
	return ref, nil
}

func (s *Space) activateChunk(seg *segment, ch *Chunk, binIdx int, bin superconfig.BinConfig, ref ChunkRef) {
	*ch = Chunk{
		Links:             llist.Links{Next: llist.Nil, Prev: llist.Nil},
		BinIndex:          uint16(binIdx),
		SegmentIndex:      ref.Segment,
		SegmentChunkIndex: ref.Chunk,
		ElemFree:          binmap.NewLazy(bin.MaxAllocCount),
		PhysicalPages:     ch.PhysicalPages, // survives reactivation of a cached chunk
	}
	tagsHandle, _, err := s.fsa.Allocate(4 * bin.MaxAllocCount)
	if err != nil {
		// Tag storage is tiny (<=16 KiB) and the FSA reservation is
		// sized generously in practice; treat exhaustion here as a
		// configuration error rather than threading another error
		// return through every caller of CheckoutChunk.
		panic(fmt.Errorf("superspace: allocating tag array: %w", err))
	}
	ch.Tags = tagsHandle
}

func (s *Space) resizeCommit(ref ChunkRef, have, want uint32) error {
	pageSize := s.pager.PageSize()
	ch := &s.segments[ref.Segment].chunks[ref.Chunk]
	off := s.chunkOffset(ref.Segment, ref.Chunk)
	switch {
	case want > have:
		if err := s.pager.Commit(s.res, off+uintptr(have)*pageSize, uintptr(want-have)*pageSize); err != nil {
			return fmt.Errorf("superspace: committing chunk: %w", err)
		}
	case want < have:
		if err := s.pager.Decommit(s.res, off+uintptr(want)*pageSize, uintptr(have-want)*pageSize); err != nil {
			return fmt.Errorf("superspace: decommitting chunk: %w", err)
		}
	}
	ch.PhysicalPages = want
	return nil
}

func (s *Space) decommitChunk(segmentIndex, chunkIndex uint32) error {
	seg := &s.segments[segmentIndex]
	ch := &seg.chunks[chunkIndex]
	if ch.PhysicalPages == 0 {
		return nil
	}
	off := s.chunkOffset(segmentIndex, chunkIndex)
	if err := s.pager.Decommit(s.res, off, uintptr(ch.PhysicalPages)*s.pager.PageSize()); err != nil {
		return fmt.Errorf("superspace: decommitting chunk: %w", err)
	}
	s.fsa.Deallocate(ch.Tags)
	ch.PhysicalPages = 0
	ch.Tags = superfsa.NilHandle
	return nil
}

// popCached removes and returns one chunk ref from ccIdx's cache, if
// any are sitting idle.
func (s *Space) popCached(ccIdx uint8) (ChunkRef, bool) {
	if s.caches[ccIdx] == nil {
		return ChunkRef{}, false
	}
	keys := s.caches[ccIdx].Keys()
	if len(keys) == 0 {
		return ChunkRef{}, false
	}
	key := keys[len(keys)-1]

	s.bypassEvict = true
	s.caches[ccIdx].Remove(key)
	s.bypassEvict = false

	entry := key.(cacheEntry)
	seg := &s.segments[entry.ref.Segment]
	seg.cached.Clr(entry.ref.Chunk)
	seg.countCached--
	return entry.ref, true
}

// evictCached performs the real decommit for a chunk the bounded LRU
// pushed out -- reached only via the cache's onEvicted callback, never
// called directly.
func (s *Space) evictCached(ref ChunkRef) {
	seg := &s.segments[ref.Segment]
	if seg.cached.Get(ref.Chunk) {
		seg.cached.Clr(ref.Chunk)
		seg.countCached--
	}
	if err := s.decommitChunk(ref.Segment, ref.Chunk); err != nil {
		panic(fmt.Errorf("superspace: evicting cached chunk: %w", err))
	}
	seg.chunksFree.Clr(ref.Chunk)
	seg.countUsed--
	if seg.countUsed == 0 {
		s.releaseSegment(ref.Segment)
	}
}

// ReleaseChunk returns ref to circulation: parked in its
// chunk-config's bounded cache (still committed, for fast reuse), or
// decommitted immediately if caching is disabled for this Space
// (CacheSize == 0). Parking a chunk in a cache that is already at its
// bound evicts that cache's least recently parked chunk, whose
// onEvicted callback does the decommit and may in turn release the
// whole segment. Decommit failure
// here mirrors evictCached: a panic, not a threaded error, since
// ReleaseChunk is called from Allocator.Deallocate's non-error-returning
// fast path.
func (s *Space) ReleaseChunk(ref ChunkRef) {
	cache := s.caches[s.segments[ref.Segment].chunkConfig]
	if cache == nil {
		if err := s.decommitChunk(ref.Segment, ref.Chunk); err != nil {
			panic(fmt.Errorf("superspace: releasing chunk: %w", err))
		}
		seg := &s.segments[ref.Segment]
		seg.chunksFree.Clr(ref.Chunk)
		seg.countUsed--
		if seg.countUsed == 0 {
			s.releaseSegment(ref.Segment)
		}
		return
	}
	seg := &s.segments[ref.Segment]
	ch := &seg.chunks[ref.Chunk]
	// An idle chunk keeps its pages but not its tag array; reactivation
	// allocates a fresh one sized for whatever bin claims it next.
	s.fsa.Deallocate(ch.Tags)
	ch.Tags = superfsa.NilHandle
	seg.cached.Set(ref.Chunk)
	seg.countCached++
	cache.Add(cacheEntry{ref: ref}, nil)
}

func (s *Space) releaseSegment(segmentIndex uint32) {
	s.segments[segmentIndex].claimed = false
	s.segFree.Clr(segmentIndex)
}

// Chunk returns the live record for ref.
func (s *Space) Chunk(ref ChunkRef) *Chunk {
	return &s.segments[ref.Segment].chunks[ref.Chunk]
}

// ElementAddr returns the address of element elemIndex within ref.
func (s *Space) ElementAddr(ref ChunkRef, elemIndex uint32, allocSize uint32) vmem.Addr {
	off := s.chunkOffset(ref.Segment, ref.Chunk) + uintptr(elemIndex)*uintptr(allocSize)
	return s.res.Base + vmem.Addr(off)
}

// AddressToChunk maps a live address back to the chunk it falls
// within, by pure index arithmetic on the address: the segment index
// comes off the top bits, the chunk index off the segment offset.
func (s *Space) AddressToChunk(addr vmem.Addr) (ChunkRef, error) {
	if !s.res.Contains(addr) {
		return ChunkRef{}, fmt.Errorf("superspace: address %v is outside this space", addr)
	}
	off := uintptr(addr - s.res.Base)
	segmentIndex := uint32(off >> s.segmentShift)
	seg := &s.segments[segmentIndex]
	if !seg.claimed {
		return ChunkRef{}, fmt.Errorf("superspace: address %v falls in an unclaimed segment", addr)
	}
	shift := s.cfg.Chunks[seg.chunkConfig].Shift
	segOff := off - s.segmentBase(segmentIndex)
	chunkIndex := uint32(segOff >> shift)
	return ChunkRef{Segment: segmentIndex, Chunk: chunkIndex}, nil
}

// CommittedSegments reports how many segments are currently claimed,
// for stats/debugging.
func (s *Space) CommittedSegments() int {
	n := 0
	for i := uint32(0); i < s.freeSegment; i++ {
		if s.segments[i].claimed {
			n++
		}
	}
	return n
}
