// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package superconfig holds the static size-class tables superalloc and
// superspace are built around: the chunk-config table (the handful of
// chunk sizes and the segment size each belongs to) and the bin-config
// table (one entry per allocation size class, naming its exact
// alloc-size and which chunk config serves it).
//
// Two waste policies ship, differing only in the rounding granularity
// of their size2bin function: Policy25 (~25% worst-case waste, 4
// sub-bins per power-of-two octave) and Policy10 (~10% worst-case
// waste, 8 sub-bins per octave). Both policies' bin tables are built
// by the same forward construction in Build, then checked by Validate
// for tight monotone classification and in-range per-chunk element
// counts.
package superconfig

import (
	"fmt"
	"math/bits"

	"git.sr.ht/~jklx/superalloc/internal/xmath"
)

// MinAllocSize is the smallest allocation size a bin ever reports; any
// request below it is rounded up before classification, the same way
// superfsa rounds small FSA items up to 8 bytes.
const MinAllocSize = 8

// MaxBinIndex bounds the bin table: a chunk record stores its bin
// index in 16 bits, and chunk free/element bitmaps (binmap.MaxCount)
// only index up to 2^20 positions, so in practice the table never
// gets close to this.
const MaxBinIndex = 1<<16 - 1

// ChunkConfig describes one chunk-size class: the size of a chunk
// (Shift), plus the segment size this chunk size prefers
// (SegmentShift). SegmentShift is advisory: the address space is cut
// into segments of one single, global size -- the largest
// SegmentShift in the table, see MaxSegmentShift -- and
// superspace.Space derives that global shift itself rather than
// reading it per chunk config.
type ChunkConfig struct {
	Index        uint8
	Shift        uint8 // log2(chunk size in bytes)
	SegmentShift uint8 // log2(this chunk size's preferred segment size) -- informational; see above
}

// ChunkSize returns the size in bytes of one chunk of this config.
func (c ChunkConfig) ChunkSize() uintptr { return uintptr(1) << c.Shift }

// ChunksPerSegment returns how many chunks of this config fit in a
// segment of the given (global) segment shift.
func (c ChunkConfig) ChunksPerSegment(segmentShift uint8) uint32 {
	return uint32(1) << (segmentShift - c.Shift)
}

// MaxSegmentShift returns the largest SegmentShift across chunks --
// the one global segment size a superspace.Space built over these
// chunk configs uses for its whole address space.
func MaxSegmentShift(chunks []ChunkConfig) uint8 {
	var max uint8
	for _, c := range chunks {
		if c.SegmentShift > max {
			max = c.SegmentShift
		}
	}
	return max
}

// DefaultChunkConfigs is the desktop-application chunk-config table:
// nine chunk sizes from 64 KiB to 512 MiB, each paired with a
// 64 MiB..1 GiB preferred segment size.
var DefaultChunkConfigs = []ChunkConfig{
	{Index: 0, Shift: 16, SegmentShift: 26}, // 64 KiB chunks,  64 MiB segments
	{Index: 1, Shift: 17, SegmentShift: 26}, // 128 KiB chunks, 64 MiB segments
	{Index: 2, Shift: 18, SegmentShift: 26}, // 256 KiB chunks, 64 MiB segments
	{Index: 3, Shift: 19, SegmentShift: 27}, // 512 KiB chunks, 128 MiB segments
	{Index: 4, Shift: 21, SegmentShift: 28}, // 2 MiB chunks,   256 MiB segments
	{Index: 5, Shift: 23, SegmentShift: 29}, // 8 MiB chunks,   512 MiB segments
	{Index: 6, Shift: 25, SegmentShift: 29}, // 32 MiB chunks,  512 MiB segments
	{Index: 7, Shift: 27, SegmentShift: 29}, // 128 MiB chunks, 512 MiB segments
	{Index: 8, Shift: 29, SegmentShift: 30}, // 512 MiB chunks, 1 GiB segments
}

// BinConfig is one size class: every allocation of AllocSize bytes or
// less (down to the previous bin's AllocSize+1) is routed to
// ChunkConfig-configured chunks holding MaxAllocCount elements each.
type BinConfig struct {
	AllocSize     uint32
	ChunkConfig   uint8
	MaxAllocCount uint32
}

// Policy parameterizes size2bin's rounding granularity: Shift anchors
// the octave component of the bin index (29 for 25% waste, 28 for
// 10%), and SubShift controls how many sub-bins subdivide each
// power-of-two octave (2 -> 4 sub-bins/octave for 25%, 3 -> 8
// sub-bins/octave for 10%). The two shipped policies differ only in
// these two constants.
type Policy struct {
	Name     string
	Shift    int
	SubShift uint
}

// Policy25 is the ~25%-worst-case-waste policy.
var Policy25 = Policy{Name: "25p", Shift: 29, SubShift: 2}

// Policy10 is the ~10%-worst-case-waste policy.
var Policy10 = Policy{Name: "10p", Shift: 28, SubShift: 3}

func (p Policy) subBinsPerOctave() int { return 1 << p.SubShift }

// SizeToBin maps size to its raw bin index and the rounded-up
// alloc-size that bin serves, as a closed-form expression over the
// leading-zero count: the octave is the position of the size's
// leading bit, and the sub-bin is the next SubShift bits of mantissa
// after rounding up to the sub-bin granularity. size is clamped up to
// MinAllocSize first so the shift arithmetic never goes negative for
// tiny requests. Note the mantissa is allocSize-f, not a mask of the
// low bits: the rounded size can carry into the next octave (e.g.
// 15 -> 16), and f was computed from the *pre*-rounding leading bit,
// so the subtraction is what keeps octave and sub-bin consistent.
// "Raw" because this bin index is relative to an arbitrary zero point
// determined by Policy.Shift, not necessarily 0 for the smallest size
// a Config actually serves -- Config.Bin renormalizes it to a dense,
// 0-based table (see New).
func SizeToBin(size uint32, p Policy) (bin int, allocSize uint32) {
	if size < MinAllocSize {
		size = MinAllocSize
	}
	w := bits.LeadingZeros32(size)
	shift := p.Shift - w
	f := uint32(0x80000000) >> uint(w)
	t := (f - 1) >> p.SubShift
	allocSize = (size + t) &^ t
	bin = int((allocSize-f)>>uint(shift)) + shift*p.subBinsPerOctave()
	return bin, allocSize
}

// pickChunkConfig chooses the smallest chunk config that can host at
// least one, and at most 4096, elements of allocSize -- the bounds a
// chunk's 12-bit element indices and 16-bit counters can represent.
// Chunk configs are tried smallest-chunk-first (chunks is assumed
// sorted ascending by size, as DefaultChunkConfigs is), falling back
// to the single largest config for allocations bigger than every
// chunk.
func pickChunkConfig(chunks []ChunkConfig, allocSize uint32) ChunkConfig {
	for _, cc := range chunks {
		elems := cc.ChunkSize() / uintptr(allocSize)
		if elems >= 1 && elems <= 4096 {
			return cc
		}
	}
	return chunks[len(chunks)-1]
}

// binBase is the raw SizeToBin index of MinAllocSize under p -- the
// amount every raw bin index for this policy must be shifted down by
// to land the smallest class Config actually serves at table index 0.
// The two policies' Shift anchors don't zero out at the same raw
// index for the shared MinAllocSize, so this is computed once in New
// and threaded through Build/Validate/Bin to keep the stored Bins
// table dense and 0-based for both.
func binBase(p Policy) int {
	bin, _ := SizeToBin(MinAllocSize, p)
	return bin
}

// Build constructs the bin table for p over chunks, covering every
// size from MinAllocSize up to (and including the bin that covers)
// maxAllocSize. It generates the table by repeatedly classifying the
// smallest not-yet-covered size and jumping straight to the next
// bin's starting size -- O(number of bins), not O(maxAllocSize) --
// since the rounding formula in SizeToBin already determines each
// bin's exact AllocSize; no hand-authored literal table to keep in
// sync. Raw SizeToBin indices are renormalized by
// binBase so bins[0] is always the smallest class this policy serves.
func Build(p Policy, chunks []ChunkConfig, maxAllocSize uint32) []BinConfig {
	base := binBase(p)
	var bins []BinConfig
	size := uint32(MinAllocSize)
	for {
		raw, allocSize := SizeToBin(size, p)
		bin := raw - base
		for len(bins) <= bin {
			bins = append(bins, BinConfig{})
		}
		cc := pickChunkConfig(chunks, allocSize)
		maxCount := uint32(cc.ChunkSize() / uintptr(allocSize))
		if maxCount > 4096 {
			maxCount = 4096
		}
		if maxCount < 1 {
			maxCount = 1
		}
		bins[bin] = BinConfig{AllocSize: allocSize, ChunkConfig: cc.Index, MaxAllocCount: maxCount}
		if allocSize >= maxAllocSize {
			break
		}
		size = allocSize + 1
	}
	return bins
}

// Validate checks a bin table's invariants at construction time:
// every bin's AllocSize maps back to its own index (size2bin,
// renormalized by binBase, is a fixed point on each bin's own
// AllocSize), and every MaxAllocCount is in [1, 4096] -- the range
// the chunk records' element indices can represent.
func Validate(bins []BinConfig, p Policy) error {
	base := binBase(p)
	for i, bc := range bins {
		if bc.MaxAllocCount < 1 || bc.MaxAllocCount > 4096 {
			return fmt.Errorf("superconfig: bin %d has out-of-range max alloc count %d", i, bc.MaxAllocCount)
		}
		rawBin, rounded := SizeToBin(bc.AllocSize, p)
		gotBin := rawBin - base
		if gotBin != i {
			return fmt.Errorf("superconfig: bin %d's alloc size %d round-trips to bin %d", i, bc.AllocSize, gotBin)
		}
		if rounded != bc.AllocSize {
			return fmt.Errorf("superconfig: bin %d's alloc size %d is not tight (rounds to %d)", i, bc.AllocSize, rounded)
		}
	}
	return nil
}

// Config bundles a policy, its chunk-config table, and its derived
// bin-config table behind the single lookup superalloc needs.
type Config struct {
	Policy       Policy
	Chunks       []ChunkConfig
	Bins         []BinConfig
	MaxAllocSize uint32
	base         int // binBase(Policy); see Bin
}

// New builds and validates a Config for policy p over chunks, with
// bins covering sizes up to and including maxAllocSize.
func New(p Policy, chunks []ChunkConfig, maxAllocSize uint32) (*Config, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("superconfig.New: no chunk configs given")
	}
	bins := Build(p, chunks, maxAllocSize)
	if err := Validate(bins, p); err != nil {
		return nil, fmt.Errorf("superconfig.New: %w", err)
	}
	return &Config{
		Policy:       p,
		Chunks:       chunks,
		Bins:         bins,
		MaxAllocSize: bins[len(bins)-1].AllocSize,
		base:         binBase(p),
	}, nil
}

// Default25 is the ready-to-use ~25%-waste desktop configuration,
// covering allocations up to 512 MiB.
func Default25() (*Config, error) {
	return New(Policy25, DefaultChunkConfigs, 512<<20)
}

// Default10 is the ready-to-use ~10%-waste desktop configuration.
func Default10() (*Config, error) {
	return New(Policy10, DefaultChunkConfigs, 512<<20)
}

// Bin classifies size into a bin index, or reports ErrTooLarge if it
// exceeds the largest configured bin.
func (c *Config) Bin(size uint32) (int, error) {
	if size == 0 {
		size = 1
	}
	if size > c.MaxAllocSize {
		return 0, ErrTooLarge
	}
	raw, _ := SizeToBin(size, c.Policy)
	bin := raw - c.base
	if bin < 0 || bin >= len(c.Bins) {
		return 0, ErrTooLarge
	}
	return bin, nil
}

// ErrTooLarge is returned by Bin when a request exceeds the largest
// configured bin.
var ErrTooLarge = fmt.Errorf("superconfig: request exceeds largest configured bin")

// AlignUp is re-exported for callers that need to round a request up
// to an explicit alignment before calling Bin.
func AlignUp(size, align uint32) uint32 { return xmath.AlignUp(size, align) }
