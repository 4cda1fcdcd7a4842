// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package superalloc

// Stats is a point-in-time snapshot of an Allocator's bookkeeping,
// for the debug CLI's stats/dump subcommands and for tests that want
// to assert on chunk/segment commit counts without reaching into
// superspace/superfsa directly.
type Stats struct {
	CommittedSegments int
	CommittedSections int
	LiveAllocations   int

	// TotalAllocatedBytes is the sum of the slot sizes (bin
	// alloc-sizes, not the callers' requested sizes) of every live
	// allocation.
	TotalAllocatedBytes uint64

	Bins []BinStats
}

// BinStats is one size class's contribution to Stats: its slot size
// and how many chunks currently sit on its active-chunk ring.
type BinStats struct {
	AllocSize    uint32
	ActiveChunks int
}

// Stats returns a snapshot of the Allocator's current bookkeeping.
func (a *Allocator) Stats() Stats {
	st := Stats{
		CommittedSegments:   a.space.CommittedSegments(),
		CommittedSections:   a.fsa.CommittedSections(),
		LiveAllocations:     a.liveCount,
		TotalAllocatedBytes: a.liveBytes,
		Bins:                make([]BinStats, len(a.cfg.Bins)),
	}
	for i := range a.cfg.Bins {
		n := 0
		a.rings[i].Walk(a.ringGet, func(uint32) bool { n++; return true })
		st.Bins[i] = BinStats{
			AllocSize:    a.cfg.Bins[i].AllocSize,
			ActiveChunks: n,
		}
	}
	return st
}
