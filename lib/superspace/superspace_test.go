// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package superspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~jklx/superalloc/lib/superconfig"
	"git.sr.ht/~jklx/superalloc/lib/superfsa"
	"git.sr.ht/~jklx/superalloc/lib/vmem"
)

// testConfig is a tiny, hand-built Config: one chunk size (one 4 KiB
// page per chunk), one bin (1 KiB elements, 4 per chunk), 4 chunks per
// 16 KiB segment. Small enough to exercise segment/chunk exhaustion
// and caching without committing real gigabytes of test reservation.
func testConfig() *superconfig.Config {
	chunks := []superconfig.ChunkConfig{
		{Index: 0, Shift: 12, SegmentShift: 14},
	}
	bins := []superconfig.BinConfig{
		{AllocSize: 1024, ChunkConfig: 0, MaxAllocCount: 4},
	}
	return &superconfig.Config{
		Policy:       superconfig.Policy10,
		Chunks:       chunks,
		Bins:         bins,
		MaxAllocSize: 1024,
	}
}

func newTestSpace(t *testing.T, cacheSize int) (*Space, *vmem.MemPager) {
	t.Helper()
	pager := vmem.NewMemPager(4096)
	fsa, err := superfsa.New(pager, 22, 4)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, fsa.Destroy()) })

	sp, err := New(pager, fsa, testConfig(), 2<<14, cacheSize) // 2 segments of 16 KiB
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sp.Destroy()) })
	return sp, pager
}

func TestCheckoutChunkCommitsExactlyOnePage(t *testing.T) {
	sp, pager := newTestSpace(t, 2)

	// The very first checkout also claims the FSA section backing tag
	// arrays; do one up front so the measurement below sees only the
	// chunk's own page.
	_, err := sp.CheckoutChunk(0)
	require.NoError(t, err)
	before := pager.CommittedPages()

	ref, err := sp.CheckoutChunk(0)
	require.NoError(t, err)

	assert.Equal(t, before+1, pager.CommittedPages())
	ch := sp.Chunk(ref)
	assert.EqualValues(t, 1, ch.PhysicalPages)
	assert.NotEqual(t, superfsa.NilHandle, ch.Tags)
}

func TestCheckoutChunkFillsOneSegmentThenClaimsAnother(t *testing.T) {
	sp, _ := newTestSpace(t, 0)

	var refs []ChunkRef
	for i := 0; i < 4; i++ {
		ref, err := sp.CheckoutChunk(0)
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	for _, ref := range refs {
		assert.Equal(t, refs[0].Segment, ref.Segment, "first 4 chunks (this segment's whole capacity) should share a segment")
	}

	ref5, err := sp.CheckoutChunk(0)
	require.NoError(t, err)
	assert.NotEqual(t, refs[0].Segment, ref5.Segment, "a 5th chunk must land in a new segment")
}

func TestCheckoutChunkExhaustsSpace(t *testing.T) {
	sp, _ := newTestSpace(t, 0)
	for i := 0; i < 8; i++ { // 2 segments * 4 chunks
		_, err := sp.CheckoutChunk(0)
		require.NoError(t, err)
	}
	_, err := sp.CheckoutChunk(0)
	assert.Error(t, err)
}

func TestReleaseChunkCachesForReuseWithoutDecommit(t *testing.T) {
	sp, pager := newTestSpace(t, 4)

	ref, err := sp.CheckoutChunk(0)
	require.NoError(t, err)
	committed := pager.CommittedPages()

	sp.ReleaseChunk(ref)
	assert.Equal(t, committed, pager.CommittedPages(), "a cached release must not decommit")

	ref2, err := sp.CheckoutChunk(0)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2, "checking out again should reuse the cached chunk, not claim a new one")
	assert.Equal(t, committed, pager.CommittedPages(), "reusing a cached chunk must not need a fresh commit")
}

func TestReleaseChunkDecommitsWhenCacheBoundExceeded(t *testing.T) {
	sp, pager := newTestSpace(t, 1) // cache holds only 1 idle chunk per chunk config

	ref1, err := sp.CheckoutChunk(0)
	require.NoError(t, err)
	ref2, err := sp.CheckoutChunk(0)
	require.NoError(t, err)
	committed := pager.CommittedPages()

	sp.ReleaseChunk(ref1)
	sp.ReleaseChunk(ref2) // pushes ref1 out of the size-1 cache

	assert.Equal(t, committed-1, pager.CommittedPages(), "the evicted chunk must be decommitted")
}

func TestSegmentSlotReusedAfterRelease(t *testing.T) {
	sp, _ := newTestSpace(t, 0)

	ref1, err := sp.CheckoutChunk(0)
	require.NoError(t, err)
	sp.ReleaseChunk(ref1)
	assert.Zero(t, sp.CommittedSegments())

	ref2, err := sp.CheckoutChunk(0)
	require.NoError(t, err)
	assert.Equal(t, ref1.Segment, ref2.Segment, "a fully released segment slot must be reclaimed before consuming a fresh one")
}

func TestAddressToChunkRoundTrips(t *testing.T) {
	sp, _ := newTestSpace(t, 0)

	ref, err := sp.CheckoutChunk(0)
	require.NoError(t, err)

	addr := sp.ElementAddr(ref, 2, 1024)
	got, err := sp.AddressToChunk(addr)
	require.NoError(t, err)
	assert.Equal(t, ref, got)
}

func TestAddressToChunkRejectsOutOfRangeAddress(t *testing.T) {
	sp, _ := newTestSpace(t, 0)
	_, err := sp.AddressToChunk(vmem.Addr(0))
	assert.Error(t, err)
}

func TestDestroyDecommitsEverything(t *testing.T) {
	pager := vmem.NewMemPager(4096)
	fsa, err := superfsa.New(pager, 22, 4)
	require.NoError(t, err)
	sp, err := New(pager, fsa, testConfig(), 2<<14, 2)
	require.NoError(t, err)

	_, err = sp.CheckoutChunk(0)
	require.NoError(t, err)
	ref2, err := sp.CheckoutChunk(0)
	require.NoError(t, err)
	sp.ReleaseChunk(ref2)

	require.NoError(t, sp.Destroy())
	require.NoError(t, fsa.Destroy())
	assert.Zero(t, pager.CommittedPages())
}
