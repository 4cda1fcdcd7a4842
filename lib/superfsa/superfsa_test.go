// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package superfsa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~jklx/superalloc/lib/vmem"
)

func newTestFSA(t *testing.T) *FSA {
	t.Helper()
	pager := vmem.NewMemPager(4096)
	f, err := New(pager, 22, 64) // 4 MiB sections, up to 256 MiB total
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, f.Destroy()) })
	return f
}

func TestAllocateReturnsZeroedDistinctBuffers(t *testing.T) {
	f := newTestFSA(t)

	h1, b1, err := f.Allocate(64)
	require.NoError(t, err)
	h2, b2, err := f.Allocate(64)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	for _, b := range [][]byte{b1, b2} {
		for _, by := range b {
			assert.Zero(t, by)
		}
	}

	b1[0] = 0xAB
	assert.Zero(t, b2[0], "writes to one item must not be visible through another")
}

func TestDeallocateRecyclesItemSlot(t *testing.T) {
	f := newTestFSA(t)

	h1, b1, err := f.Allocate(32)
	require.NoError(t, err)
	b1[0] = 0x42
	f.Deallocate(h1)

	h2, b2, err := f.Allocate(32)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "a freed item should be handed back out before bumping further")
	assert.Zero(t, b2[0], "a recycled item must be re-zeroed")
}

func TestAllocateRoutesDifferentSizesToDifferentBlocks(t *testing.T) {
	f := newTestFSA(t)

	hSmall, _, err := f.Allocate(16)
	require.NoError(t, err)
	hLarge, _, err := f.Allocate(1 << 20)
	require.NoError(t, err)

	assert.NotEqual(t, hSmall.section(), hLarge.section(), "a 16-byte and a 1 MiB item must land in different sections' blocks")
}

func TestAllocateFillsOneBlockThenClaimsAnotherSection(t *testing.T) {
	f := newTestFSA(t)

	// 2 MiB items share a 4 MiB block (2 per block), and this FSA's
	// 4 MiB sections hold exactly one such block each, so the third
	// allocation must land in a fresh section.
	const itemSize = 1 << 21
	h1, _, err := f.Allocate(itemSize)
	require.NoError(t, err)
	h2, _, err := f.Allocate(itemSize)
	require.NoError(t, err)
	assert.Equal(t, h1.section(), h2.section())
	assert.Equal(t, h1.block(), h2.block())

	h3, _, err := f.Allocate(itemSize)
	require.NoError(t, err)
	assert.NotEqual(t, h1.section(), h3.section(), "a third 2 MiB item must force a new section")
}

func TestEmptyingABlockReleasesItForReuseByAnotherClass(t *testing.T) {
	f := newTestFSA(t)

	// 16 KiB items share a 64 KiB block (4 per block). Fill one block
	// completely, then free every item in it.
	var handles []Handle
	for i := 0; i < 4; i++ {
		h, _, err := f.Allocate(16 << 10)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	firstSection, firstBlock := handles[0].section(), handles[0].block()
	for _, h := range handles {
		require.Equal(t, firstSection, h.section())
		require.Equal(t, firstBlock, h.block())
		f.Deallocate(h)
	}

	// A different item-size class mapped to the same (64 KiB) block
	// size should be able to claim the now-empty block rather than
	// forcing a brand new section commit.
	before := f.CommittedSections()
	h, _, err := f.Allocate(8 << 10)
	require.NoError(t, err)
	assert.Equal(t, before, f.CommittedSections(), "reclaiming a released block must not commit a new section")
	assert.Equal(t, firstSection, h.section())
	assert.Equal(t, firstBlock, h.block())
}

func TestAllocateRejectsOversizeRequest(t *testing.T) {
	f := newTestFSA(t)
	_, _, err := f.Allocate(1 << 22) // twice the 2 MiB max item size
	assert.Error(t, err)
}

func TestDeallocateNilHandleIsNoop(t *testing.T) {
	f := newTestFSA(t)
	assert.NotPanics(t, func() { f.Deallocate(NilHandle) })
}

func TestPtrRoundTripsWithAllocate(t *testing.T) {
	f := newTestFSA(t)
	h, b, err := f.Allocate(128)
	require.NoError(t, err)
	b[5] = 0x7F
	assert.Equal(t, byte(0x7F), f.Ptr(h)[5])
}
