// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binmap_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~jklx/superalloc/lib/binmap"
)

func TestNewAllFree(t *testing.T) {
	t.Parallel()
	for _, count := range []uint32{1, 31, 32, 33, 1023, 1024, 1025, 32*1024 + 7, 1 << 20} {
		count := count
		t.Run("", func(t *testing.T) {
			t.Parallel()
			bm := binmap.New(count)
			for i := uint32(0); i < count; i++ {
				assert.Falsef(t, bm.Get(i), "bit %d of %d should start free", i, count)
			}
			assert.False(t, bm.IsFull())
			assert.Equal(t, -1, testFullySet(t, bm, count))
		})
	}
}

// testFullySet sets every bit and returns Find()'s result, which must
// be -1 once everything is used.
func testFullySet(t *testing.T, bm *binmap.Bitmap, count uint32) int {
	t.Helper()
	for i := uint32(0); i < count; i++ {
		bm.Set(i)
	}
	require.True(t, bm.IsFull())
	return bm.Find()
}

func TestFindIsLowest(t *testing.T) {
	t.Parallel()
	bm := binmap.New(100)
	for i := uint32(0); i < 100; i++ {
		bm.Set(i)
	}
	bm.Clr(42)
	bm.Clr(17)
	bm.Clr(99)
	assert.Equal(t, 17, bm.Find())
	i := bm.FindAndSet()
	assert.Equal(t, 17, i)
	assert.True(t, bm.Get(17))
	assert.Equal(t, 42, bm.Find())
}

func TestSetClrRoundTrip(t *testing.T) {
	t.Parallel()
	const count = 5000
	bm := binmap.New(count)
	rng := rand.New(rand.NewSource(1))
	used := make(map[uint32]bool)
	for i := 0; i < 20000; i++ {
		bit := uint32(rng.Intn(count))
		if used[bit] {
			bm.Clr(bit)
			delete(used, bit)
		} else {
			bm.Set(bit)
			used[bit] = true
		}
		assert.Equal(t, len(used) == count, bm.IsFull())
	}
	for bit := uint32(0); bit < count; bit++ {
		assert.Equal(t, used[bit], bm.Get(bit), "bit %d", bit)
	}
}

func TestLazyMatchesEagerAllUsed(t *testing.T) {
	t.Parallel()
	const count = 10000
	lazy := binmap.NewLazy(count)
	assert.True(t, lazy.IsFull())

	// Walk a bump index through the whole range, lazily initializing
	// each word as it's entered, exactly as superspace/superfsa do.
	for i := uint32(0); i < count; i++ {
		if i%32 == 0 {
			lazy.LazyInit(i)
		}
	}
	assert.True(t, lazy.IsFull())

	// Now free everything and confirm Find/Get behave identically to
	// an eagerly-constructed, fully-used bitmap that's also been
	// fully freed.
	eager := binmap.New(count)
	for i := uint32(0); i < count; i++ {
		eager.Set(i)
	}

	order := rand.New(rand.NewSource(2)).Perm(count)
	for _, i := range order {
		lazy.Clr(uint32(i))
		eager.Clr(uint32(i))
		assert.Equal(t, eager.Find(), lazy.Find())
	}
}

func TestLazyInitThenFreeSingleBit(t *testing.T) {
	t.Parallel()
	bm := binmap.NewLazy(64)
	// Enter the first word (bits 0..31) via a bump index.
	bm.LazyInit(0)
	// Nothing has been freed yet, so nothing should be discoverable.
	assert.Equal(t, -1, bm.Find())
	// Enter the second word too.
	bm.LazyInit(32)
	assert.Equal(t, -1, bm.Find())
	// Free bit 5; it must become the unique Find() result.
	bm.Clr(5)
	assert.Equal(t, 5, bm.Find())
	assert.False(t, bm.Get(5))
	assert.True(t, bm.Get(0))
}

func TestPanicsOutOfRange(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { binmap.New(0) })
	assert.Panics(t, func() { binmap.New(binmap.MaxCount + 1) })
}
