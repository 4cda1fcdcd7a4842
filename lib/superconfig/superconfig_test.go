// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package superconfig_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~jklx/superalloc/lib/superconfig"
)

func TestDefaultConfigsBuild(t *testing.T) {
	t.Parallel()
	for name, build := range map[string]func() (*superconfig.Config, error){
		"25p": superconfig.Default25,
		"10p": superconfig.Default10,
	} {
		build := build
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg, err := build()
			require.NoError(t, err)
			require.NotEmpty(t, cfg.Bins)
			assert.Equal(t, uint32(superconfig.MinAllocSize), cfg.Bins[0].AllocSize)
		})
	}
}

// TestBinMonotoneTight checks the size2bin tightness property over a
// sampled range of sizes for both shipped policies: the bin a size
// classifies into must be able to hold it, and the previous bin must
// not.
func TestBinMonotoneTight(t *testing.T) {
	t.Parallel()
	sizes := sampleSizes()
	for name, build := range map[string]func() (*superconfig.Config, error){
		"25p": superconfig.Default25,
		"10p": superconfig.Default10,
	} {
		build := build
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg, err := build()
			require.NoError(t, err)
			for _, size := range sizes {
				size := size
				if size > cfg.MaxAllocSize {
					_, err := cfg.Bin(size)
					assert.ErrorIsf(t, err, superconfig.ErrTooLarge, "size %d", size)
					continue
				}
				bin, err := cfg.Bin(size)
				require.NoErrorf(t, err, "size %d", size)
				require.Lessf(t, bin, len(cfg.Bins), "size %d", size)
				assert.GreaterOrEqualf(t, cfg.Bins[bin].AllocSize, size, "size %d classified into bin %d", size, bin)
				if bin > 0 {
					assert.Lessf(t, cfg.Bins[bin-1].AllocSize, size, "size %d classified into bin %d", size, bin)
				}
			}
		})
	}
}

// sampleSizes returns a representative spread of allocation sizes:
// every size near a power-of-two boundary (where size2bin's rounding
// is most likely to be off by one), plus some sizes further out.
func sampleSizes() []uint32 {
	var sizes []uint32
	for shift := uint(0); shift <= 30; shift++ {
		base := uint32(1) << shift
		for _, delta := range []int64{-2, -1, 0, 1, 2, 3, 7, 100} {
			v := int64(base) + delta
			if v <= 0 {
				continue
			}
			sizes = append(sizes, uint32(v))
		}
	}
	return sizes
}

func TestValidateRejectsBadTable(t *testing.T) {
	t.Parallel()
	bins := superconfig.Build(superconfig.Policy10, superconfig.DefaultChunkConfigs, 1<<20)
	require.NoError(t, superconfig.Validate(bins, superconfig.Policy10))

	bad := append([]superconfig.BinConfig(nil), bins...)
	bad[0].MaxAllocCount = 0
	assert.Error(t, superconfig.Validate(bad, superconfig.Policy10))

	bad = append([]superconfig.BinConfig(nil), bins...)
	bad[0].AllocSize++
	assert.Error(t, superconfig.Validate(bad, superconfig.Policy10))
}

func TestNewRejectsEmptyChunks(t *testing.T) {
	t.Parallel()
	_, err := superconfig.New(superconfig.Policy10, nil, 1<<20)
	assert.Error(t, err)
}
