// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xmath_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.sr.ht/~jklx/superalloc/internal/xmath"
)

func TestMsb32(t *testing.T) {
	t.Parallel()
	testcases := map[string]struct {
		In       uint32
		Expected int
	}{
		"zero":      {0, -1},
		"one":       {1, 0},
		"thirtyone": {31, 4},
		"thirtytwo": {32, 5},
		"max":       {0xffffffff, 31},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.Expected, xmath.Msb32(tc.In))
		})
	}
}

func TestAlignUp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 4096, xmath.AlignUp(1, 4096))
	assert.Equal(t, 4096, xmath.AlignUp(4096, 4096))
	assert.Equal(t, 8192, xmath.AlignUp(4097, 4096))
	assert.Equal(t, 0, xmath.AlignUp(0, 4096))
}

func TestDivRoundUp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, xmath.DivRoundUp(1, 32))
	assert.Equal(t, 1, xmath.DivRoundUp(32, 32))
	assert.Equal(t, 2, xmath.DivRoundUp(33, 32))
}

func TestIsPow2(t *testing.T) {
	t.Parallel()
	assert.True(t, xmath.IsPow2(1))
	assert.True(t, xmath.IsPow2(1024))
	assert.False(t, xmath.IsPow2(0))
	assert.False(t, xmath.IsPow2(3))
}
