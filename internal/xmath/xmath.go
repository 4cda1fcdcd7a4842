// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package xmath collects the small numeric helpers shared by binmap,
// superconfig, and superspace: most-significant-bit queries and the
// round-up-to-page/word arithmetic that the hierarchical bitmap and
// the size-class tables both depend on.
package xmath

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Clamp restricts v to the closed interval [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	return Min(Max(v, lo), hi)
}

// DivRoundUp computes ceil(a/b) for positive integers.
func DivRoundUp[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// AlignUp rounds v up to the nearest multiple of align, where align
// is a power of two.
func AlignUp[T constraints.Integer](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// Msb32 returns the bit-index (0-based) of the most significant set
// bit of x, or -1 if x is zero.
func Msb32(x uint32) int {
	if x == 0 {
		return -1
	}
	return 31 - bits.LeadingZeros32(x)
}

// Msb64 is the 64-bit analog of Msb32.
func Msb64(x uint64) int {
	if x == 0 {
		return -1
	}
	return 63 - bits.LeadingZeros64(x)
}

// Ctz32 returns the index of the lowest set bit of x, or 32 if x is
// zero (matching math/bits.TrailingZeros32's convention).
func Ctz32(x uint32) int {
	return bits.TrailingZeros32(x)
}

// IsPow2 reports whether v is a power of two (v must be positive).
func IsPow2[T constraints.Integer](v T) bool {
	return v > 0 && v&(v-1) == 0
}
