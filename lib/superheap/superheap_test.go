// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package superheap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~jklx/superalloc/lib/superheap"
	"git.sr.ht/~jklx/superalloc/lib/vmem"
)

const testPageSize = 4096

func TestAllocateZeroedAndDistinct(t *testing.T) {
	t.Parallel()
	pager := vmem.NewMemPager(testPageSize)
	h, err := superheap.New(pager, 1<<20)
	require.NoError(t, err)

	a, err := h.Allocate(64, 8)
	require.NoError(t, err)
	for _, b := range a {
		assert.Equal(t, byte(0), b)
	}
	a[0] = 0xAB

	b, err := h.Allocate(64, 8)
	require.NoError(t, err)
	assert.Equal(t, byte(0), b[0], "distinct allocations must not alias")

	require.NoError(t, h.Destroy())
}

func TestAllocateCommitsOnDemand(t *testing.T) {
	t.Parallel()
	pager := vmem.NewMemPager(testPageSize)
	h, err := superheap.New(pager, 4*testPageSize)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0), h.Committed())

	_, err = h.Allocate(10, 1)
	require.NoError(t, err)
	assert.Equal(t, uintptr(testPageSize), h.Committed())

	_, err = h.Allocate(testPageSize, 1)
	require.NoError(t, err)
	assert.Equal(t, uintptr(2*testPageSize), h.Committed())

	require.NoError(t, h.Destroy())
}

func TestAllocateRespectsAlignment(t *testing.T) {
	t.Parallel()
	pager := vmem.NewMemPager(testPageSize)
	h, err := superheap.New(pager, 1<<16)
	require.NoError(t, err)

	_, err = h.Allocate(3, 1)
	require.NoError(t, err)
	_, err = h.Allocate(16, 16)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0), h.Allocated()%16, "cursor lands on a 16-byte boundary after a 16-aligned allocation")
	require.NoError(t, h.Destroy())
}

func TestAllocateExhaustionFails(t *testing.T) {
	t.Parallel()
	pager := vmem.NewMemPager(testPageSize)
	h, err := superheap.New(pager, testPageSize)
	require.NoError(t, err)

	_, err = h.Allocate(testPageSize, 1)
	require.NoError(t, err)

	_, err = h.Allocate(1, 1)
	assert.Error(t, err)
	require.NoError(t, h.Destroy())
}

func TestDestroyDecommitsEverything(t *testing.T) {
	t.Parallel()
	pager := vmem.NewMemPager(testPageSize)
	h, err := superheap.New(pager, 8*testPageSize)
	require.NoError(t, err)

	_, err = h.Allocate(3*testPageSize, 1)
	require.NoError(t, err)
	require.NoError(t, h.Destroy())
	assert.Equal(t, 0, pager.CommittedPages())
}

func TestZeroSizeAllocateReturnsNil(t *testing.T) {
	t.Parallel()
	pager := vmem.NewMemPager(testPageSize)
	h, err := superheap.New(pager, testPageSize)
	require.NoError(t, err)
	buf, err := h.Allocate(0, 1)
	require.NoError(t, err)
	assert.Nil(t, buf)
	require.NoError(t, h.Destroy())
}
