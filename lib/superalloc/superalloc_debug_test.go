// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build super_debug

package superalloc

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~jklx/superalloc/lib/superconfig"
	"git.sr.ht/~jklx/superalloc/lib/vmem"
)

func TestDoubleFreePanicsUnderDebugBuild(t *testing.T) {
	pager := vmem.NewMemPager(4096)
	chunks := []superconfig.ChunkConfig{{Index: 0, Shift: 12, SegmentShift: 16}}
	sc, err := superconfig.New(superconfig.Policy10, chunks, 1024)
	require.NoError(t, err)

	a, err := Create(dlog.NewTestContext(t, false), pager, Config{
		SuperConfig:     sc,
		AddressSize:     4 << 16,
		CacheSize:       4,
		FSASectionShift: 22,
		FSANumSections:  4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Destroy() })

	p := a.Allocate(32, 8)
	require.NotEqual(t, NullAddr, p)
	// A second allocation keeps the chunk checked out, so the freed
	// element's poisoned tag slot survives for the re-free to trip on.
	q := a.Allocate(32, 8)
	require.NotEqual(t, NullAddr, q)
	a.Deallocate(p)

	require.Panics(t, func() { a.Deallocate(p) })
}
