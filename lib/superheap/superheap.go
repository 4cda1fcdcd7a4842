// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package superheap is a single-reservation, forward-only bump
// allocator over a vmem.Pager reservation. It exists for
// side-metadata that is allocated once and never individually freed.
// In this module its one user is superfsa, which carves each of its
// sections out of a Heap; chunk and segment records and their binmap
// arrays are ordinary Go allocations, not carved from a Heap.
// Deallocate does not reclaim space; the whole reservation is only
// ever given back on Destroy.
package superheap

import (
	"fmt"

	"git.lukeshu.com/go/typedsync"

	"git.sr.ht/~jklx/superalloc/internal/xmath"
	"git.sr.ht/~jklx/superalloc/lib/vmem"
)

// growScratch pools the transient zero-fill buffers Allocate's growth
// path needs. Shared across every Heap in the process: a scratch
// buffer only needs to be the right size and zeroed, never tied to
// one Heap's identity.
var growScratch typedsync.Pool[[]byte]

// Heap is a bump allocator over one vmem.Reservation. A zero Heap is
// not usable; construct one with New.
type Heap struct {
	pager vmem.Pager
	res   vmem.Reservation

	committed uintptr // bytes of res currently committed, a multiple of page size
	offset    uintptr // bump cursor; always <= committed
	data      []byte  // Go-heap mirror of the committed prefix of res
}

// New reserves reserveSize bytes of address space from pager for the
// heap's lifetime. No pages are committed until the first Allocate
// call needs them. Reservation failure is the allocator's one
// fatal-at-construction error per the design's failure taxonomy: the
// caller is expected to treat a non-nil error here as unrecoverable.
func New(pager vmem.Pager, reserveSize uintptr) (*Heap, error) {
	res, err := pager.Reserve(reserveSize)
	if err != nil {
		return nil, fmt.Errorf("superheap.New: %w", err)
	}
	// The mirror's capacity is carved out up front, mirroring the
	// reservation itself: the backing array never moves, so slices
	// handed out by Allocate stay valid (and addressable against
	// h.data, see assertInReservation) for the Heap's whole life.
	// Like the reservation, the untouched capacity costs no physical
	// pages until growth actually appends into it.
	return &Heap{pager: pager, res: res, data: make([]byte, 0, reserveSize)}, nil
}

// Allocate returns a size-byte slice aligned to align (which must be
// a power of two), committing additional pages if the bump cursor
// would otherwise cross into uncommitted territory. It returns an
// error -- never panics -- if the reservation is exhausted or the
// pager fails to commit; side-metadata exhaustion is a resource-
// exhaustion condition, not a fatal one, per the design's failure
// taxonomy (the caller decides whether that's fatal for it).
//
// The returned slice is zeroed and is valid until the Heap is
// destroyed; Allocate never moves previously returned slices.
func (h *Heap) Allocate(size, align uintptr) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if !xmath.IsPow2(align) {
		return nil, fmt.Errorf("superheap.Allocate: alignment %d is not a power of two", align)
	}
	start := xmath.AlignUp(h.offset, align)
	end := start + size
	if end > h.res.Size {
		return nil, fmt.Errorf("superheap.Allocate: reservation of %d bytes exhausted (requested range ends at %d)", h.res.Size, end)
	}
	if end > h.committed {
		pageSize := h.pager.PageSize()
		newCommitted := xmath.AlignUp(end, pageSize)
		if newCommitted > h.res.Size {
			newCommitted = h.res.Size
		}
		if err := h.pager.Commit(h.res, h.committed, newCommitted-h.committed); err != nil {
			return nil, fmt.Errorf("superheap.Allocate: %w", err)
		}
		grown := newCommitted - h.committed
		scratch, ok := growScratch.Get()
		if !ok || uintptr(cap(scratch)) < grown {
			scratch = make([]byte, grown)
		} else {
			scratch = scratch[:grown]
			for i := range scratch {
				scratch[i] = 0
			}
		}
		h.data = append(h.data, scratch...)
		growScratch.Put(scratch[:0])
		h.committed = newCommitted
	}
	h.offset = end
	return h.data[start:end:end], nil
}

// Deallocate is a no-op: superheap never reclaims individual
// allocations, only the whole reservation on Destroy. It exists so
// callers that conceptually "free" a side-metadata record have a
// symmetric call to make, matching the shape of every other
// allocator in this module. Debug builds (build tag super_debug)
// validate that buf really does fall inside this heap's allocated
// range, catching a buffer from some other allocator being "freed"
// here; release builds trust the caller.
func (h *Heap) Deallocate(buf []byte) {
	h.assertInReservation(buf)
}

// Destroy decommits every committed page and releases the
// reservation. The Heap must not be used afterward.
func (h *Heap) Destroy() error {
	if h.committed > 0 {
		if err := h.pager.Decommit(h.res, 0, h.committed); err != nil {
			return fmt.Errorf("superheap.Destroy: %w", err)
		}
	}
	if err := h.pager.Release(h.res); err != nil {
		return fmt.Errorf("superheap.Destroy: %w", err)
	}
	h.data = nil
	h.committed = 0
	h.offset = 0
	return nil
}

// Allocated returns the number of bytes handed out so far (the bump
// cursor), for stats/debugging.
func (h *Heap) Allocated() uintptr { return h.offset }

// Committed returns the number of bytes currently committed.
func (h *Heap) Committed() uintptr { return h.committed }
