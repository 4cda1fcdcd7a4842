// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package vmem

import (
	"fmt"
	"sync"
)

// MemPager is an in-process Pager backed by ordinary heap memory. It
// never touches the real OS virtual-memory APIs; it exists so the
// allocator core (and its tests) can run without any platform-
// specific backend, and so tests can assert on exactly which pages
// are committed at any point (most importantly that the count
// returns to zero after teardown).
//
// Reserve does not eagerly allocate backing storage for the whole
// reservation (a real Reserve of a 256 GiB address space obviously
// doesn't touch 256 GiB of host RAM, and neither should this): page
// content is only materialized -- lazily, a page at a time -- once
// Commit is called for it. A page that is reserved-but-not-committed
// reads as zeros if touched, the same as a real OS would give you;
// MemPager doesn't bother simulating a commit-fault, since nothing in
// this module calls ReadAt/WriteAt on decommitted memory.
type MemPager struct {
	pageSize uintptr

	mu    sync.Mutex
	slabs map[Addr]*memSlab
	next  Addr
}

type memSlab struct {
	size  uintptr
	pages map[uint32][]byte // page index -> page content, present iff committed
}

// NewMemPager constructs a MemPager with the given page size (must be
// a power of two; 4096 is the conventional default).
func NewMemPager(pageSize uintptr) *MemPager {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic(fmt.Errorf("vmem.NewMemPager: page size %d is not a power of two", pageSize))
	}
	return &MemPager{
		pageSize: pageSize,
		slabs:    make(map[Addr]*memSlab),
		next:     1 << 20, // keep addr 0 reserved as a recognizable "null"
	}
}

var _ Pager = (*MemPager)(nil)

func (p *MemPager) PageSize() uintptr { return p.pageSize }

func (p *MemPager) Reserve(size uintptr) (Reservation, error) {
	if size == 0 || size%p.pageSize != 0 {
		return Reservation{}, fmt.Errorf("vmem.MemPager.Reserve: size %d is not a nonzero multiple of page size %d", size, p.pageSize)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Bases are MiB-aligned: allocators divide a reservation into
	// power-of-two slices and expect element addresses to inherit the
	// slice alignment, which only holds if the base itself is at least
	// as aligned as any alignment a caller will ask for.
	const slabAlign = 1 << 20
	base := (p.next + slabAlign - 1) &^ (slabAlign - 1)
	p.next = base + Addr(size) + Addr(p.pageSize) // leave a guard gap between slabs
	p.slabs[base] = &memSlab{
		size:  size,
		pages: make(map[uint32][]byte),
	}
	return Reservation{Base: base, Size: size}, nil
}

func (p *MemPager) Release(r Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	slab, ok := p.slabs[r.Base]
	if !ok {
		return fmt.Errorf("vmem.MemPager.Release: unknown reservation at %v", r.Base)
	}
	if len(slab.pages) != 0 {
		return fmt.Errorf("vmem.MemPager.Release: reservation at %v still has %d committed pages", r.Base, len(slab.pages))
	}
	delete(p.slabs, r.Base)
	return nil
}

func (p *MemPager) Commit(r Reservation, offset, size uintptr) error {
	if err := p.checkPageAligned(offset, size); err != nil {
		return err
	}
	if err := CheckBounds(r, offset, size); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	slab, ok := p.slabs[r.Base]
	if !ok {
		return fmt.Errorf("vmem.MemPager.Commit: unknown reservation at %v", r.Base)
	}
	first := uint32(offset / p.pageSize)
	n := uint32(size / p.pageSize)
	for i := uint32(0); i < n; i++ {
		if _, ok := slab.pages[first+i]; !ok {
			slab.pages[first+i] = make([]byte, p.pageSize)
		}
	}
	return nil
}

func (p *MemPager) Decommit(r Reservation, offset, size uintptr) error {
	if err := p.checkPageAligned(offset, size); err != nil {
		return err
	}
	if err := CheckBounds(r, offset, size); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	slab, ok := p.slabs[r.Base]
	if !ok {
		return fmt.Errorf("vmem.MemPager.Decommit: unknown reservation at %v", r.Base)
	}
	first := uint32(offset / p.pageSize)
	n := uint32(size / p.pageSize)
	for i := uint32(0); i < n; i++ {
		delete(slab.pages, first+i)
	}
	return nil
}

func (p *MemPager) checkPageAligned(offset, size uintptr) error {
	if offset%p.pageSize != 0 || size%p.pageSize != 0 {
		return fmt.Errorf("vmem.MemPager: offset %d / size %d is not page-aligned (page size %d)", offset, size, p.pageSize)
	}
	return nil
}

// CommittedPages returns the total number of committed pages across
// every outstanding reservation -- the quantity teardown tests
// assert returns to zero.
func (p *MemPager) CommittedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, slab := range p.slabs {
		total += len(slab.pages)
	}
	return total
}

// ReadAt/WriteAt give tests and debug tooling raw access to a
// reservation's bytes, mirroring diskio.File's shape; the core
// allocator never needs to read/write payload bytes itself.
func (p *MemPager) ReadAt(r Reservation, dat []byte, off Addr) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slab, ok := p.slabs[r.Base]
	if !ok {
		return 0, fmt.Errorf("vmem.MemPager.ReadAt: unknown reservation at %v", r.Base)
	}
	return p.copyPages(slab, dat, off, false), nil
}

func (p *MemPager) WriteAt(r Reservation, dat []byte, off Addr) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slab, ok := p.slabs[r.Base]
	if !ok {
		return 0, fmt.Errorf("vmem.MemPager.WriteAt: unknown reservation at %v", r.Base)
	}
	return p.copyPages(slab, dat, off, true), nil
}

// copyPages walks the pages overlapped by [off, off+len(dat)),
// copying into dat (write=false) or out of dat (write=true). Reading
// an uncommitted page yields zeros without materializing it; writing
// to one is an error the caller shouldn't hit in practice (the
// allocator never writes payload bytes of an element it hasn't
// committed).
func (p *MemPager) copyPages(slab *memSlab, dat []byte, off Addr, write bool) int {
	done := 0
	for done < len(dat) {
		pageIdx := uint32((uintptr(off) + uintptr(done)) / p.pageSize)
		pageOff := (uintptr(off) + uintptr(done)) % p.pageSize
		n := len(dat) - done
		if remaining := int(p.pageSize - pageOff); n > remaining {
			n = remaining
		}
		page, ok := slab.pages[pageIdx]
		switch {
		case ok && write:
			copy(page[pageOff:], dat[done:done+n])
		case ok && !write:
			copy(dat[done:done+n], page[pageOff:])
		case !ok && !write:
			for i := 0; i < n; i++ {
				dat[done+i] = 0
			}
		}
		done += n
	}
	return done
}
