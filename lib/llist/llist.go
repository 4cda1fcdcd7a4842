// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package llist implements a circular doubly-linked list threaded
// through 32-bit indices rather than pointers.
//
// A Ring only ever holds a head index, and every operation takes a
// get callback that resolves an index to its Links. Node storage
// lives wherever the caller puts it -- typically a chunk or block
// record -- so the list itself carries no ownership and no
// allocation, and records referencing each other by index stay free
// of Go pointers. superalloc uses this to chain the
// not-full/not-empty "active" chunks of a bin, and superfsa to chain
// the active blocks of an item-size class.
package llist

import "fmt"

// Nil is the sentinel index meaning "no node" -- used both as an
// empty Ring's head and as a node's own Next/Prev before it is linked.
const Nil uint32 = 1<<32 - 1

// Links is the intrusive next/prev pair every node participating in a
// Ring must store somewhere in its own record.
type Links struct {
	Next, Prev uint32
}

// Get resolves a node index to its Links. Implementations are
// typically a thin closure over a superfsa handle or a slice.
type Get func(i uint32) *Links

// Ring is a circular doubly-linked list of node indices. The zero
// value is not usable (index 0 is a valid node); construct with
// NewRing.
type Ring struct {
	Head uint32
}

// NewRing returns an empty Ring.
func NewRing() Ring { return Ring{Head: Nil} }

// Empty reports whether the ring has no linked nodes.
func (r *Ring) Empty() bool { return r.Head == Nil }

// PushBack links node i as the new "back" of the ring (immediately
// before the current head, i.e. the Prev of Head). It is invalid
// (runtime-panic) to push a node that is already linked into some
// ring -- the caller must zero/Nil a node's Links before reusing it.
func (r *Ring) PushBack(get Get, i uint32) {
	li := get(i)
	if li.Next != Nil || li.Prev != Nil {
		panic(fmt.Errorf("llist.Ring.PushBack: node %d is already linked", i))
	}
	if r.Head == Nil {
		li.Next, li.Prev = i, i
		r.Head = i
		return
	}
	head := get(r.Head)
	tail := get(head.Prev)
	li.Next = r.Head
	li.Prev = head.Prev
	tail.Next = i
	head.Prev = i
}

// Remove unlinks node i from the ring and clears its Links. It is
// invalid (runtime-panic) to Remove a node that isn't linked into
// *some* ring -- the caller is responsible for calling Remove only on
// nodes it knows are in r.
func (r *Ring) Remove(get Get, i uint32) {
	li := get(i)
	if li.Next == Nil && li.Prev == Nil {
		panic(fmt.Errorf("llist.Ring.Remove: node %d is not linked", i))
	}
	if li.Next == i {
		// sole element
		r.Head = Nil
	} else {
		next := get(li.Next)
		prev := get(li.Prev)
		next.Prev = li.Prev
		prev.Next = li.Next
		if r.Head == i {
			r.Head = li.Next
		}
	}
	li.Next, li.Prev = Nil, Nil
}

// Walk calls f for every node in the ring, starting at Head, stopping
// early if f returns false. It is safe for f to read but not mutate
// the ring being walked.
func (r *Ring) Walk(get Get, f func(i uint32) bool) {
	if r.Head == Nil {
		return
	}
	i := r.Head
	for {
		if !f(i) {
			return
		}
		i = get(i).Next
		if i == r.Head {
			return
		}
	}
}
