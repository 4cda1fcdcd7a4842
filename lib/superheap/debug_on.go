// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build super_debug

package superheap

import (
	"fmt"
	"reflect"
)

// assertInReservation panics if buf is not a slice inside the range
// this Heap has handed out -- Deallocate is a no-op either way, but a
// debug build still catches a stray buffer from some other allocator
// being "freed" here. Sound because h.data's backing array is
// allocated at full capacity in New and never moves.
func (h *Heap) assertInReservation(buf []byte) {
	if len(buf) == 0 {
		return
	}
	base := reflect.ValueOf(h.data).Pointer()
	start := reflect.ValueOf(buf).Pointer()
	if base == 0 || start < base || start+uintptr(len(buf)) > base+h.offset {
		panic(fmt.Errorf("superheap: deallocate of %d bytes not allocated from this heap", len(buf)))
	}
}
