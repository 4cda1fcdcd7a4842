// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !super_debug

package superheap

// assertInReservation is a no-op in release builds; Deallocate trusts
// the caller.
func (h *Heap) assertInReservation(buf []byte) {}
