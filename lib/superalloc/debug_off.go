// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !super_debug

package superalloc

// assertNotDoubleFree is a no-op in release builds: a double free
// silently overwrites the poison tag and moves on; release builds
// trust the caller.
func assertNotDoubleFree(alreadyPoisoned bool, addr uintptr) {}
