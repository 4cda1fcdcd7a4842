// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build super_debug

package superalloc

import "fmt"

// assertNotDoubleFree panics if addr's tag slot already held
// TagPoison when Deallocate was called on it -- double frees are a
// fatal assertion in debug builds.
func assertNotDoubleFree(alreadyPoisoned bool, addr uintptr) {
	if alreadyPoisoned {
		panic(fmt.Errorf("superalloc: double free of address %#x", addr))
	}
}
