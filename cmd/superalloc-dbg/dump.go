// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.sr.ht/~jklx/superalloc/lib/vmem"
)

// newDumpCmd allocates a handful of elements across a few size
// classes and spew.Dumps the resulting Stats snapshot.
func newDumpCmd(f *flags) *cobra.Command {
	var sizes []int
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Allocate one element per given size and spew.Dump the allocator's stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInGroup(cmd, func(ctx context.Context) error {
				a, _, err := f.buildAllocator(ctx)
				if err != nil {
					return err
				}
				defer func() {
					if err := a.Destroy(); err != nil {
						dlog.Errorf(ctx, "destroy: %v", err)
					}
				}()

				cfg := spew.NewDefaultConfig()
				cfg.DisablePointerAddresses = true

				var addrs []vmem.Addr
				for _, size := range sizes {
					addr := a.Allocate(uint32(size), 1)
					dlog.Infof(ctx, "allocate(%d) = %#x (size=%d, tag=%#x)", size, addr, a.GetSize(addr), a.GetTag(addr))
					addrs = append(addrs, addr)
				}

				cfg.Fdump(cmd.OutOrStdout(), a.Stats())

				for _, addr := range addrs {
					a.Deallocate(addr)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntSliceVar(&sizes, "size", []int{8, 64, 4096, 1 << 20}, "allocation sizes to exercise, comma-separated")
	return cmd
}
