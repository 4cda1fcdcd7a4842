// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"git.sr.ht/~jklx/superalloc/lib/superalloc"
	"git.sr.ht/~jklx/superalloc/lib/textui"
)

func newStatsCmd(f *flags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Create an allocator and print its (empty) bookkeeping snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInGroup(cmd, func(ctx context.Context) error {
				a, pager, err := f.buildAllocator(ctx)
				if err != nil {
					return err
				}
				defer func() {
					if err := a.Destroy(); err != nil {
						dlog.Errorf(ctx, "destroy: %v", err)
					}
				}()
				st := a.Stats()
				if asJSON {
					return writeStatsJSON(cmd, st)
				}
				printStats(cmd, st, pager)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the snapshot as JSON via lowmemjson")
	return cmd
}

func printStats(cmd *cobra.Command, st superalloc.Stats, pager interface{ PageSize() uintptr }) {
	fmt.Fprintf(cmd.OutOrStdout(), "committed segments: %d\n", st.CommittedSegments)
	fmt.Fprintf(cmd.OutOrStdout(), "committed fsa sections: %d\n", st.CommittedSections)
	fmt.Fprintf(cmd.OutOrStdout(), "live allocations: %d\n", st.LiveAllocations)
	fmt.Fprintf(cmd.OutOrStdout(), "live bytes: %s\n", textui.IEC(st.TotalAllocatedBytes, "B"))
	for _, bin := range st.Bins {
		if bin.ActiveChunks == 0 {
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  bin %s: %d active chunk(s)\n", textui.IEC(bin.AllocSize, "B"), bin.ActiveChunks)
	}
}
