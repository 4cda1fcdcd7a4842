// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"git.sr.ht/~jklx/superalloc/lib/textui"
	"git.sr.ht/~jklx/superalloc/lib/vmem"
)

func newStressCmd(f *flags) *cobra.Command {
	var (
		ops     int
		minSize uint32
		maxSize uint32
		seed    int64
	)
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a random mix of allocate/deallocate ops and report final bookkeeping",
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

				rng := rand.New(rand.NewSource(seed))
				var live []vmem.Addr
				var peakPages int

				for i := 0; i < ops; i++ {
					if len(live) > 0 && rng.Intn(2) == 0 {
						j := rng.Intn(len(live))
						a.Deallocate(live[j])
						live[j] = live[len(live)-1]
						live = live[:len(live)-1]
						continue
					}
					size := minSize + uint32(rng.Int63n(int64(maxSize-minSize+1)))
					addr := a.Allocate(size, 1)
					if addr == 0 {
						dlog.Warnf(ctx, "allocate(%d) failed at op %d", size, i)
						continue
					}
					live = append(live, addr)
					if n := a.Stats().CommittedSegments; n > peakPages {
						peakPages = n
					}
				}

				st := a.Stats()
				fmt.Fprintf(cmd.OutOrStdout(), "ran %d ops, %d still live\n", ops, len(live))
				fmt.Fprintf(cmd.OutOrStdout(), "committed segments: %d (peak %d)\n", st.CommittedSegments, peakPages)
				fmt.Fprintf(cmd.OutOrStdout(), "committed fsa sections: %d\n", st.CommittedSections)
				fmt.Fprintf(cmd.OutOrStdout(), "live allocations: %s\n", textui.Metric(st.LiveAllocations, ""))

				for _, addr := range live {
					a.Deallocate(addr)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&ops, "ops", 10000, "number of allocate/deallocate operations")
	cmd.Flags().Uint32Var(&minSize, "min-size", 8, "minimum allocation size")
	cmd.Flags().Uint32Var(&maxSize, "max-size", 1024, "maximum allocation size")
	cmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed")
	return cmd
}
