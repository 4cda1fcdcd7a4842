// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command superalloc-dbg is a small diagnostic tool over
// lib/superalloc: not the allocator's public facade, just a CLI that
// builds one against the in-process pager and exercises it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"git.sr.ht/~jklx/superalloc/lib/superalloc"
	"git.sr.ht/~jklx/superalloc/lib/superconfig"
	"git.sr.ht/~jklx/superalloc/lib/textui"
	"git.sr.ht/~jklx/superalloc/lib/vmem"
)

// flags holds the shared persistent configuration every subcommand
// builds its Allocator from.
type flags struct {
	logLevel    textui.LogLevelFlag
	policy      string
	addressSize uint64
	cacheSize   int
}

func (f *flags) buildAllocator(ctx context.Context) (*superalloc.Allocator, *vmem.MemPager, error) {
	var sc *superconfig.Config
	var err error
	switch f.policy {
	case "10p":
		sc, err = superconfig.Default10()
	case "25p":
		sc, err = superconfig.Default25()
	default:
		return nil, nil, fmt.Errorf("unknown --policy %q (want 10p or 25p)", f.policy)
	}
	if err != nil {
		return nil, nil, err
	}

	pager := vmem.NewMemPager(4096)
	a, err := superalloc.Create(ctx, pager, superalloc.Config{
		SuperConfig:     sc,
		AddressSize:     uintptr(f.addressSize),
		CacheSize:       f.cacheSize,
		FSASectionShift: 23,
		FSANumSections:  256,
	})
	if err != nil {
		return nil, nil, err
	}
	return a, pager, nil
}

func main() {
	f := &flags{logLevel: textui.LogLevelFlag{Level: dlog.LogLevelInfo}, policy: "10p", addressSize: 256 << 30, cacheSize: 16}

	argparser := &cobra.Command{
		Use:   "superalloc-dbg {[flags]|SUBCOMMAND}",
		Short: "Exercise and inspect a superalloc.Allocator",

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger := textui.NewLogger(os.Stderr, f.logLevel.Level)
			cmd.SetContext(dlog.WithLogger(cmd.Context(), logger))
			return nil
		},
	}
	argparser.PersistentFlags().Var(&f.logLevel, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&f.policy, "policy", f.policy, "size-class policy to use (`10p` or `25p`)")
	argparser.PersistentFlags().Uint64Var(&f.addressSize, "address-size", f.addressSize, "payload address space to reserve, in bytes")
	argparser.PersistentFlags().IntVar(&f.cacheSize, "cache-size", f.cacheSize, "idle chunks to keep cached per chunk config")

	argparser.AddCommand(newStatsCmd(f))
	argparser.AddCommand(newStressCmd(f))
	argparser.AddCommand(newDumpCmd(f))

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

// runInGroup wraps subcommand bodies in a signal-handling dgroup so
// that ^C during a long stress run unwinds cleanly instead of leaving
// a half-finished Allocator.
func runInGroup(cmd *cobra.Command, body func(ctx context.Context) error) error {
	grp := dgroup.NewGroup(cmd.Context(), dgroup.GroupConfig{EnableSignalHandling: true})
	grp.Go("main", body)
	return grp.Wait()
}
