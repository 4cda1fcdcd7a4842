// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"io"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/spf13/cobra"

	"git.sr.ht/~jklx/superalloc/lib/superalloc"
)

// writeJSONFile encodes obj with lowmemjson through a buffered
// io.Writer, surfacing a Flush failure as the call's error.
func writeJSONFile(w io.Writer, obj any, cfg lowmemjson.ReEncoderConfig) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	re := lowmemjson.NewReEncoder(buffer, cfg)
	return lowmemjson.NewEncoder(re).Encode(obj)
}

func writeStatsJSON(cmd *cobra.Command, st superalloc.Stats) error {
	return writeJSONFile(cmd.OutOrStdout(), st, lowmemjson.ReEncoderConfig{
		Indent:                "\t",
		ForceTrailingNewlines: true,
	})
}
