// Copyright 2011 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/corpusdb/wiser/bloom"
	"github.com/corpusdb/wiser/engine"
	"github.com/corpusdb/wiser/internal/linedoc"
)

func newBloomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bloom",
		Short: "Build a phrase-pruning bloom store alongside an index",
	}
	cmd.AddCommand(newBloomBuildCmd())
	return cmd
}

func newBloomBuildCmd() *cobra.Command {
	var in, out string
	var end, begin bool
	var ratio float64
	var entries int

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build bloom_begin or bloom_end from a line-doc file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" || out == "" {
				return errors.Wrap(errUsage, "--in and --out are required")
			}
			if end == begin {
				return errors.Wrap(errUsage, "exactly one of --end or --begin is required")
			}
			if ratio <= 0 || ratio >= 1 {
				return errors.Wrap(errUsage, "--ratio must be in (0, 1)")
			}
			if entries <= 0 {
				return errors.Wrap(errUsage, "--entries must be positive")
			}
			return runBloomBuild(in, out, end, bloom.Params{Ratio: float32(ratio), ExpectedEntries: entries})
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "line-doc input file")
	cmd.Flags().StringVar(&out, "out", "", "index directory to write the bloom store into")
	cmd.Flags().BoolVar(&end, "end", false, "build bloom_end (words following each term occurrence)")
	cmd.Flags().BoolVar(&begin, "begin", false, "build bloom_begin (words preceding each term occurrence)")
	cmd.Flags().Float64Var(&ratio, "ratio", 0.01, "target false-positive ratio")
	cmd.Flags().IntVar(&entries, "entries", 8, "expected entries per filter")
	return cmd
}

func runBloomBuild(in, out string, end bool, params bloom.Params) error {
	f, err := os.Open(in)
	if err != nil {
		return errors.Wrapf(err, "opening %s", in)
	}
	defer f.Close()

	sc := linedoc.NewScanner(f, linedoc.TokenOnly, 0)
	var docs [][]string
	for sc.Scan() {
		docs = append(docs, sc.Record().Terms)
	}
	if err := sc.Err(); err != nil {
		return errors.Wrapf(err, "reading %s", in)
	}

	store := engine.BuildBloomStore(docs, end, params)
	prefix := "bloom_begin"
	magic := engine.BloomBeginMagic
	if end {
		prefix = "bloom_end"
		magic = engine.BloomEndMagic
	}
	if err := engine.WriteBloomFiles(out, prefix, store, magic); err != nil {
		return err
	}
	fmt.Printf("wrote %s.{meta,index,store} for %d documents into %s\n", prefix, len(docs), out)
	return nil
}
