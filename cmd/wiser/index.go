// Copyright 2011 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/corpusdb/wiser/engine"
	"github.com/corpusdb/wiser/internal/linedoc"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build or query a wiser index directory",
	}
	cmd.AddCommand(newIndexBuildCmd(), newIndexQueryCmd())
	return cmd
}

func newIndexBuildCmd() *cobra.Command {
	var in, out, format string
	var n int

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a sealed index from a line-doc file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" || out == "" {
				return errors.Wrap(errUsage, "--in and --out are required")
			}
			lf, err := linedoc.ParseFormat(format)
			if err != nil {
				return errors.Wrap(errUsage, err.Error())
			}
			return runIndexBuild(in, out, lf, n)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "line-doc input file")
	cmd.Flags().StringVar(&out, "out", "", "output index directory")
	cmd.Flags().StringVar(&format, "format", "TOKEN_ONLY", "TOKEN_ONLY|WITH_OFFSETS|WITH_POSITIONS")
	cmd.Flags().IntVar(&n, "n", 0, "stop after this many rows (0 = all)")
	return cmd
}

func runIndexBuild(in, out string, format linedoc.Format, n int) error {
	f, err := os.Open(in)
	if err != nil {
		return errors.Wrapf(err, "opening %s", in)
	}
	defer f.Close()

	b, err := engine.NewBuilder(out)
	if err != nil {
		return err
	}

	sc := linedoc.NewScanner(f, format, n)
	count := 0
	for sc.Scan() {
		rec := sc.Record()
		_, err := b.AddDocument(engine.Document{
			Body:      []byte(rec.Body),
			Terms:     rec.Terms,
			Offsets:   rec.Offsets,
			Positions: rec.Positions,
		})
		if err != nil {
			return err
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return errors.Wrapf(err, "reading %s", in)
	}

	if err := b.Seal(); err != nil {
		return err
	}
	fmt.Printf("indexed %d documents into %s\n", count, out)
	return nil
}

func newIndexQueryCmd() *cobra.Command {
	var in, terms string
	var topK, passages int
	var snippets, phrase bool

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a conjunctive or phrase query against an index",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" || strings.TrimSpace(terms) == "" {
				return errors.Wrap(errUsage, "--in and --terms are required")
			}
			return runIndexQuery(in, terms, topK, snippets, phrase, passages)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "index directory")
	cmd.Flags().StringVar(&terms, "terms", "", "space-separated query terms")
	cmd.Flags().IntVar(&topK, "top-k", 10, "max ranked hits to return")
	cmd.Flags().BoolVar(&snippets, "snippets", false, "print each hit's stored body")
	cmd.Flags().BoolVar(&phrase, "phrase", false, "require terms to match as an ordered phrase, with bloom pruning")
	cmd.Flags().IntVar(&passages, "passages", 0, "unused placeholder for the external highlighter (§1 non-goal)")
	return cmd
}

func runIndexQuery(in, terms string, topK int, snippets, phrase bool, passages int) error {
	eng, err := engine.Open(in)
	if err != nil {
		return err
	}
	defer eng.Close()

	words := strings.Fields(terms)
	if len(words) == 0 {
		return errors.Wrap(errUsage, "empty --terms")
	}
	if phrase && len(words) < 2 {
		return errors.Wrap(errUsage, "--phrase needs at least two terms")
	}

	opts := engine.QueryOptions{TopK: topK}
	var res engine.Results
	if phrase {
		res, err = eng.PhraseQuery(words, opts)
	} else {
		res, err = eng.Query(words, opts)
	}
	if err != nil {
		return err
	}

	for _, h := range res.Hits {
		if snippets {
			body, err := eng.Body(h.DocID)
			if err != nil {
				return err
			}
			fmt.Printf("%d\t%.6f\t%s\n", h.DocID, h.Score, body)
			continue
		}
		fmt.Printf("%d\t%.6f\n", h.DocID, h.Score)
	}
	return nil
}
