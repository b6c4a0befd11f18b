// Copyright 2011 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command wiser builds and queries wiser indexes from the line-doc
// external format, the way cindex/csearch expose codesearch's index
// package as a pair of CLI verbs.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/corpusdb/wiser/engine"
)

// exit codes, per §6: 0 success, 2 bad usage, 3 corrupt index, 4 I/O error.
const (
	exitOK        = 0
	exitUsage     = 2
	exitCorrupted = 3
	exitIO        = 4
)

// errUsage marks an error as a usage problem rather than an
// operational one, for exitCode's classification.
var errUsage = errors.New("usage error")

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, engine.ErrCorrupted):
		return exitCorrupted
	default:
		return exitIO
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wiser",
		Short:         "Build and query wiser inverted-index directories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newIndexCmd(), newBloomCmd())
	return root
}

func main() {
	log.SetPrefix("wiser: ")
	log.SetFlags(0)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
