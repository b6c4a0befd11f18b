// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package docstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/corpusdb/wiser/internal/iobuf"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fdxBuf, err := iobuf.Create(filepath.Join(dir, "my.fdx"))
	if err != nil {
		t.Fatal(err)
	}
	fdtBuf, err := iobuf.Create(filepath.Join(dir, "my.fdt"))
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(fdxBuf, fdtBuf)
	bodies := [][]byte{
		[]byte("hello world"),
		[]byte(""),
		[]byte("the quick brown fox"),
	}
	for _, b := range bodies {
		w.Add(b)
	}
	if err := fdxBuf.Close(); err != nil {
		t.Fatal(err)
	}
	if err := fdtBuf.Close(); err != nil {
		t.Fatal(err)
	}

	fdx, err := os.ReadFile(fdxBuf.Name)
	if err != nil {
		t.Fatal(err)
	}
	fdt, err := os.ReadFile(fdtBuf.Name)
	if err != nil {
		t.Fatal(err)
	}
	store, err := Open(fdx, fdt)
	if err != nil {
		t.Fatal(err)
	}
	if store.Len() != len(bodies) {
		t.Fatalf("Len() = %d, want %d", store.Len(), len(bodies))
	}
	for i, want := range bodies {
		got, err := store.Body(uint32(i))
		if err != nil {
			t.Fatalf("Body(%d): %v", i, err)
		}
		if string(got) != string(want) {
			t.Fatalf("Body(%d) = %q, want %q", i, got, want)
		}
	}
	if _, err := store.Body(uint32(len(bodies))); err == nil {
		t.Fatal("expected error for out-of-range doc-id")
	}
}

func TestOpenRejectsMisalignedIndex(t *testing.T) {
	if _, err := Open([]byte{1, 2, 3}, nil); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("got %v, want ErrCorrupted", err)
	}
}
