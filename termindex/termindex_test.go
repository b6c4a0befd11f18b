// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package termindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/corpusdb/wiser/internal/iobuf"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	buf, err := iobuf.Create(filepath.Join(dir, "my.tip"))
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(buf)
	want := map[string]int64{
		"hello": 0,
		"world": 17,
		"":      0, // empty string is a valid on-disk record even though §3 forbids empty terms at the engine layer
		"the":   2048,
		"quick": 1 << 30,
	}
	// insertion order matters for matching against idx.sorted only
	// after re-sorting, so any deterministic order is fine here.
	order := []string{"hello", "world", "", "the", "quick"}
	for _, term := range order {
		w.Add(term, want[term])
	}
	if err := buf.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(buf.Name)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := Load(data)
	if err != nil {
		t.Fatal(err)
	}
	if idx.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d", idx.Len(), len(want))
	}
	for term, off := range want {
		got, ok := idx.Lookup(term)
		if !ok {
			t.Fatalf("Lookup(%q): not found", term)
		}
		if got != off {
			t.Fatalf("Lookup(%q) = %d, want %d", term, got, off)
		}
	}
	if _, ok := idx.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) unexpectedly found")
	}

	terms := idx.Terms()
	for i := 1; i < len(terms); i++ {
		if terms[i-1] >= terms[i] {
			t.Fatalf("Terms() not sorted: %q >= %q", terms[i-1], terms[i])
		}
	}
}

func TestLoadRejectsTruncated(t *testing.T) {
	if _, err := Load([]byte{1, 0, 0}); err == nil {
		t.Fatal("expected error on truncated length field")
	}
	if _, err := Load([]byte{5, 0, 0, 0, 'h', 'e'}); err == nil {
		t.Fatal("expected error on truncated term+offset")
	}
}
