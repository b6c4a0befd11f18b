// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cozy

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/corpusdb/wiser/internal/iobuf"
)

func writeValues(t *testing.T, values []uint32) (data []byte, w *Writer) {
	t.Helper()
	dir := t.TempDir()
	buf, err := iobuf.Create(filepath.Join(dir, "cozy.bin"))
	if err != nil {
		t.Fatal(err)
	}
	w = NewWriter(buf)
	for _, v := range values {
		w.Write(v)
	}
	w.Finish()
	if err := buf.Close(); err != nil {
		t.Fatal(err)
	}
	data, err = os.ReadFile(buf.Name)
	if err != nil {
		t.Fatal(err)
	}
	return data, w
}

func TestRoundTripSequential(t *testing.T) {
	for _, n := range []int{0, 1, 50, 127, 128, 129, 300, 1000} {
		values := make([]uint32, n)
		r := rand.New(rand.NewSource(int64(n)))
		for i := range values {
			values[i] = r.Uint32() % (1 << 20)
		}
		data, _ := writeValues(t, values)
		reader := NewReader(data, n)
		c := NewCursor(reader)
		for i, want := range values {
			got, err := c.Next()
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			if got != want {
				t.Fatalf("n=%d i=%d: got %d, want %d", n, i, got, want)
			}
		}
	}
}

func TestSeekToBlockBoundary(t *testing.T) {
	values := make([]uint32, 640)
	for i := range values {
		values[i] = uint32(i * 3)
	}
	data, w := writeValues(t, values)
	reader := NewReader(data, len(values))

	// Jump to block 3 (ordinal 384) using the recorded offset.
	c := NewCursor(reader)
	if err := c.SeekTo(384, w.BlockOffsets[3], 0); err != nil {
		t.Fatal(err)
	}
	for i := 384; i < len(values); i++ {
		got, err := c.Next()
		if err != nil {
			t.Fatal(err)
		}
		if got != values[i] {
			t.Fatalf("i=%d: got %d want %d", i, got, values[i])
		}
	}
}

func TestSeekMidBlock(t *testing.T) {
	values := make([]uint32, 260)
	for i := range values {
		values[i] = uint32(i)
	}
	data, w := writeValues(t, values)
	reader := NewReader(data, len(values))

	c := NewCursor(reader)
	// Ordinal 137 sits in block 1 (128..255) at in-block index 9.
	if err := c.SeekTo(137, w.BlockOffsets[1], 9); err != nil {
		t.Fatal(err)
	}
	for i := 137; i < len(values); i++ {
		got, err := c.Next()
		if err != nil {
			t.Fatal(err)
		}
		if got != values[i] {
			t.Fatalf("i=%d: got %d want %d", i, got, values[i])
		}
	}
}

func TestTailOnly(t *testing.T) {
	values := []uint32{5, 10, 15, 20, 25}
	data, w := writeValues(t, values)
	if len(w.BlockOffsets) != 0 {
		t.Fatalf("expected no full blocks, got %d", len(w.BlockOffsets))
	}
	reader := NewReader(data, len(values))
	c := NewCursor(reader)
	for i, want := range values {
		got, err := c.Next()
		if err != nil || got != want {
			t.Fatalf("i=%d: got %d,%v want %d", i, got, err, want)
		}
	}
}
