// Copyright 2011 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linedoc

import (
	"strings"
	"testing"
)

func TestScanTokenOnly(t *testing.T) {
	input := "t1\thello world\thello world\nt2\thello\thello\n"
	sc := NewScanner(strings.NewReader(input), TokenOnly, 0)

	var got []Record
	for sc.Scan() {
		got = append(got, sc.Record())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Title != "t1" || got[0].Body != "hello world" {
		t.Fatalf("row 0 = %+v", got[0])
	}
	if want := []string{"hello", "world"}; !stringsEqual(got[0].Terms, want) {
		t.Fatalf("row 0 terms = %v, want %v", got[0].Terms, want)
	}
}

func TestScanWithOffsets(t *testing.T) {
	// "hello world hello": hello occurs twice, world once.
	input := "t1\thello world hello\thello world hello\t0,5;12,17.6,11\n"
	sc := NewScanner(strings.NewReader(input), WithOffsets, 0)

	if !sc.Scan() {
		t.Fatalf("Scan: %v", sc.Err())
	}
	rec := sc.Record()
	want := [][2]uint32{{0, 5}, {6, 11}, {12, 17}}
	if len(rec.Offsets) != len(want) {
		t.Fatalf("offsets = %v, want %v", rec.Offsets, want)
	}
	for i := range want {
		if rec.Offsets[i] != want[i] {
			t.Fatalf("offsets[%d] = %v, want %v", i, rec.Offsets[i], want[i])
		}
	}
}

func TestScanWithPositions(t *testing.T) {
	input := "t1\thello world hello\thello world hello\t0;10.5\n"
	sc := NewScanner(strings.NewReader(input), WithPositions, 0)

	if !sc.Scan() {
		t.Fatalf("Scan: %v", sc.Err())
	}
	rec := sc.Record()
	want := []uint32{0, 5, 10}
	if len(rec.Positions) != len(want) {
		t.Fatalf("positions = %v, want %v", rec.Positions, want)
	}
	for i := range want {
		if rec.Positions[i] != want[i] {
			t.Fatalf("positions[%d] = %v, want %v", i, rec.Positions[i], want[i])
		}
	}
}

func TestScanLimit(t *testing.T) {
	input := "a\tb\tc\na\tb\tc\na\tb\tc\n"
	sc := NewScanner(strings.NewReader(input), TokenOnly, 2)
	n := 0
	for sc.Scan() {
		n++
	}
	if n != 2 {
		t.Fatalf("scanned %d rows, want 2", n)
	}
}

func TestScanMalformedRowErrors(t *testing.T) {
	sc := NewScanner(strings.NewReader("only\ttwo\n"), TokenOnly, 0)
	if sc.Scan() {
		t.Fatalf("expected Scan to fail on a short row")
	}
	if sc.Err() == nil {
		t.Fatalf("expected a parse error")
	}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
