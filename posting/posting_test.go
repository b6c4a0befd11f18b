// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posting

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/corpusdb/wiser/internal/iobuf"
	"github.com/corpusdb/wiser/internal/postbuild"
)

type synthDoc struct {
	docID     uint32
	positions []uint32
	offsets   [][2]uint32
}

func synthesize(n int, seed int64) []synthDoc {
	r := rand.New(rand.NewSource(seed))
	docs := make([]synthDoc, n)
	docID := uint32(0)
	for i := range docs {
		docID += uint32(1 + r.Intn(3))
		tf := 1 + r.Intn(4)
		positions := make([]uint32, tf)
		offsets := make([][2]uint32, tf)
		pos := uint32(0)
		off := uint32(0)
		for j := 0; j < tf; j++ {
			pos += uint32(1 + r.Intn(5))
			positions[j] = pos
			start := off + uint32(r.Intn(3))
			end := start + uint32(1+r.Intn(8))
			offsets[j] = [2]uint32{start, end}
			off = end
		}
		docs[i] = synthDoc{docID: docID, positions: positions, offsets: offsets}
	}
	return docs
}

func buildAndOpen(t *testing.T, docs []synthDoc) *List {
	t.Helper()
	term := postbuild.NewTerm()
	for _, d := range docs {
		term.AddPosting(d.docID, d.positions, d.offsets)
	}

	dir := t.TempDir()
	buf, err := iobuf.Create(filepath.Join(dir, "vacuum.bin"))
	if err != nil {
		t.Fatal(err)
	}
	d := postbuild.NewDumper(buf)
	if _, err := d.Dump(term); err != nil {
		t.Fatal(err)
	}
	if err := buf.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(buf.Name)
	if err != nil {
		t.Fatal(err)
	}
	l, err := Open(data)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestSequentialScan(t *testing.T) {
	for _, n := range []int{1, 5, 127, 128, 129, 500, 1000} {
		docs := synthesize(n, int64(n))
		l := buildAndOpen(t, docs)
		if l.DocFreq() != n {
			t.Fatalf("n=%d: DocFreq() = %d", n, l.DocFreq())
		}
		it := l.Iterator()
		for i, want := range docs {
			if it.IsEnd() {
				t.Fatalf("n=%d: unexpected end at posting %d", n, i)
			}
			if it.DocID() != want.docID {
				t.Fatalf("n=%d: posting %d: docID = %d, want %d", n, i, it.DocID(), want.docID)
			}
			if int(it.TermFreq()) != len(want.positions) {
				t.Fatalf("n=%d: posting %d: tf = %d, want %d", n, i, it.TermFreq(), len(want.positions))
			}
			pit := it.Positions()
			for j, wantPos := range want.positions {
				v, done, err := pit.Next()
				if err != nil || done {
					t.Fatalf("n=%d: posting %d position %d: err=%v done=%v", n, i, j, err, done)
				}
				if v != wantPos {
					t.Fatalf("n=%d: posting %d position %d: got %d want %d", n, i, j, v, wantPos)
				}
			}
			oit := it.Offsets()
			for j, wantOff := range want.offsets {
				s, e, done, err := oit.Next()
				if err != nil || done {
					t.Fatalf("n=%d: posting %d offset %d: err=%v done=%v", n, i, j, err, done)
				}
				if s != wantOff[0] || e != wantOff[1] {
					t.Fatalf("n=%d: posting %d offset %d: got (%d,%d) want (%d,%d)", n, i, j, s, e, wantOff[0], wantOff[1])
				}
			}
			it.Advance()
		}
		if !it.IsEnd() {
			t.Fatalf("n=%d: expected end after scanning all postings", n)
		}
	}
}

func TestAdvanceTo(t *testing.T) {
	n := 10000
	docs := synthesize(n, 77)
	l := buildAndOpen(t, docs)

	targets := []int{0, 1, 50, 127, 128, 129, 500, 4096, 9998, 9999}
	for _, idx := range targets {
		it := l.Iterator()
		target := docs[idx].docID
		it.AdvanceTo(target)
		if it.IsEnd() {
			t.Fatalf("idx=%d: unexpected end seeking to %d", idx, target)
		}
		if it.DocID() != target {
			t.Fatalf("idx=%d: AdvanceTo(%d) landed on %d", idx, target, it.DocID())
		}
		if int(it.TermFreq()) != len(docs[idx].positions) {
			t.Fatalf("idx=%d: tf mismatch after seek: got %d want %d", idx, it.TermFreq(), len(docs[idx].positions))
		}
		pit := it.Positions()
		for j, want := range docs[idx].positions {
			v, done, err := pit.Next()
			if err != nil || done || v != want {
				t.Fatalf("idx=%d: position %d after seek: got %d,%v,%v want %d", idx, j, v, done, err, want)
			}
		}
	}
}

func TestAdvanceToBeyondEnd(t *testing.T) {
	docs := synthesize(50, 3)
	l := buildAndOpen(t, docs)
	it := l.Iterator()
	it.AdvanceTo(docs[len(docs)-1].docID + 1000)
	if !it.IsEnd() {
		t.Fatal("expected end when seeking past last doc-id")
	}
}

func TestPositionsInvalidatedByAdvance(t *testing.T) {
	docs := synthesize(10, 5)
	l := buildAndOpen(t, docs)
	it := l.Iterator()
	pit := it.Positions()
	it.Advance()
	if _, _, err := pit.Next(); err != ErrInvalidated {
		t.Fatalf("got %v, want ErrInvalidated", err)
	}
}

func TestMixedSequentialAndSkip(t *testing.T) {
	n := 2000
	docs := synthesize(n, 123)
	l := buildAndOpen(t, docs)

	it := l.Iterator()
	idx := 0
	for !it.IsEnd() {
		if it.DocID() != docs[idx].docID {
			t.Fatalf("posting %d: docID = %d, want %d", idx, it.DocID(), docs[idx].docID)
		}
		idx++
		if idx < len(docs) && idx%7 == 0 {
			it.AdvanceTo(docs[idx].docID)
		} else {
			it.Advance()
		}
	}
	if idx != n {
		t.Fatalf("scanned %d postings, want %d", idx, n)
	}
}
