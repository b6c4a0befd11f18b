// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package termindex maps term strings to the byte offset of their
// associated data (a posting list in my.vacuum, or a bloom-store
// case-block) using the same two-layer shape codesearch's index
// package uses for trigrams: a dense, sorted-by-insertion on-disk
// record stream, plus an in-memory structure built from it for point
// lookup — here a hash map plus a sorted slice rather than codesearch's 128-byte binary
// search blocks, because terms are variable-length strings rather than
// fixed 3-byte trigrams.
package termindex

import (
	"encoding/binary"
	"sort"

	"github.com/corpusdb/wiser/internal/iobuf"
	"github.com/pkg/errors"
)

// ErrCorrupted is returned when a term-index record is truncated or
// otherwise malformed.
var ErrCorrupted = errors.New("termindex: corrupted term index")

// Writer appends (term-len u32 LE | term bytes | offset i64 LE)
// records to an on-disk term index, in whatever order terms are
// supplied (the dumper writes them in the order posting lists are
// sealed, not sorted order).
type Writer struct {
	out *iobuf.Buffer
}

// NewWriter returns a Writer appending records to out.
func NewWriter(out *iobuf.Buffer) *Writer {
	return &Writer{out: out}
}

// Add records that term's data begins at file offset off.
func (w *Writer) Add(term string, off int64) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(term)))
	w.out.Write(lenBuf[:])
	w.out.Write([]byte(term))
	var offBuf [8]byte
	binary.LittleEndian.PutUint64(offBuf[:], uint64(off))
	w.out.Write(offBuf[:])
}

// entry is one decoded on-disk record.
type entry struct {
	term string
	off  int64
}

// Index is the in-memory, queryable form of a term index: a hash map
// keyed by term string for lookups, and a slice of the same records
// sorted by term so callers needing lexicographic enumeration (e.g.
// prefix scans) do not have to re-sort.
type Index struct {
	byTerm map[string]int64
	sorted []entry
}

// Load decodes every record in data (the full contents of a term-index
// file, e.g. my.tip) and builds an Index.
func Load(data []byte) (*Index, error) {
	idx := &Index{byTerm: make(map[string]int64)}
	off := 0
	for off < len(data) {
		if off+4 > len(data) {
			return nil, errors.Wrap(ErrCorrupted, "truncated term length")
		}
		termLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if termLen < 0 || off+termLen+8 > len(data) {
			return nil, errors.Wrap(ErrCorrupted, "truncated term record")
		}
		term := string(data[off : off+termLen])
		off += termLen
		fileOff := int64(binary.LittleEndian.Uint64(data[off:]))
		off += 8

		idx.byTerm[term] = fileOff
		idx.sorted = append(idx.sorted, entry{term: term, off: fileOff})
	}
	sort.Slice(idx.sorted, func(i, j int) bool { return idx.sorted[i].term < idx.sorted[j].term })
	return idx, nil
}

// Lookup returns the file offset recorded for term, and whether it was found.
func (idx *Index) Lookup(term string) (int64, bool) {
	off, ok := idx.byTerm[term]
	return off, ok
}

// Len reports the number of distinct terms in the index.
func (idx *Index) Len() int { return len(idx.sorted) }

// Terms returns the index's terms in lexicographic order.
func (idx *Index) Terms() []string {
	terms := make([]string, len(idx.sorted))
	for i, e := range idx.sorted {
		terms[i] = e.term
	}
	return terms
}
