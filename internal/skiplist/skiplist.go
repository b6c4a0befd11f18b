// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package skiplist implements the auxiliary table that lets a posting
// list's PostingListIterator jump near a target doc-id instead of
// decoding every posting in between. One entry is recorded for every
// 128th posting across all four cozy-box streams (doc-id, term
// frequency, position, offset); entries are delta-coded against the
// previous entry and serialized as varints, the same bit-thrifty
// technique codesearch's deltaWriter/deltaReader use for posting
// deltas.
package skiplist

import (
	"github.com/corpusdb/wiser/internal/iobuf"
	"github.com/corpusdb/wiser/internal/varint"
	"github.com/pkg/errors"
)

// Magic is the single byte that must prefix every serialized skip list.
const Magic = 0xA3

// ErrCorrupted is returned for any skip-list framing violation.
var ErrCorrupted = errors.New("skiplist: corrupted skip list")

// Entry records the state of all four posting streams at the boundary
// of posting index i*128.
type Entry struct {
	PrevDocID     uint32 // doc-id of posting i*128-1, or 0 if i==0
	DocIDOffset   int64  // byte offset of the doc-id stream's block
	TFOffset      int64  // byte offset of the term-frequency stream's block
	PosOffset     int64  // byte offset of the position stream's block
	PosInBlockIdx int    // index within that position block
	OffOffset     int64  // byte offset of the offset stream's block
	OffInBlockIdx int    // index within that offset block
}

// Writer accumulates Entry values and serializes them with delta
// coding relative to the previous entry.
type Writer struct {
	entries []Entry
}

// Add records one more skip entry.
func (w *Writer) Add(e Entry) {
	w.entries = append(w.entries, e)
}

// Len reports how many entries have been added.
func (w *Writer) Len() int { return len(w.entries) }

// Serialize writes [Magic][varint count][delta-coded entries...] to out.
func (w *Writer) Serialize(out *iobuf.Buffer) {
	out.WriteByte(Magic)
	out.WriteVarint(uint32(len(w.entries)))

	var prev Entry
	for _, e := range w.entries {
		writeDelta(out, e.PrevDocID, prev.PrevDocID)
		writeDelta(out, uint32(e.DocIDOffset), uint32(prev.DocIDOffset))
		writeDelta(out, uint32(e.TFOffset), uint32(prev.TFOffset))
		writeDelta(out, uint32(e.PosOffset), uint32(prev.PosOffset))
		writeDelta(out, uint32(e.PosInBlockIdx), uint32(prev.PosInBlockIdx))
		writeDelta(out, uint32(e.OffOffset), uint32(prev.OffOffset))
		writeDelta(out, uint32(e.OffInBlockIdx), uint32(prev.OffInBlockIdx))
		prev = e
	}
}

// writeDelta writes zigzag(cur-prev) so deltas, which may be negative
// (e.g. PosInBlockIdx resetting), round-trip exactly.
func writeDelta(out *iobuf.Buffer, cur, prev uint32) {
	d := int64(cur) - int64(prev)
	out.WriteVarint(zigzagEncode(d))
}

func zigzagEncode(v int64) uint32 {
	return uint32((v << 1) ^ (v >> 63))
}

func zigzagDecode(v uint32) int64 {
	x := int64(v)
	return (x >> 1) ^ -(x & 1)
}

// EncodedLen returns an upper bound on the serialized length of the
// skip list, used by the fake dumper to reserve a gap before the real
// offsets (and hence real delta values) are known. Every field is
// bounded by varint.MaxLen32 zigzag-encoded bytes, which is
// conservative but simple and matches the "fake dumper" strategy in
// §4.3/§9 of reserving before writing.
func (w *Writer) EncodedLen() int {
	return 1 + varint.MaxLen32 + len(w.entries)*7*(varint.MaxLen32+1)
}

// SkipList is the read-only, decoded form of a serialized skip list.
type SkipList struct {
	Entries []Entry
}

// Load decodes a skip list from buf (which must begin exactly at the
// skip list's magic byte) and returns the list plus the number of
// bytes consumed.
func Load(buf []byte) (*SkipList, int, error) {
	if len(buf) < 1 || buf[0] != Magic {
		return nil, 0, ErrCorrupted
	}
	off := 1
	count, n, err := varint.Decode(buf, off)
	if err != nil {
		return nil, 0, errors.Wrap(ErrCorrupted, err.Error())
	}
	off += n

	entries := make([]Entry, count)
	var prev Entry
	for i := range entries {
		var e Entry
		var ok bool
		e.PrevDocID, ok = readDelta(buf, &off, prev.PrevDocID)
		if !ok {
			return nil, 0, ErrCorrupted
		}
		var v uint32
		v, ok = readDelta(buf, &off, uint32(prev.DocIDOffset))
		if !ok {
			return nil, 0, ErrCorrupted
		}
		e.DocIDOffset = int64(v)
		v, ok = readDelta(buf, &off, uint32(prev.TFOffset))
		if !ok {
			return nil, 0, ErrCorrupted
		}
		e.TFOffset = int64(v)
		v, ok = readDelta(buf, &off, uint32(prev.PosOffset))
		if !ok {
			return nil, 0, ErrCorrupted
		}
		e.PosOffset = int64(v)
		v, ok = readDelta(buf, &off, uint32(prev.PosInBlockIdx))
		if !ok {
			return nil, 0, ErrCorrupted
		}
		e.PosInBlockIdx = int(v)
		v, ok = readDelta(buf, &off, uint32(prev.OffOffset))
		if !ok {
			return nil, 0, ErrCorrupted
		}
		e.OffOffset = int64(v)
		v, ok = readDelta(buf, &off, uint32(prev.OffInBlockIdx))
		if !ok {
			return nil, 0, ErrCorrupted
		}
		e.OffInBlockIdx = int(v)

		entries[i] = e
		prev = e
	}
	return &SkipList{Entries: entries}, off, nil
}

func readDelta(buf []byte, off *int, prev uint32) (uint32, bool) {
	raw, n, err := varint.Decode(buf, *off)
	if err != nil {
		return 0, false
	}
	*off += n
	d := zigzagDecode(raw)
	return uint32(int64(prev) + d), true
}

// FindFloor returns the index of the greatest entry whose PrevDocID is
// less than target, or -1 if no such entry exists (including the
// empty list). Property 4 (§8) guarantees PrevDocID is strictly
// increasing across entries, so this is a binary search.
func (s *SkipList) FindFloor(target uint32) int {
	lo, hi := 0, len(s.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.Entries[mid].PrevDocID < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	idx := lo - 1
	if idx < 0 {
		return -1
	}
	return idx
}
