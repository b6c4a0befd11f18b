// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package postbuild turns the per-posting integer sequences accumulated
// while indexing one term into the on-disk posting-list layout: a
// magic byte, the doc-frequency, a skip list, and four cozy boxes (one
// each for doc-ids, term frequencies, positions and offsets). Because
// the skip list's serialized length depends on file offsets that are
// only known once the four cozy boxes have actually been written, the
// dumper first measures a conservative upper bound with a FakeDumper —
// a collaborator that predicts the skip list's serialized size without
// writing any cozy-box bytes — reserves that many bytes as a gap,
// writes the cozy boxes, then seeks back and patches the gap with the
// real skip list.
package postbuild

import (
	"io"
	"os"

	"github.com/corpusdb/wiser/internal/cozy"
	"github.com/corpusdb/wiser/internal/iobuf"
	"github.com/corpusdb/wiser/internal/skiplist"
	"github.com/pkg/errors"
)

// Magic is the byte that prefixes every serialized posting list.
const Magic = 0xF4

// ErrSkipListTooLarge is returned when the real skip list does not fit
// in the gap reserved for it by a prior FakeDumper measurement.
var ErrSkipListTooLarge = errors.New("postbuild: skip list exceeds reserved gap")

// GeneralTermEntry accumulates one of the four integer streams for a
// single term's posting list (doc-ids, term frequencies, positions, or
// offsets). The dumper owns one GeneralTermEntry per stream and
// discards them once flushed.
type GeneralTermEntry struct {
	values  []uint32
	deltas  bool // whether consecutive values are stored as deltas
	prev    uint32
	started bool
}

// NewGeneralTermEntry returns an empty entry. deltas selects whether
// values are delta-coded before being written to the cozy box; per
// §4.2 this is true for doc-ids, positions and offsets, false for term
// frequencies.
func NewGeneralTermEntry(deltas bool) *GeneralTermEntry {
	return &GeneralTermEntry{deltas: deltas}
}

// Add appends the next raw (non-delta-coded) value to the stream.
func (e *GeneralTermEntry) Add(v uint32) {
	if e.deltas {
		if !e.started {
			e.values = append(e.values, v)
			e.started = true
		} else {
			e.values = append(e.values, v-e.prev)
		}
		e.prev = v
	} else {
		e.values = append(e.values, v)
	}
}

// Reset clears delta-coding state so the next Add starts a fresh run;
// used between posting bags for the position and offset streams, whose
// deltas restart at zero for each new posting.
func (e *GeneralTermEntry) Reset() { e.started = false }

// Len reports how many values have been added.
func (e *GeneralTermEntry) Len() int { return len(e.values) }

// boundary describes one stream's block position for a posting ordinal
// that falls exactly on a cozy-box 128-boundary.
type boundary struct {
	blockOffset int64
	inBlockIdx  int
}

// Dump writes the accumulated values to a cozy box on out and returns,
// for each ordinal named in streamBoundaries (an index into this
// entry's own value sequence), the stream's blob offset and in-block
// index at that point. Doc-id and term-frequency streams are called
// with their own posting ordinals (always block-aligned with this
// stream's 128-granularity cozy box); position and offset streams are
// called with the running element count accumulated up to each 128th
// posting, which generally falls mid-block.
func (e *GeneralTermEntry) Dump(out *iobuf.Buffer, streamBoundaries []int) (*cozy.Writer, []boundary) {
	w := cozy.NewWriter(out)
	boundaries := make([]boundary, len(streamBoundaries))
	next := 0
	for i, v := range e.values {
		for next < len(streamBoundaries) && streamBoundaries[next] == i {
			boundaries[next] = positionOf(w, i)
			next++
		}
		w.Write(v)
	}
	for next < len(streamBoundaries) {
		boundaries[next] = positionOf(w, len(e.values))
		next++
	}
	w.Finish()
	return w, boundaries
}

// positionOf reports the block offset and in-block index that ordinal
// (not yet written, or just about to be) lands at.
func positionOf(w *cozy.Writer, ordinal int) boundary {
	blockIdx := ordinal / 128
	inBlock := ordinal % 128
	if blockIdx < len(w.BlockOffsets) {
		return boundary{blockOffset: w.BlockOffsets[blockIdx], inBlockIdx: inBlock}
	}
	return boundary{blockOffset: w.CurrentOffset(), inBlockIdx: inBlock}
}

// Term holds the four accumulated streams for one term's posting list,
// gathered while indexing documents, plus the doc-ids in ascending
// order (used to compute doc_freq and the skip list's prev_doc_id
// fields).
type Term struct {
	DocIDs    *GeneralTermEntry // delta-coded
	TFs       *GeneralTermEntry // raw
	Positions *GeneralTermEntry // delta-coded, reset per posting bag
	Offsets   *GeneralTermEntry // delta-coded (start and end interleaved), reset per posting bag

	rawDocIDs []uint32 // absolute doc-ids, parallel to DocIDs' deltas
	posStarts []int    // cumulative Positions ordinal at the start of each posting
	offStarts []int    // cumulative Offsets ordinal at the start of each posting (2x per posting)
}

// NewTerm returns an empty Term ready to accumulate posting bags.
func NewTerm() *Term {
	return &Term{
		DocIDs:    NewGeneralTermEntry(true),
		TFs:       NewGeneralTermEntry(false),
		Positions: NewGeneralTermEntry(true),
		Offsets:   NewGeneralTermEntry(true),
	}
}

// AddPosting records one posting bag: doc_id, its strictly ascending
// absolute positions, and its (start,end) absolute offset pairs (tf is
// derived from len(positions)). Positions and offsets are delta-coded
// against the previous value *within this posting bag only* (resetting
// at each new bag), matching how a PostingListIterator reconstructs
// them one posting at a time without needing the whole term's history.
func (t *Term) AddPosting(docID uint32, positions []uint32, offsets [][2]uint32) {
	t.posStarts = append(t.posStarts, t.Positions.Len())
	t.offStarts = append(t.offStarts, t.Offsets.Len())
	t.rawDocIDs = append(t.rawDocIDs, docID)

	t.DocIDs.Add(docID)
	t.TFs.Add(uint32(len(positions)))

	t.Positions.Reset()
	for _, p := range positions {
		t.Positions.Add(p)
	}
	t.Offsets.Reset()
	for _, o := range offsets {
		t.Offsets.Add(o[0])
		t.Offsets.Add(o[1])
	}
}

// DocFreq returns the number of posting bags accumulated.
func (t *Term) DocFreq() int { return len(t.rawDocIDs) }

// postingBoundaryOrdinals returns the ordinal of every 128th posting
// bag: 0, 128, 256, ... up to (but not including) docFreq.
func postingBoundaryOrdinals(docFreq int) []int {
	var out []int
	for i := 0; i*128 < docFreq; i++ {
		out = append(out, i*128)
	}
	return out
}

// FakeDumper predicts the number of skip-list entries a real Dumper
// run over a term will produce, without writing any cozy-box bytes —
// one skip entry per 128 postings, the same 128-granularity the real
// dumper uses. skiplist.Writer.EncodedLen is already a worst-case bound
// independent of the entries' actual field values, so this is all the
// fake dumper needs to compute to size the reservation gap.
type FakeDumper struct{}

// NewFakeDumper returns a FakeDumper.
func NewFakeDumper() *FakeDumper { return &FakeDumper{} }

// ReserveLen returns the number of bytes the real dumper should reserve
// for the skip list of a term with the given doc_freq.
func (fd *FakeDumper) ReserveLen(docFreq int) int {
	numEntries := len(postingBoundaryOrdinals(docFreq))
	w := &skiplist.Writer{}
	for i := 0; i < numEntries; i++ {
		w.Add(skiplist.Entry{})
	}
	return w.EncodedLen()
}

// Dumper writes one term's posting list to the main index file,
// reserving the skip-list gap via a prior FakeDumper measurement.
type Dumper struct {
	out *iobuf.Buffer
}

// NewDumper returns a Dumper that writes onto out.
func NewDumper(out *iobuf.Buffer) *Dumper {
	return &Dumper{out: out}
}

// Dump writes term's posting list (magic, doc_freq, skip list, four
// cozy boxes) to the dumper's output and returns the file offset at
// which the posting list begins (the offset to record in the term
// index).
func (d *Dumper) Dump(term *Term) (int64, error) {
	startOff := d.out.Offset()
	d.out.WriteByte(Magic)
	d.out.WriteVarint(uint32(term.DocFreq()))

	fd := NewFakeDumper()
	gapLen := fd.ReserveLen(term.DocFreq())
	gapOff := d.out.Offset()
	reserveGap(d.out, gapLen)

	sl := writeCozyBoxes(d.out, term)

	encoded, err := serializeSkipList(sl)
	if err != nil {
		return 0, err
	}
	if len(encoded) > gapLen {
		return 0, errors.Wrap(ErrSkipListTooLarge, "postbuild")
	}
	padded := make([]byte, gapLen)
	copy(padded, encoded)
	if err := d.out.WriteAt(padded, gapOff); err != nil {
		return 0, err
	}
	return startOff, nil
}

// reserveGap advances the buffer's logical write position by n bytes;
// the gap's content is meaningless until patched by a later WriteAt.
func reserveGap(out *iobuf.Buffer, n int) {
	out.Write(make([]byte, n))
}

// serializeSkipList renders sl to a byte slice via a scratch temp file,
// since iobuf.Buffer always writes to a backing *os.File. Rather than
// closing the scratch file and reopening it by name, it seeks the
// buffer back to the start and reads its backing *os.File directly.
func serializeSkipList(sl *skiplist.Writer) ([]byte, error) {
	scratch, err := iobuf.CreateTemp("", "wiser-skiplist-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(scratch.Name)
	defer scratch.Close()

	sl.Serialize(scratch)
	if err := scratch.Seek(0); err != nil {
		return nil, err
	}
	return io.ReadAll(scratch.File())
}

// writeCozyBoxes writes the four cozy boxes for term to out (doc-id,
// tf, position, offset, in that order) and returns the real skip list
// built from the offsets observed while writing them.
func writeCozyBoxes(out *iobuf.Buffer, term *Term) *skiplist.Writer {
	boundaryOrds := postingBoundaryOrdinals(term.DocFreq())

	_, docIDBoundaries := term.DocIDs.Dump(out, boundaryOrds)
	_, tfBoundaries := term.TFs.Dump(out, boundaryOrds)

	posBoundaryOrds := make([]int, len(boundaryOrds))
	offBoundaryOrds := make([]int, len(boundaryOrds))
	for i, ord := range boundaryOrds {
		posBoundaryOrds[i] = term.posStarts[ord]
		offBoundaryOrds[i] = term.offStarts[ord]
	}
	_, posBoundaries := term.Positions.Dump(out, posBoundaryOrds)
	_, offBoundaries := term.Offsets.Dump(out, offBoundaryOrds)

	sl := &skiplist.Writer{}
	for i, ord := range boundaryOrds {
		var prevDocID uint32
		if ord > 0 {
			prevDocID = term.rawDocIDs[ord-1]
		}
		sl.Add(skiplist.Entry{
			PrevDocID:     prevDocID,
			DocIDOffset:   docIDBoundaries[i].blockOffset,
			TFOffset:      tfBoundaries[i].blockOffset,
			PosOffset:     posBoundaries[i].blockOffset,
			PosInBlockIdx: posBoundaries[i].inBlockIdx,
			OffOffset:     offBoundaries[i].blockOffset,
			OffInBlockIdx: offBoundaries[i].inBlockIdx,
		})
	}
	return sl
}
