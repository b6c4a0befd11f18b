// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package posting implements PostingListIterator: the stateful read
// cursor over one term's on-disk posting list. It decodes the shared
// [magic][doc_freq][skip list][four cozy boxes] layout postbuild
// writes, and exposes doc-id navigation (sequential and skip-list
// accelerated), plus lazy position/offset sub-iterators, the same
// "decode only what the caller asked for" shape codesearch's postReader
// uses for trigram posting lists.
package posting

import (
	"github.com/corpusdb/wiser/internal/cozy"
	"github.com/corpusdb/wiser/internal/skiplist"
	"github.com/corpusdb/wiser/internal/varint"
	"github.com/pkg/errors"
)

// Magic is the byte every posting list begins with.
const Magic = 0xF4

// ErrCorrupted is returned for any posting-list framing violation.
var ErrCorrupted = errors.New("posting: corrupted posting list")

// List wraps the parsed header of one posting list: its doc-frequency,
// skip list, and the four cozy-box byte ranges, ready to hand out
// fresh Iterators. data must begin at the posting list's magic byte
// (typically a window into a memory-mapped my.vacuum).
type List struct {
	docFreq int
	skip    *skiplist.SkipList

	docIDData []byte
	tfData    []byte
	posData   []byte
	offData   []byte

	totalPos int
	totalOff int

	// skipPosOrd[i]/skipOffOrd[i] are the position/offset-stream
	// ordinals that skip.Entries[i]'s blob offsets refer to, derived
	// by replaying the tf stream once at open time the same way
	// postbuild accumulated them while writing (term.posStarts).
	// Doc-id/tf streams don't need this: their skip ordinal is always
	// i*128, since those two streams advance one element per posting.
	skipPosOrd []int
	skipOffOrd []int
}

// Open parses a posting list's header (magic, doc_freq, skip list) and
// locates its four cozy boxes within data, without decoding any
// position/offset values yet.
func Open(data []byte) (*List, error) {
	if len(data) < 1 || data[0] != Magic {
		return nil, ErrCorrupted
	}
	off := 1
	docFreq64, n, err := varint.Decode(data, off)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}
	off += n
	docFreq := int(docFreq64)

	sl, _, err := skiplist.Load(data[off:])
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}
	// The cozy boxes start after the whole gap the dumper reserved for
	// the skip list, not right after its serialized bytes.
	reserved := &skiplist.Writer{}
	for range sl.Entries {
		reserved.Add(skiplist.Entry{})
	}
	off += reserved.EncodedLen()
	if off > len(data) {
		return nil, errors.Wrap(ErrCorrupted, "skip-list gap exceeds data")
	}

	l := &List{docFreq: docFreq, skip: sl}

	l.docIDData = data[off:]
	off += skipCozyBox(data[off:], docFreq)

	l.tfData = data[off:]
	tfBoxData := data[off:]
	off += skipCozyBox(tfBoxData, docFreq)

	tfs, err := decodeAll(tfBoxData, docFreq)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}
	l.skipPosOrd = make([]int, len(sl.Entries))
	l.skipOffOrd = make([]int, len(sl.Entries))
	running := 0
	nextEntry := 0
	for j, tf := range tfs {
		if nextEntry < len(sl.Entries) && j == nextEntry*128 {
			l.skipPosOrd[nextEntry] = running
			l.skipOffOrd[nextEntry] = 2 * running
			nextEntry++
		}
		running += int(tf)
	}
	l.totalPos = running
	l.totalOff = 2 * running

	l.posData = data[off:]
	off += skipCozyBox(data[off:], l.totalPos)

	l.offData = data[off:]

	return l, nil
}

// skipCozyBox reports how many bytes a cozy box holding n values
// occupies, by walking its block headers and tail without fully
// decoding values.
func skipCozyBox(data []byte, n int) int {
	r := cozy.NewReader(data, n)
	full := r.NumFullBlocks()
	off := 0
	for i := 0; i < full; i++ {
		width := int(data[off])
		off++
		off += (128*width + 7) / 8
	}
	tail := n - full*128
	for i := 0; i < tail; i++ {
		_, nn, err := varint.Decode(data, off)
		if err != nil {
			return off
		}
		off += nn
	}
	return off
}

// decodeAll fully decodes a cozy box holding n raw (non-delta) values,
// used to replay the tf stream at open time.
func decodeAll(data []byte, n int) ([]uint32, error) {
	c := cozy.NewCursor(cozy.NewReader(data, n))
	out := make([]uint32, n)
	for i := range out {
		v, err := c.Next()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// DocFreq returns the number of posting bags in the list.
func (l *List) DocFreq() int { return l.docFreq }

// Iterator returns a fresh cursor positioned at the first posting.
func (l *List) Iterator() *Iterator {
	it := &Iterator{l: l}
	it.docIDCur = cozy.NewCursor(cozy.NewReader(l.docIDData, l.docFreq))
	it.tfCur = cozy.NewCursor(cozy.NewReader(l.tfData, l.docFreq))
	it.posCur = cozy.NewCursor(cozy.NewReader(l.posData, l.totalPos))
	it.offCur = cozy.NewCursor(cozy.NewReader(l.offData, l.totalOff))
	if l.docFreq > 0 {
		it.decodeCurrentDocTF()
	} else {
		it.end = true
	}
	return it
}

// Iterator is a stateful cursor over one posting list: doc-id order,
// ascending, with sub-iterators for the current posting's positions
// and offsets created lazily on demand and invalidated on Advance.
type Iterator struct {
	l *List

	ordinal int // index of the current posting, 0-based
	end     bool

	docIDCur *cozy.Cursor
	tfCur    *cozy.Cursor
	posCur   *cozy.Cursor
	offCur   *cozy.Cursor

	curDocID  uint32
	curTF     uint32
	prevDocID uint32
	haveDocID bool

	posConsumed int
	offConsumed int
	curPosAbs   uint32
	posStarted  bool
	curOffAbs   uint32
	offStarted  bool

	generation int
}

// decodeCurrentDocTF decodes the doc-id and tf at the cursor's current
// position. haveDocID/prevDocID must already reflect whichever of the
// three callers (fresh iterator, sequential Advance, or a skip-list
// jump) positioned the underlying cursors.
func (it *Iterator) decodeCurrentDocTF() {
	delta, err := it.docIDCur.Next()
	if err != nil {
		it.end = true
		return
	}
	if !it.haveDocID {
		it.curDocID = delta
		it.haveDocID = true
	} else {
		it.curDocID = it.prevDocID + delta
	}
	it.prevDocID = it.curDocID

	tf, err := it.tfCur.Next()
	if err != nil {
		it.end = true
		return
	}
	it.curTF = tf
	it.posConsumed, it.offConsumed = 0, 0
	it.posStarted, it.offStarted = false, false
}

// DocID returns the current posting's doc-id. Precondition: !IsEnd().
func (it *Iterator) DocID() uint32 { return it.curDocID }

// TermFreq returns the current posting's term frequency. Precondition: !IsEnd().
func (it *Iterator) TermFreq() uint32 { return it.curTF }

// IsEnd reports whether the iterator is past the last posting.
func (it *Iterator) IsEnd() bool { return it.end }

// Size returns the posting list's doc-frequency.
func (it *Iterator) Size() int { return it.l.docFreq }

// skipRemainingSubStreams discards whatever positions/offsets of the
// current posting the caller never consumed, keeping posCur/offCur
// synchronized with the doc-id/tf cursors for the next Advance.
func (it *Iterator) skipRemainingSubStreams() {
	for i := it.posConsumed; i < int(it.curTF); i++ {
		if _, err := it.posCur.Next(); err != nil {
			break
		}
	}
	for i := it.offConsumed; i < 2*int(it.curTF); i++ {
		if _, err := it.offCur.Next(); err != nil {
			break
		}
	}
}

// Advance moves to the next posting, or to end.
func (it *Iterator) Advance() {
	if it.end {
		return
	}
	it.skipRemainingSubStreams()
	it.generation++
	it.ordinal++
	if it.ordinal >= it.l.docFreq {
		it.end = true
		return
	}
	it.decodeCurrentDocTF()
}

// AdvanceTo moves to the first posting with doc-id >= target, using
// the skip list to jump near it when doing so lands at or before the
// target's posting; it consults at most one skip entry per call (the
// cost model spec.md's Open Questions section resolves in favor of a
// single lookup, not nested skip-within-skip).
func (it *Iterator) AdvanceTo(target uint32) {
	if it.end || it.curDocID >= target {
		return
	}
	if floor := it.l.skip.FindFloor(target); floor >= 0 {
		newOrdinal := floor * 128
		if newOrdinal > it.ordinal {
			it.seekToEntry(floor, newOrdinal)
		}
	}
	for !it.end && it.curDocID < target {
		it.Advance()
	}
}

// seekToEntry repositions every stream's cursor to the state recorded
// by skip entry index idx, whose boundary posting ordinal is
// newOrdinal (a multiple of 128), then decodes the posting there.
func (it *Iterator) seekToEntry(idx, newOrdinal int) {
	e := it.l.skip.Entries[idx]
	if err := it.docIDCur.SeekTo(newOrdinal, e.DocIDOffset, 0); err != nil {
		it.end = true
		return
	}
	if err := it.tfCur.SeekTo(newOrdinal, e.TFOffset, 0); err != nil {
		it.end = true
		return
	}
	posOrd := it.l.skipPosOrd[idx]
	offOrd := it.l.skipOffOrd[idx]
	if err := it.posCur.SeekTo(posOrd, e.PosOffset, e.PosInBlockIdx); err != nil {
		it.end = true
		return
	}
	if err := it.offCur.SeekTo(offOrd, e.OffOffset, e.OffInBlockIdx); err != nil {
		it.end = true
		return
	}

	it.ordinal = newOrdinal
	it.prevDocID = e.PrevDocID
	it.haveDocID = true
	it.generation++
	it.decodeCurrentDocTF()
}

// Positions returns an iterator over the current posting's strictly
// ascending absolute positions that have not been consumed yet; a
// second call continues where the first one stopped. It becomes
// invalid (Next returns an error) once the parent Iterator advances.
func (it *Iterator) Positions() *PositionIter {
	return &PositionIter{it: it, generation: it.generation, remaining: int(it.curTF) - it.posConsumed}
}

// Offsets returns an iterator over the current posting's (start,end)
// absolute byte-offset pairs that have not been consumed yet; a second
// call continues where the first one stopped. It becomes invalid once
// the parent Iterator advances.
func (it *Iterator) Offsets() *OffsetIter {
	remaining := (2*int(it.curTF) - it.offConsumed) / 2
	return &OffsetIter{it: it, generation: it.generation, remaining: remaining}
}

// ErrInvalidated is returned by a position/offset sub-iterator whose
// parent Iterator has since advanced.
var ErrInvalidated = errors.New("posting: sub-iterator invalidated by parent advance")

// PositionIter yields one posting's positions in ascending order.
type PositionIter struct {
	it         *Iterator
	generation int
	remaining  int
}

// Next returns the next absolute position, or ErrInvalidated if the
// parent has advanced, or done=true when the positions are exhausted.
func (p *PositionIter) Next() (value uint32, done bool, err error) {
	if p.remaining <= 0 {
		return 0, true, nil
	}
	if p.generation != p.it.generation {
		return 0, false, ErrInvalidated
	}
	delta, e := p.it.posCur.Next()
	if e != nil {
		return 0, false, errors.Wrap(ErrCorrupted, e.Error())
	}
	if !p.it.posStarted {
		p.it.curPosAbs = delta
		p.it.posStarted = true
	} else {
		p.it.curPosAbs += delta
	}
	p.it.posConsumed++
	p.remaining--
	return p.it.curPosAbs, false, nil
}

// OffsetIter yields one posting's (start,end) byte-offset pairs.
type OffsetIter struct {
	it         *Iterator
	generation int
	remaining  int
}

// Next returns the next (start,end) offset pair, or ErrInvalidated if
// the parent has advanced.
func (o *OffsetIter) Next() (start, end uint32, done bool, err error) {
	if o.remaining <= 0 {
		return 0, 0, true, nil
	}
	if o.generation != o.it.generation {
		return 0, 0, false, ErrInvalidated
	}
	s, e1 := o.nextComponent()
	if e1 != nil {
		return 0, 0, false, errors.Wrap(ErrCorrupted, e1.Error())
	}
	e, e2 := o.nextComponent()
	if e2 != nil {
		return 0, 0, false, errors.Wrap(ErrCorrupted, e2.Error())
	}
	o.remaining--
	return s, e, false, nil
}

func (o *OffsetIter) nextComponent() (uint32, error) {
	delta, err := o.it.offCur.Next()
	if err != nil {
		return 0, err
	}
	if !o.it.offStarted {
		o.it.curOffAbs = delta
		o.it.offStarted = true
	} else {
		o.it.curOffAbs += delta
	}
	o.it.offConsumed++
	return o.it.curOffAbs, nil
}
