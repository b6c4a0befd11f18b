// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cozy implements the cozy-box stream format: a sequence of
// non-negative u32 values grouped into 128-value PackedInts blocks,
// plus a trailing varint-coded tail of fewer than 128 values. The
// writer mirrors codesearch's Buffer-based writers, recording the file
// offset of every block as it is flushed so a skip list can jump
// straight to any 128-boundary later.
package cozy

import (
	"github.com/corpusdb/wiser/internal/iobuf"
	"github.com/corpusdb/wiser/internal/packedints"
	"github.com/corpusdb/wiser/internal/varint"
)

// Writer accumulates u32 values and serializes them as a cozy box to
// an iobuf.Buffer. BlockOffsets records the starting file offset of
// each full 128-value block as it is flushed, relative to the byte at
// which the cozy box itself began (block 0 is therefore always at
// relative offset 0). FirstTailOffset records the relative offset of
// the first varint in the trailing tail.
type Writer struct {
	out             *iobuf.Buffer
	base            int64
	pending         [packedints.BlockLen]uint32
	npending        int
	BlockOffsets    []int64
	FirstTailOffset int64
	total           int
}

// NewWriter returns a Writer that serializes onto out, starting at
// out's current offset.
func NewWriter(out *iobuf.Buffer) *Writer {
	return &Writer{out: out, base: out.Offset()}
}

// Write appends one value to the stream.
func (w *Writer) Write(v uint32) {
	w.pending[w.npending] = v
	w.npending++
	w.total++
	if w.npending == packedints.BlockLen {
		w.flushBlock()
	}
}

func (w *Writer) flushBlock() {
	off := w.out.Offset() - w.base
	var max uint32
	for _, v := range w.pending {
		if v > max {
			max = v
		}
	}
	width := packedints.BitWidth(max)
	w.out.Write(packedints.Encode(w.pending, width))
	w.BlockOffsets = append(w.BlockOffsets, off)
	w.npending = 0
}

// CurrentOffset reports the relative byte offset (from the cozy box's
// first byte) the writer is positioned at right now: the start of the
// next full block to be flushed, or, once streaming is done, the start
// of the trailing tail. Callers that need to know where an
// as-yet-unwritten value will land (e.g. to build a skip list while
// still accumulating postings) read this before calling Write again.
func (w *Writer) CurrentOffset() int64 {
	return w.out.Offset() - w.base
}

// Finish flushes the trailing tail (< 128 values) and returns the
// total number of values written (128*len(BlockOffsets) + tail count).
func (w *Writer) Finish() int {
	if w.npending > 0 {
		w.FirstTailOffset = w.out.Offset() - w.base
		for i := 0; i < w.npending; i++ {
			w.out.WriteVarint(w.pending[i])
		}
	}
	w.npending = 0
	return w.total
}

// Reader provides access to a cozy box previously serialized by
// Writer, given the byte slice beginning at the box's first byte
// (typically a window into a memory-mapped index file) and the total
// element count the box holds.
type Reader struct {
	data  []byte
	total int
}

// NewReader wraps data (beginning at the cozy box's first byte) for a
// stream known to contain total values.
func NewReader(data []byte, total int) *Reader {
	return &Reader{data: data, total: total}
}

// NumFullBlocks reports how many complete 128-value blocks precede the tail.
func (r *Reader) NumFullBlocks() int { return r.total / packedints.BlockLen }

// Cursor sequentially decodes a cozy box starting from an arbitrary
// position, used both for a fresh scan (NewCursor) and after a
// skip-list jump (SeekTo). Crossing from one block to the next is O(1):
// the cursor remembers the byte length of the block it is currently
// decoding and simply advances its offset by that amount.
type Cursor struct {
	r          *Reader
	ordinal    int
	inBlock    bool
	curBlock   packedints.Block
	curBlkOff  int64 // relative byte offset of curBlock's header byte
	curBlkLen  int64 // total bytes (header + payload) of curBlock
	tailOff    int64
}

// NewCursor creates a cursor positioned at ordinal 0 (the start of the
// stream), which is always relative offset 0 in the underlying data.
func NewCursor(r *Reader) *Cursor {
	c := &Cursor{r: r}
	if r.NumFullBlocks() > 0 {
		c.loadBlock(0)
	} else {
		c.tailOff = 0
	}
	return c
}

func (c *Cursor) loadBlock(off int64) error {
	blk, n, err := packedints.Load(c.r.data[off:])
	if err != nil {
		return err
	}
	c.curBlock = blk
	c.curBlkOff = off
	c.curBlkLen = int64(n)
	c.inBlock = true
	return nil
}

// SeekTo repositions the cursor to logical ordinal `ordinal`, whose
// containing block (or tail, if ordinal >= 128*NumFullBlocks) begins
// at relative byte offset blockOffset; inBlockIdx is the index within
// that block ordinal corresponds to (0 when ordinal is block-aligned,
// e.g. for the doc-id and term-frequency streams, which always skip in
// lockstep with posting boundaries; non-zero for the position/offset
// streams, whose block boundaries do not align with posting
// boundaries).
func (c *Cursor) SeekTo(ordinal int, blockOffset int64, inBlockIdx int) error {
	if ordinal-inBlockIdx < c.r.NumFullBlocks()*packedints.BlockLen {
		if err := c.loadBlock(blockOffset); err != nil {
			return err
		}
		c.ordinal = ordinal - inBlockIdx
		for i := 0; i < inBlockIdx; i++ {
			if _, err := c.Next(); err != nil {
				return err
			}
		}
		return nil
	}
	c.inBlock = false
	c.tailOff = blockOffset
	c.ordinal = ordinal - inBlockIdx
	for i := 0; i < inBlockIdx; i++ {
		if _, err := c.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Next returns the next value in the stream and advances the cursor.
func (c *Cursor) Next() (uint32, error) {
	if c.inBlock {
		v := c.curBlock.At(c.ordinal % packedints.BlockLen)
		c.ordinal++
		if c.ordinal%packedints.BlockLen == 0 {
			nextOff := c.curBlkOff + c.curBlkLen
			if c.ordinal/packedints.BlockLen < c.r.NumFullBlocks() {
				if err := c.loadBlock(nextOff); err != nil {
					return 0, err
				}
			} else {
				c.inBlock = false
				c.tailOff = nextOff
			}
		}
		return v, nil
	}
	v, n, err := varint.Decode(c.r.data, int(c.tailOff))
	if err != nil {
		return 0, err
	}
	c.tailOff += int64(n)
	c.ordinal++
	return v, nil
}

// Ordinal returns the index of the next value Next will return.
func (c *Cursor) Ordinal() int { return c.ordinal }
