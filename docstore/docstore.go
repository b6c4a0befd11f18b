// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package docstore implements the auxiliary doc-id -> body mapping
// (§2 item 10, §6's my.fdx/my.fdt) used only for snippet generation by
// the external highlighter; the core engine never reads body text
// itself. The layout mirrors codesearch's name-index/name-data split
// in index/write.go: a fixed-width index file of (offset,length)
// records in my.fdx, and the concatenated document bodies themselves
// in my.fdt.
package docstore

import (
	"encoding/binary"

	"github.com/corpusdb/wiser/internal/iobuf"
	"github.com/pkg/errors"
)

// recordLen is the fixed byte width of one my.fdx record: an i64 LE
// offset into my.fdt followed by a u32 LE length.
const recordLen = 12

// ErrCorrupted is returned when my.fdx is not a whole multiple of the
// fixed record length, or a record's range falls outside my.fdt.
var ErrCorrupted = errors.New("docstore: corrupted document store")

// Writer appends document bodies to my.fdt and their (offset, length)
// records to my.fdx, in doc-id order (doc-ids are assigned densely
// starting at 0 as documents are added, so no explicit doc-id needs to
// be stored alongside each record).
type Writer struct {
	fdx *iobuf.Buffer
	fdt *iobuf.Buffer
}

// NewWriter returns a Writer appending to fdx/fdt.
func NewWriter(fdx, fdt *iobuf.Buffer) *Writer {
	return &Writer{fdx: fdx, fdt: fdt}
}

// Add records the next doc-id's body.
func (w *Writer) Add(body []byte) {
	off := w.fdt.Offset()
	w.fdt.Write(body)

	var rec [recordLen]byte
	binary.LittleEndian.PutUint64(rec[0:8], uint64(off))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(body)))
	w.fdx.Write(rec[:])
}

// Store provides read-only, doc-id-indexed access to a previously
// written store, given the full contents of my.fdx and my.fdt (typically
// memory-mapped).
type Store struct {
	fdx []byte
	fdt []byte
}

// Open validates fdx's record framing and wraps (fdx, fdt) for lookups.
func Open(fdx, fdt []byte) (*Store, error) {
	if len(fdx)%recordLen != 0 {
		return nil, errors.Wrap(ErrCorrupted, "my.fdx length is not a multiple of the record size")
	}
	return &Store{fdx: fdx, fdt: fdt}, nil
}

// Len returns the number of documents in the store.
func (s *Store) Len() int { return len(s.fdx) / recordLen }

// Body returns the body text originally added for docID.
func (s *Store) Body(docID uint32) ([]byte, error) {
	i := int(docID)
	if i < 0 || i >= s.Len() {
		return nil, errors.Wrapf(ErrCorrupted, "doc-id %d out of range", docID)
	}
	rec := s.fdx[i*recordLen : (i+1)*recordLen]
	off := binary.LittleEndian.Uint64(rec[0:8])
	length := binary.LittleEndian.Uint32(rec[8:12])
	end := off + uint64(length)
	if end > uint64(len(s.fdt)) {
		return nil, errors.Wrapf(ErrCorrupted, "doc-id %d body range exceeds my.fdt", docID)
	}
	return s.fdt[off:end], nil
}
