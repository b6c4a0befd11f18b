// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"encoding/binary"

	"github.com/corpusdb/wiser/internal/iobuf"
	"github.com/pkg/errors"
)

// docLengthRecordLen is the fixed width of one my.doc_length record:
// a u32 LE doc-id followed by a u32 LE token count.
const docLengthRecordLen = 8

// docLengths holds every document's token count plus their average,
// computed once at load time so BM25's tfnorm never recomputes it.
type docLengths struct {
	lengths []uint32
	avg     float64
}

// loadDocLengths decodes my.doc_length's full contents. Records must
// appear in doc-id order (0, 1, 2, ...), matching how Builder.Seal
// writes them.
func loadDocLengths(data []byte) (*docLengths, error) {
	if len(data)%docLengthRecordLen != 0 {
		return nil, errors.Wrap(ErrCorrupted, "my.doc_length length is not a multiple of the record size")
	}
	n := len(data) / docLengthRecordLen
	dl := &docLengths{lengths: make([]uint32, n)}
	var sum uint64
	for i := 0; i < n; i++ {
		rec := data[i*docLengthRecordLen:]
		docID := binary.LittleEndian.Uint32(rec[0:4])
		if int(docID) != i {
			return nil, errors.Wrap(ErrCorrupted, "my.doc_length records out of order")
		}
		length := binary.LittleEndian.Uint32(rec[4:8])
		dl.lengths[i] = length
		sum += uint64(length)
	}
	if n > 0 {
		dl.avg = float64(sum) / float64(n)
	}
	return dl, nil
}

// Len returns the number of documents recorded.
func (dl *docLengths) Len() int { return len(dl.lengths) }

// Length returns docID's token count. Precondition: docID < Len().
func (dl *docLengths) Length(docID uint32) uint32 { return dl.lengths[docID] }

// AvgLength returns the corpus average token count, 0 if empty.
func (dl *docLengths) AvgLength() float64 { return dl.avg }

// writeDocLengthRecord appends one (docID, length) record to out.
func writeDocLengthRecord(out *iobuf.Buffer, docID, length uint32) {
	var rec [docLengthRecordLen]byte
	binary.LittleEndian.PutUint32(rec[0:4], docID)
	binary.LittleEndian.PutUint32(rec[4:8], length)
	out.Write(rec[:])
}
