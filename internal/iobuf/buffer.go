// Copyright 2011 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package iobuf provides the buffered, offset-tracking file writer used
// by every on-disk format in this module. It is the same shape as
// codesearch's index.Buffer: a small in-memory buffer that spills to
// its backing file once full, with Offset() always reporting the
// logical write position regardless of what has been flushed yet.
package iobuf

import (
	"os"

	"github.com/corpusdb/wiser/internal/varint"
	"github.com/pkg/errors"
)

// A Buffer is a closeable, offset-tracking wrapper around an *os.File.
type Buffer struct {
	Name    string
	file    *os.File
	fileOff int64
	buf     []byte
}

// Create opens (truncating) name for writing and wraps it in a Buffer.
func Create(name string) (*Buffer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", name)
	}
	return &Buffer{Name: name, file: f, buf: make([]byte, 0, 64<<10)}, nil
}

// CreateTemp behaves like Create but picks a unique name in dir.
func CreateTemp(dir, pattern string) (*Buffer, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, errors.Wrap(err, "creating temp file")
	}
	return &Buffer{Name: f.Name(), file: f, buf: make([]byte, 0, 64<<10)}, nil
}

// Write appends x to the buffer, flushing to the backing file as needed.
func (b *Buffer) Write(x []byte) {
	n := cap(b.buf) - len(b.buf)
	if len(x) > n {
		b.Flush()
		if len(x) >= cap(b.buf) {
			if _, err := b.file.Write(x); err != nil {
				panic(errors.Wrapf(err, "writing %s", b.Name))
			}
			b.fileOff += int64(len(x))
			return
		}
	}
	b.buf = append(b.buf, x...)
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(x byte) {
	if len(b.buf) >= cap(b.buf) {
		b.Flush()
	}
	b.buf = append(b.buf, x)
}

// WriteVarint appends the LEB128 encoding of x.
func (b *Buffer) WriteVarint(x uint32) {
	if cap(b.buf)-len(b.buf) < varint.MaxLen32 {
		b.Flush()
	}
	b.buf = varint.Encode(b.buf, x)
}

// Offset returns the current logical write position.
func (b *Buffer) Offset() int64 {
	return b.fileOff + int64(len(b.buf))
}

// Flush writes any buffered bytes to the backing file.
func (b *Buffer) Flush() {
	if len(b.buf) == 0 {
		return
	}
	n, err := b.file.Write(b.buf)
	if err != nil {
		panic(errors.Wrapf(err, "writing %s", b.Name))
	}
	if n != len(b.buf) {
		panic(errors.Errorf("writing %s: short write", b.Name))
	}
	b.fileOff += int64(len(b.buf))
	b.buf = b.buf[:0]
}

// WriteAt flushes, then writes p at absolute offset off — used to patch
// a previously reserved gap (e.g. the skip-list placeholder).
func (b *Buffer) WriteAt(p []byte, off int64) error {
	b.Flush()
	n, err := b.file.WriteAt(p, off)
	if err != nil {
		return errors.Wrapf(err, "patching %s at %d", b.Name, off)
	}
	if n != len(p) {
		return errors.Errorf("patching %s at %d: short write", b.Name, off)
	}
	return nil
}

// Seek flushes, then moves the backing file's read/write position to
// absolute offset off, e.g. to read back what was written through
// File(). It does not change Offset(), and WriteAt does not depend on it.
func (b *Buffer) Seek(off int64) error {
	b.Flush()
	_, err := b.file.Seek(off, 0)
	return err
}

// Close flushes and closes the backing file.
func (b *Buffer) Close() error {
	b.Flush()
	return b.file.Close()
}

// File exposes the backing *os.File for callers that read it directly
// (e.g. to read back a scratch file's contents after Seek).
func (b *Buffer) File() *os.File { return b.file }
