// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package engine ties together the lower-level codecs into the
// persistent inverted-index pipeline: a single-threaded Builder that
// consumes documents and seals a finished on-disk index, and an
// Engine that memory-maps a sealed index for concurrent read-only
// querying. The open/close lifecycle follows the same scoped-mmap
// shape codesearch's index.Open/mmap uses, generalised from a single
// csearch-index file to the five required files §6 names (plus the
// optional bloom-store files).
package engine

import (
	"os"
	"path/filepath"

	"github.com/corpusdb/wiser/docstore"
	"github.com/corpusdb/wiser/internal/iobuf"
	"github.com/corpusdb/wiser/internal/postbuild"
	"github.com/corpusdb/wiser/posting"
	"github.com/corpusdb/wiser/termindex"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// BM25K1 and BM25B are the ranking_bench.cc BM25 parameters: term
// frequency saturation and document-length normalisation weight.
const (
	BM25K1 = 1.2
	BM25B  = 0.75
)

// Sentinel errors shared by the Builder and Engine lifecycles.
var (
	// ErrCorrupted is returned when a sealed index's files fail a
	// framing or offset-range check at open time.
	ErrCorrupted = errors.New("engine: corrupted index")
	// ErrClosed is returned by any operation attempted on a closed
	// (or not-yet-opened) Engine.
	ErrClosed = errors.New("engine: engine is closed")
	// ErrSealed is returned by AddDocument on a Builder that has
	// already been sealed, and by Seal on one sealed twice.
	ErrSealed = errors.New("engine: index is sealed")
)

// state is the index-build pipeline's position in §4.8's state
// diagram: empty -> building -> sealed -> queryable -> closed.
type state int

const (
	stateBuilding state = iota
	stateSealed
	stateQueryable
	stateClosed
)

// Document is one parsed record ready for indexing: terms in
// occurrence order, with optional parallel slices of byte offsets and
// explicit positions (nil when the source format doesn't carry them,
// e.g. TOKEN_ONLY line-doc rows, in which case position defaults to
// the index into Terms) and the raw body text stored verbatim for
// later snippet retrieval.
type Document struct {
	Body      []byte
	Terms     []string
	Offsets   [][2]uint32 // parallel to Terms, or nil
	Positions []uint32    // parallel to Terms, or nil to use the index
}

// termAccumulator gathers one document's occurrences of a single term
// before handing them to postbuild as one posting bag.
type termAccumulator struct {
	term      string
	positions []uint32
	offsets   [][2]uint32
}

// Builder implements the `building` state: documents are added in
// order (doc-ids assigned densely starting at 0, per §5's
// single-threaded indexing model) and accumulated entirely in memory,
// the same way postbuild.Term gathers one term's streams before
// Dumper.Dump flushes them — Seal is the point all terms are flushed.
type Builder struct {
	dir   string
	state state

	docCount uint32
	lengths  []uint32

	terms map[string]*postbuild.Term
	order []string // first-seen term order, for deterministic my.tip output

	fdx, fdt *iobuf.Buffer
	docs     *docstore.Writer
}

// NewBuilder creates dir (if missing) and returns a Builder ready to
// accept documents. The document-store files are opened immediately
// since docstore.Writer streams bodies as they arrive; posting lists
// accumulate in memory until Seal, since a cozy box needs its whole
// stream before it can be written.
func NewBuilder(dir string) (*Builder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dir)
	}
	fdx, err := iobuf.Create(filepath.Join(dir, "my.fdx"))
	if err != nil {
		return nil, err
	}
	fdt, err := iobuf.Create(filepath.Join(dir, "my.fdt"))
	if err != nil {
		return nil, err
	}
	return &Builder{
		dir:   dir,
		state: stateBuilding,
		terms: make(map[string]*postbuild.Term),
		fdx:   fdx,
		fdt:   fdt,
		docs:  docstore.NewWriter(fdx, fdt),
	}, nil
}

// AddDocument assigns the next doc-id to doc, merges repeated term
// occurrences within it into single posting bags (position defaults to
// token index unless doc.Positions overrides it, offsets carried
// through unmodified), and appends its body to the document store. It
// is a fatal error to call this after Seal.
func (b *Builder) AddDocument(doc Document) (uint32, error) {
	if b.state != stateBuilding {
		return 0, errors.Wrap(ErrSealed, "add_document on a sealed index")
	}
	docID := b.docCount
	b.docCount++
	b.lengths = append(b.lengths, uint32(len(doc.Terms)))

	b.docs.Add(doc.Body)

	var accs []*termAccumulator
	index := make(map[string]int, len(doc.Terms))
	for i, t := range doc.Terms {
		j, ok := index[t]
		if !ok {
			j = len(accs)
			index[t] = j
			accs = append(accs, &termAccumulator{term: t})
		}
		var off [2]uint32
		if doc.Offsets != nil {
			off = doc.Offsets[i]
		}
		pos := uint32(i)
		if doc.Positions != nil {
			pos = doc.Positions[i]
		}
		accs[j].positions = append(accs[j].positions, pos)
		accs[j].offsets = append(accs[j].offsets, off)
	}
	for _, a := range accs {
		pt, ok := b.terms[a.term]
		if !ok {
			pt = postbuild.NewTerm()
			b.terms[a.term] = pt
			b.order = append(b.order, a.term)
		}
		pt.AddPosting(docID, a.positions, a.offsets)
	}
	return docID, nil
}

// DocCount returns the number of documents added so far.
func (b *Builder) DocCount() int { return int(b.docCount) }

// Seal flushes every accumulated term's posting list to my.vacuum (via
// postbuild.Dumper), records their offsets in my.tip, writes
// my.doc_length, and closes the document-store files. No further
// AddDocument calls are permitted afterwards; there is no transition
// back to `building`.
func (b *Builder) Seal() error {
	if b.state != stateBuilding {
		return errors.Wrap(ErrSealed, "seal called twice")
	}

	vacuum, err := iobuf.Create(filepath.Join(b.dir, "my.vacuum"))
	if err != nil {
		return err
	}
	tip, err := iobuf.Create(filepath.Join(b.dir, "my.tip"))
	if err != nil {
		return err
	}
	dumper := postbuild.NewDumper(vacuum)
	tipWriter := termindex.NewWriter(tip)
	for _, term := range b.order {
		off, err := dumper.Dump(b.terms[term])
		if err != nil {
			return err
		}
		tipWriter.Add(term, off)
	}
	if err := vacuum.Close(); err != nil {
		return err
	}
	if err := tip.Close(); err != nil {
		return err
	}

	dl, err := iobuf.Create(filepath.Join(b.dir, "my.doc_length"))
	if err != nil {
		return err
	}
	for docID, length := range b.lengths {
		writeDocLengthRecord(dl, uint32(docID), length)
	}
	if err := dl.Close(); err != nil {
		return err
	}

	if err := b.fdx.Close(); err != nil {
		return err
	}
	if err := b.fdt.Close(); err != nil {
		return err
	}

	b.state = stateSealed
	return nil
}

// mapping is one memory-mapped file, released exactly once by Close.
type mapping struct {
	f *os.File
	m mmap.MMap
}

func openMapping(path string) (mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return mapping{}, errors.Wrapf(err, "opening %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return mapping{}, errors.Wrapf(err, "statting %s", path)
	}
	if fi.Size() == 0 {
		return mapping{f: f}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return mapping{}, errors.Wrapf(err, "mapping %s", path)
	}
	return mapping{f: f, m: m}, nil
}

func (mp mapping) Bytes() []byte {
	if mp.m == nil {
		return nil
	}
	return []byte(mp.m)
}

func (mp mapping) Close() error {
	var err error
	if mp.m != nil {
		err = mp.m.Unmap()
	}
	if mp.f != nil {
		if cerr := mp.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Engine provides concurrent, read-only access to a sealed index: the
// `queryable` state. It owns every memory-mapped file backing it and
// releases them exactly once on Close, matching §5's "shared
// read-only across threads, released exactly once at close time"
// resource model.
type Engine struct {
	state state

	vacuum []byte
	tip    *termindex.Index

	docLens *docLengths
	docs    *docstore.Store

	bloomBegin *bloomIndex
	bloomEnd   *bloomIndex

	n         int
	mappings  []mapping
}

// Open memory-maps a sealed index directory's files and validates
// their framing, returning a queryable Engine. Every posting list
// named in my.tip is opened and magic-checked here, at load time
// (§7's invariant table, property 3) — a term is never left to surface
// corruption only the first time it happens to be queried. Missing
// bloom-store files are tolerated (phrase queries then skip pruning
// and verify positionally against every candidate, per §4.7).
func Open(dir string) (eng *Engine, err error) {
	var mappings []mapping
	defer func() {
		if err != nil {
			for _, m := range mappings {
				m.Close()
			}
		}
	}()

	open := func(name string) ([]byte, error) {
		mp, e := openMapping(filepath.Join(dir, name))
		if e != nil {
			return nil, e
		}
		mappings = append(mappings, mp)
		return mp.Bytes(), nil
	}
	openOptional := func(name string) ([]byte, bool, error) {
		path := filepath.Join(dir, name)
		if _, statErr := os.Stat(path); statErr != nil {
			if os.IsNotExist(statErr) {
				return nil, false, nil
			}
			return nil, false, errors.Wrapf(statErr, "statting %s", path)
		}
		data, e := open(name)
		if e != nil {
			return nil, false, e
		}
		return data, true, nil
	}

	vacuum, err := open("my.vacuum")
	if err != nil {
		return nil, err
	}
	tipData, err := open("my.tip")
	if err != nil {
		return nil, err
	}
	dlData, err := open("my.doc_length")
	if err != nil {
		return nil, err
	}
	fdxData, err := open("my.fdx")
	if err != nil {
		return nil, err
	}
	fdtData, err := open("my.fdt")
	if err != nil {
		return nil, err
	}

	tip, err := termindex.Load(tipData)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}
	if err := validatePostingLists(tip, vacuum); err != nil {
		return nil, err
	}
	docLens, err := loadDocLengths(dlData)
	if err != nil {
		return nil, err
	}
	docs, err := docstore.Open(fdxData, fdtData)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}

	beginStore, err := openBloomIndex(openOptional, "bloom_begin", BloomBeginMagic)
	if err != nil {
		return nil, err
	}
	endStore, err := openBloomIndex(openOptional, "bloom_end", BloomEndMagic)
	if err != nil {
		return nil, err
	}

	eng = &Engine{
		state:      stateQueryable,
		vacuum:     vacuum,
		tip:        tip,
		docLens:    docLens,
		docs:       docs,
		bloomBegin: beginStore,
		bloomEnd:   endStore,
		n:          docLens.Len(),
		mappings:   mappings,
	}
	return eng, nil
}

// validatePostingLists opens every term's posting list once, at load
// time, so a corrupted list (bad magic, bad skip-list header) is
// caught by Open itself rather than lying dormant until some future
// query happens to touch that term.
func validatePostingLists(tip *termindex.Index, vacuum []byte) error {
	for _, term := range tip.Terms() {
		off, ok := tip.Lookup(term)
		if !ok {
			continue
		}
		if off < 0 || int(off) >= len(vacuum) {
			return errors.Wrap(ErrCorrupted, "term offset out of range")
		}
		if _, err := posting.Open(vacuum[off:]); err != nil {
			return errors.Wrap(ErrCorrupted, err.Error())
		}
	}
	return nil
}

// Close unmaps every file backing the Engine exactly once. It is an
// error to query a closed Engine.
func (e *Engine) Close() error {
	if e.state == stateClosed {
		return errors.Wrap(ErrClosed, "already closed")
	}
	var firstErr error
	for _, m := range e.mappings {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.state = stateClosed
	return firstErr
}

// DocCount returns the number of documents in the index.
func (e *Engine) DocCount() int { return e.n }

// Body returns the stored body text for docID, for snippet generation
// by an external highlighter; the core never inspects it itself.
func (e *Engine) Body(docID uint32) ([]byte, error) {
	return e.docs.Body(docID)
}
