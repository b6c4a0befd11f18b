// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"path/filepath"
	"sort"

	"github.com/corpusdb/wiser/bloom"
	"github.com/corpusdb/wiser/internal/iobuf"
	"github.com/corpusdb/wiser/termindex"
	"github.com/pkg/errors"
)

// BloomBeginMagic and BloomEndMagic distinguish the two bloom-store
// families' *.meta files; any pair of distinct bytes satisfies §6 ("one
// magic byte"), the choice is not otherwise significant.
const (
	BloomBeginMagic byte = 0xB1
	BloomEndMagic   byte = 0xB2
)

// bloomIndex is a term-indexed, memory-mapped bloom store: one set of
// bloom_begin.* or bloom_end.* files opened for lookup.
type bloomIndex struct {
	params bloom.Params
	tip    *termindex.Index
	data   []byte
}

// openBloomIndex opens one bloom-store family (prefix "bloom_begin" or
// "bloom_end") via the openOptional closure Engine.Open builds, and
// returns nil if its files are absent.
func openBloomIndex(openOptional func(name string) ([]byte, bool, error), prefix string, magic byte) (*bloomIndex, error) {
	metaData, ok, err := openOptional(prefix + ".meta")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	params, err := bloom.ReadMeta(metaData, magic)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}
	idxData, _, err := openOptional(prefix + ".index")
	if err != nil {
		return nil, err
	}
	storeData, _, err := openOptional(prefix + ".store")
	if err != nil {
		return nil, err
	}
	idx, err := termindex.Load(idxData)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}
	return &bloomIndex{params: params, tip: idx, data: storeData}, nil
}

// filterFor returns the bloom filter recorded for (term, docID), if
// any case was recorded for that pair.
func (bi *bloomIndex) filterFor(term string, docID uint32) (*bloom.Filter, bool) {
	off, ok := bi.tip.Lookup(term)
	if !ok {
		return nil, false
	}
	cases, err := bloom.LoadCases(bi.data[off:], bi.params)
	if err != nil {
		return nil, false
	}
	i := sort.Search(len(cases), func(i int) bool { return cases[i].DocID >= docID })
	if i < len(cases) && cases[i].DocID == docID {
		return cases[i].Filter, true
	}
	return nil, false
}

// BuildBloomStore scans docs (tokenised documents, indexed by their
// doc-id) and builds the §4.8/§6 bloom-store structure: one filter per
// (term, doc-id) containing every word immediately following
// (end=true) or preceding (end=false) an occurrence of that term
// within the document. This is what bloom_end lets a phrase query
// prune: the first term's filter for a candidate doc either contains
// the second term, or the doc can be skipped without a positional
// check.
func BuildBloomStore(docs [][]string, end bool, params bloom.Params) *bloom.Store {
	store := bloom.NewStore(params)
	for docID, tokens := range docs {
		filters := make(map[string]*bloom.Filter)
		var order []string
		for i, term := range tokens {
			var neighbor string
			var has bool
			if end {
				if i+1 < len(tokens) {
					neighbor, has = tokens[i+1], true
				}
			} else {
				if i-1 >= 0 {
					neighbor, has = tokens[i-1], true
				}
			}
			if !has {
				continue
			}
			f, ok := filters[term]
			if !ok {
				f = bloom.New(params)
				filters[term] = f
				order = append(order, term)
			}
			f.Add([]byte(neighbor))
		}
		for _, term := range order {
			store.Add(term, uint32(docID), filters[term])
		}
	}
	return store
}

// WriteBloomFiles serialises store to dir as prefix.{meta,index,store}
// (prefix is "bloom_begin" or "bloom_end"), the on-disk layout Open
// reads back via openBloomIndex.
func WriteBloomFiles(dir, prefix string, store *bloom.Store, magic byte) error {
	metaBuf, err := iobuf.Create(filepath.Join(dir, prefix+".meta"))
	if err != nil {
		return err
	}
	bloom.WriteMeta(metaBuf, magic, store.Params())
	if err := metaBuf.Close(); err != nil {
		return err
	}

	idxBuf, err := iobuf.Create(filepath.Join(dir, prefix+".index"))
	if err != nil {
		return err
	}
	dataBuf, err := iobuf.Create(filepath.Join(dir, prefix+".store"))
	if err != nil {
		return err
	}
	if err := store.Serialize(idxBuf, dataBuf); err != nil {
		return err
	}
	if err := idxBuf.Close(); err != nil {
		return err
	}
	return dataBuf.Close()
}
