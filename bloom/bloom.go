// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bloom implements a classic bloom filter over byte strings,
// and the per-term store of (doc-id, filter) cases used to prune
// phrase-query candidates before a full positional intersection. Bit
// positions are derived from two independent xxhash seeds combined by
// Kirsch-Mitzenmacher double hashing, the same technique
// prometheus/tsdb's chunk index uses xxhash for, rather than repeated
// from-scratch hashing per bit.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/corpusdb/wiser/internal/iobuf"
	"github.com/corpusdb/wiser/internal/varint"
	"github.com/pkg/errors"
)

// ErrCorrupted is returned for any malformed bloom-store record.
var ErrCorrupted = errors.New("bloom: corrupted bloom store")

// Params are the construction parameters for a Filter: the target
// false-positive ratio and the expected number of entries. Both are
// persisted alongside a BloomFilterStore's data (§6, *.meta files) so
// a reader can report them without re-deriving m and k from a bit
// array's length.
type Params struct {
	Ratio           float32
	ExpectedEntries int
}

// numBitsAndHashes derives (m, k) from (ratio, n) via the standard
// formulas m = -n*ln(ratio)/(ln2)^2, k = (m/n)*ln2.
func (p Params) numBitsAndHashes() (m, k int) {
	if p.ExpectedEntries <= 0 {
		return 8, 1
	}
	n := float64(p.ExpectedEntries)
	ratio := float64(p.Ratio)
	if ratio <= 0 {
		ratio = 0.01
	}
	mf := -n * math.Log(ratio) / (math.Ln2 * math.Ln2)
	m = int(math.Ceil(mf))
	if m < 8 {
		m = 8
	}
	kf := (float64(m) / n) * math.Ln2
	k = int(math.Ceil(kf))
	if k < 1 {
		k = 1
	}
	return m, k
}

// Filter is a classic bloom filter over byte-string elements.
type Filter struct {
	params Params
	bits   []byte // len = ceil(m/8)
	m      int    // number of bits
	k      int    // number of hash functions
}

// New returns an empty Filter sized for params.
func New(params Params) *Filter {
	m, k := params.numBitsAndHashes()
	return &Filter{params: params, bits: make([]byte, (m+7)/8), m: m, k: k}
}

// FromBitArray wraps a previously serialized bit array (as produced by
// BitArray) for read-only Check calls, given the params it was built
// with. An empty bits slice means "no entries were ever added" (the
// BloomCase's empty-bit-array case in the data model).
func FromBitArray(params Params, bits []byte) *Filter {
	m, k := params.numBitsAndHashes()
	f := &Filter{params: params, bits: bits, m: m, k: k}
	if len(bits) == 0 {
		f.m = 0
	}
	return f
}

// positions returns the k bit indices elem hashes to, via double
// hashing: pos_i = (h1 + i*h2) mod m.
func (f *Filter) positions(elem []byte) []int {
	h1 := xxhash.Sum64(elem)
	h2 := xxhash.Sum64WithSeed(elem, 0x9E3779B97F4A7C15)
	if h2 == 0 {
		h2 = 1 // avoid degenerating to a single fixed position
	}
	out := make([]int, f.k)
	m := uint64(f.m)
	for i := 0; i < f.k; i++ {
		out[i] = int((h1 + uint64(i)*h2) % m)
	}
	return out
}

// Add inserts elem into the filter.
func (f *Filter) Add(elem []byte) {
	if f.m == 0 {
		return
	}
	for _, p := range f.positions(elem) {
		f.bits[p/8] |= 1 << uint(p%8)
	}
}

// Check reports whether elem is possibly present (true positive or
// false positive) or definitely absent. An uninitialised filter (empty
// bit array, m==0) always reports absent, matching the data model's
// "empty bit array ⇒ no phrase-neighbour entries" convention.
func (f *Filter) Check(elem []byte) bool {
	if f.m == 0 {
		return false
	}
	for _, p := range f.positions(elem) {
		if f.bits[p/8]&(1<<uint(p%8)) == 0 {
			return false
		}
	}
	return true
}

// BitArray returns the filter's underlying bit array for serialization.
func (f *Filter) BitArray() []byte { return f.bits }

// IsEmpty reports whether the filter's bit array is zero-length, as it
// is for a filter loaded from a case Serialize wrote with no bits set.
func (f *Filter) IsEmpty() bool { return len(f.bits) == 0 }

// Case is one (doc-id, filter) entry within a term's bloom-store list.
type Case struct {
	DocID  uint32
	Filter *Filter
}

// Store accumulates, per term, an ordered-by-doc-id list of Cases, and
// serializes them per §4.8's on-disk layout.
type Store struct {
	params Params
	terms  map[string][]Case
	order  []string // insertion order, for deterministic serialization
}

// NewStore returns an empty Store built with the given params (used
// for every filter added to it).
func NewStore(params Params) *Store {
	return &Store{params: params, terms: make(map[string][]Case)}
}

// Params returns the ratio/expected-entries this store's filters were
// constructed with.
func (s *Store) Params() Params { return s.params }

// Add appends a case for term. Cases must be added in ascending doc-id
// order per term, matching how the dumper discovers phrase-neighbour
// occurrences while scanning documents in doc-id order.
func (s *Store) Add(term string, docID uint32, filter *Filter) {
	if _, ok := s.terms[term]; !ok {
		s.order = append(s.order, term)
	}
	s.terms[term] = append(s.terms[term], Case{DocID: docID, Filter: filter})
}

// Serialize writes the store's term index and case data to tip and
// data respectively: tip gets one (term-len|term|offset) record per
// term (consumed by termindex.Load), data gets, per term, the
// case-block layout from §4.8: (num_cases varint | for each: doc_id
// varint | case-size varint | bit_array varint-prefixed bytes). A
// filter with no bits set is written with a zero-length bit array.
func (s *Store) Serialize(tip, data *iobuf.Buffer) error {
	for _, term := range s.order {
		cases := s.terms[term]
		off := data.Offset()

		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(term)))
		tip.Write(lenBuf[:])
		tip.Write([]byte(term))
		var offBuf [8]byte
		binary.LittleEndian.PutUint64(offBuf[:], uint64(off))
		tip.Write(offBuf[:])

		data.WriteVarint(uint32(len(cases)))
		for _, c := range cases {
			data.WriteVarint(c.DocID)
			bits := c.Filter.BitArray()
			empty := true
			for _, b := range bits {
				if b != 0 {
					empty = false
					break
				}
			}
			if empty {
				bits = nil
			}
			caseSize := varint.EncodedLen(uint32(len(bits))) + len(bits)
			data.WriteVarint(uint32(caseSize))
			data.WriteVarint(uint32(len(bits)))
			data.Write(bits)
		}
	}
	return nil
}

// WriteMeta writes the one-magic-byte + float32 ratio (LE) + int32
// expected_entries (LE) record §6 calls `*.meta`.
func WriteMeta(out *iobuf.Buffer, magic byte, params Params) {
	out.WriteByte(magic)
	var ratioBuf [4]byte
	binary.LittleEndian.PutUint32(ratioBuf[:], math.Float32bits(params.Ratio))
	out.Write(ratioBuf[:])
	var entriesBuf [4]byte
	binary.LittleEndian.PutUint32(entriesBuf[:], uint32(params.ExpectedEntries))
	out.Write(entriesBuf[:])
}

// ReadMeta decodes a *.meta record previously written by WriteMeta and
// checks its magic byte.
func ReadMeta(data []byte, wantMagic byte) (Params, error) {
	if len(data) != 9 {
		return Params{}, errors.Wrap(ErrCorrupted, "meta record wrong length")
	}
	if data[0] != wantMagic {
		return Params{}, errors.Wrap(ErrCorrupted, "meta record bad magic")
	}
	ratio := math.Float32frombits(binary.LittleEndian.Uint32(data[1:5]))
	entries := int(binary.LittleEndian.Uint32(data[5:9]))
	return Params{Ratio: ratio, ExpectedEntries: entries}, nil
}

// LoadCases decodes one term's case-block (the layout Serialize writes
// per term) starting at the beginning of data.
func LoadCases(data []byte, params Params) ([]Case, error) {
	numCases, n, err := varint.Decode(data, 0)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}
	off := n
	cases := make([]Case, numCases)
	for i := range cases {
		docID, n, err := varint.Decode(data, off)
		if err != nil {
			return nil, errors.Wrap(ErrCorrupted, err.Error())
		}
		off += n
		if _, n, err = varint.Decode(data, off); err != nil { // case-size, unused for sequential decode
			return nil, errors.Wrap(ErrCorrupted, err.Error())
		} else {
			off += n
		}
		bitLen, n, err := varint.Decode(data, off)
		if err != nil {
			return nil, errors.Wrap(ErrCorrupted, err.Error())
		}
		off += n
		if off+int(bitLen) > len(data) {
			return nil, errors.Wrap(ErrCorrupted, "truncated bit array")
		}
		bits := data[off : off+int(bitLen)]
		off += int(bitLen)
		cases[i] = Case{DocID: docID, Filter: FromBitArray(params, bits)}
	}
	return cases, nil
}
