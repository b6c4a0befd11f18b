// Copyright 2011 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package linedoc reads the tab-separated line-doc external format
// (§6) that feeds `wiser index build` and `wiser bloom build`: one
// record per line, column count and meaning depending on the
// requested Format.
package linedoc

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Format selects which trailing columns a line-doc row carries.
type Format int

const (
	// TokenOnly rows are title | body | tokens.
	TokenOnly Format = iota
	// WithOffsets rows add a fourth column of per-term byte-offset
	// groups.
	WithOffsets
	// WithPositions rows add a fourth column of per-term position
	// groups (single integers rather than start,end pairs).
	WithPositions
)

// ParseFormat maps a --format flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "TOKEN_ONLY":
		return TokenOnly, nil
	case "WITH_OFFSETS":
		return WithOffsets, nil
	case "WITH_POSITIONS":
		return WithPositions, nil
	default:
		return 0, errors.Errorf("unknown format %q", s)
	}
}

// Record is one parsed line-doc row. Terms is the full, in-order
// occurrence sequence (so position == index into Terms is correct by
// default); Offsets/Positions, when the format carries them, are
// parallel to Terms and override the default index-based position.
type Record struct {
	Title     string
	Body      string
	Terms     []string
	Offsets   [][2]uint32
	Positions []uint32
}

// Scanner reads successive Records from a line-doc file.
type Scanner struct {
	sc     *bufio.Scanner
	format Format
	limit  int
	read   int
	rec    Record
	err    error
}

// NewScanner wraps r, reading at most limit rows (0 means unlimited).
func NewScanner(r io.Reader, format Format, limit int) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Scanner{sc: sc, format: format, limit: limit}
}

// Scan advances to the next record, returning false at EOF or on the
// first parse error (retrievable via Err).
func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}
	if s.limit > 0 && s.read >= s.limit {
		return false
	}
	if !s.sc.Scan() {
		s.err = s.sc.Err()
		return false
	}
	rec, err := s.parseLine(s.sc.Text())
	if err != nil {
		s.err = err
		return false
	}
	s.rec = rec
	s.read++
	return true
}

// Record returns the row most recently produced by Scan.
func (s *Scanner) Record() Record { return s.rec }

// Err returns the first error encountered, if any.
func (s *Scanner) Err() error { return s.err }

func (s *Scanner) parseLine(line string) (Record, error) {
	cols := strings.Split(line, "\t")
	want := 3
	if s.format != TokenOnly {
		want = 4
	}
	if len(cols) < want {
		return Record{}, errors.Errorf("line-doc row has %d columns, want %d", len(cols), want)
	}

	rec := Record{Title: cols[0], Body: cols[1]}
	if strings.TrimSpace(cols[2]) != "" {
		rec.Terms = strings.Fields(cols[2])
	}
	if s.format == TokenOnly {
		return rec, nil
	}

	groups, err := parseTermGroups(rec.Terms, cols[3])
	if err != nil {
		return Record{}, err
	}
	seen := make(map[string]int, len(groups))
	switch s.format {
	case WithOffsets:
		rec.Offsets = make([][2]uint32, len(rec.Terms))
		for i, term := range rec.Terms {
			occ := seen[term]
			seen[term] = occ + 1
			entries, ok := groups[term]
			if !ok || occ >= len(entries) {
				return Record{}, errors.Errorf("line-doc: missing offset entry for term %q occurrence %d", term, occ)
			}
			off, err := parseOffsetPair(entries[occ])
			if err != nil {
				return Record{}, err
			}
			rec.Offsets[i] = off
		}
	case WithPositions:
		rec.Positions = make([]uint32, len(rec.Terms))
		for i, term := range rec.Terms {
			occ := seen[term]
			seen[term] = occ + 1
			entries, ok := groups[term]
			if !ok || occ >= len(entries) {
				return Record{}, errors.Errorf("line-doc: missing position entry for term %q occurrence %d", term, occ)
			}
			p, err := strconv.ParseUint(entries[occ], 10, 32)
			if err != nil {
				return Record{}, errors.Wrapf(err, "parsing position for term %q", term)
			}
			rec.Positions[i] = uint32(p)
		}
	}
	return rec, nil
}

// parseTermGroups splits a `term1_entries.term2_entries...` column into
// per-term occurrence-entry lists. The dot-separated groups appear in
// the first-seen order of terms within the row's Terms column, the
// same order distinctTerms reconstructs here.
func parseTermGroups(terms []string, col string) (map[string][]string, error) {
	distinct := distinctTerms(terms)
	groupParts := strings.Split(col, ".")
	if strings.TrimSpace(col) == "" {
		groupParts = nil
	}
	if len(groupParts) != len(distinct) {
		return nil, errors.Errorf("line-doc: %d term groups for %d distinct terms", len(groupParts), len(distinct))
	}
	groups := make(map[string][]string, len(distinct))
	for i, term := range distinct {
		groups[term] = strings.Split(groupParts[i], ";")
	}
	return groups, nil
}

func distinctTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	var out []string
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func parseOffsetPair(s string) ([2]uint32, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return [2]uint32{}, errors.Errorf("malformed offset pair %q", s)
	}
	start, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return [2]uint32{}, errors.Wrapf(err, "parsing offset start in %q", s)
	}
	end, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return [2]uint32{}, errors.Wrapf(err, "parsing offset end in %q", s)
	}
	return [2]uint32{uint32(start), uint32(end)}, nil
}
