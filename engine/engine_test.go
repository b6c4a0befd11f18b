// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/corpusdb/wiser/bloom"
	"github.com/stretchr/testify/require"
)

func tokenize(body string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(body); i++ {
		if i < len(body) && body[i] != ' ' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, body[start:i])
			start = -1
		}
	}
	return out
}

func buildIndex(t *testing.T, dir string, bodies []string) {
	t.Helper()
	b, err := NewBuilder(dir)
	require.NoError(t, err)
	for _, body := range bodies {
		_, err := b.AddDocument(Document{Body: []byte(body), Terms: tokenize(body)})
		require.NoError(t, err)
	}
	require.NoError(t, b.Seal())
}

func TestTwoDocOneTerm(t *testing.T) {
	dir := t.TempDir()
	buildIndex(t, dir, []string{"hello world", "hello"})

	eng, err := Open(dir)
	require.NoError(t, err)
	defer eng.Close()

	res, err := eng.Query([]string{"hello"}, QueryOptions{TopK: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)

	scores := map[uint32]float64{}
	for _, h := range res.Hits {
		scores[h.DocID] = h.Score
	}
	require.Greater(t, scores[1], scores[0])
}

func TestPhraseAbsentIsPrunedWithoutPositionalCheck(t *testing.T) {
	dir := t.TempDir()
	bodies := []string{"hello world", "hello"}
	buildIndex(t, dir, bodies)

	docs := make([][]string, len(bodies))
	for i, b := range bodies {
		docs[i] = tokenize(b)
	}
	store := BuildBloomStore(docs, true, bloom.Params{Ratio: 0.01, ExpectedEntries: 8})
	require.NoError(t, WriteBloomFiles(dir, "bloom_end", store, BloomEndMagic))

	eng, err := Open(dir)
	require.NoError(t, err)
	defer eng.Close()

	res, err := eng.PhraseQuery([]string{"hello", "there"}, QueryOptions{TopK: 10})
	require.NoError(t, err)
	require.Empty(t, res.Hits)
	require.Equal(t, 0, res.Stats.PhrasePruned, "no candidate doc even reaches the bloom check: \"there\" isn't indexed")
}

func TestPhraseFoundPastBloomPrune(t *testing.T) {
	dir := t.TempDir()
	bodies := []string{"hello world", "hello world again", "world hello"}
	buildIndex(t, dir, bodies)

	docs := make([][]string, len(bodies))
	for i, b := range bodies {
		docs[i] = tokenize(b)
	}
	store := BuildBloomStore(docs, true, bloom.Params{Ratio: 0.01, ExpectedEntries: 8})
	require.NoError(t, WriteBloomFiles(dir, "bloom_end", store, BloomEndMagic))

	eng, err := Open(dir)
	require.NoError(t, err)
	defer eng.Close()

	res, err := eng.PhraseQuery([]string{"hello", "world"}, QueryOptions{TopK: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	hitDocs := map[uint32]bool{}
	for _, h := range res.Hits {
		hitDocs[h.DocID] = true
	}
	require.True(t, hitDocs[0])
	require.True(t, hitDocs[1])
	require.False(t, hitDocs[2], "doc 2 has the words adjacent but reversed")

	resBad, err := eng.PhraseQuery([]string{"world", "hello"}, QueryOptions{TopK: 10})
	require.NoError(t, err)
	require.Len(t, resBad.Hits, 1)
	require.Equal(t, uint32(2), resBad.Hits[0].DocID)
}

func TestSkipListSeekExistence(t *testing.T) {
	dir := t.TempDir()
	n := 10000
	bodies := make([]string, n)
	for i := range bodies {
		// every doc contains the shared term plus a unique token, so
		// doc-ids 0..n-1 all carry a posting for "common".
		bodies[i] = "common tok" + strconv.Itoa(i)
	}
	buildIndex(t, dir, bodies)

	eng, err := Open(dir)
	require.NoError(t, err)
	defer eng.Close()

	res, err := eng.Query([]string{"common", "tok9999"}, QueryOptions{TopK: 1})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	require.Equal(t, uint32(9999), res.Hits[0].DocID)
}

func TestCorruptionDetected(t *testing.T) {
	dir := t.TempDir()
	buildIndex(t, dir, []string{"hello world", "hello"})

	vacuum, err := os.ReadFile(filepath.Join(dir, "my.vacuum"))
	require.NoError(t, err)
	vacuum[0] = 0x00
	require.NoError(t, os.WriteFile(filepath.Join(dir, "my.vacuum"), vacuum, 0644))

	_, err = Open(dir)
	require.ErrorIs(t, err, ErrCorrupted, "every posting list's magic byte is checked at Open, not deferred to query time")
}

func TestConcurrentQueriesMatchSingleThreaded(t *testing.T) {
	dir := t.TempDir()
	r := rand.New(rand.NewSource(7))
	vocab := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	n := 500
	bodies := make([]string, n)
	for i := range bodies {
		terms := make([]string, 3+r.Intn(5))
		for j := range terms {
			terms[j] = vocab[r.Intn(len(vocab))]
		}
		body := ""
		for j, term := range terms {
			if j > 0 {
				body += " "
			}
			body += term
		}
		bodies[i] = body
	}
	buildIndex(t, dir, bodies)

	eng, err := Open(dir)
	require.NoError(t, err)
	defer eng.Close()

	want, err := eng.Query([]string{"alpha", "beta"}, QueryOptions{TopK: 10})
	require.NoError(t, err)

	const workers = 8
	const perWorker = 125
	results := make(chan Results, workers*perWorker)
	for w := 0; w < workers; w++ {
		go func() {
			for i := 0; i < perWorker; i++ {
				got, err := eng.Query([]string{"alpha", "beta"}, QueryOptions{TopK: 10})
				require.NoError(t, err)
				results <- got
			}
		}()
	}
	for i := 0; i < workers*perWorker; i++ {
		got := <-results
		require.Equal(t, want.Hits, got.Hits)
	}
}

func TestAddDocumentAfterSealIsRejected(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuilder(dir)
	require.NoError(t, err)
	_, err = b.AddDocument(Document{Body: []byte("x"), Terms: []string{"x"}})
	require.NoError(t, err)
	require.NoError(t, b.Seal())

	_, err = b.AddDocument(Document{Body: []byte("y"), Terms: []string{"y"}})
	require.ErrorIs(t, err, ErrSealed)
}

func TestOpenCloseIsIdempotentOnFileBytes(t *testing.T) {
	dir := t.TempDir()
	buildIndex(t, dir, []string{"hello world", "goodbye world"})

	before := map[string][]byte{}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		before[e.Name()] = data
	}

	eng, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	for name, want := range before {
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		require.Equal(t, want, got, "file %s mutated by open/close", name)
	}
}

func TestQueryOnClosedEngine(t *testing.T) {
	dir := t.TempDir()
	buildIndex(t, dir, []string{"hello world"})
	eng, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = eng.Query([]string{"hello"}, QueryOptions{})
	require.ErrorIs(t, err, ErrClosed)

	err = eng.Close()
	require.ErrorIs(t, err, ErrClosed)
}

func TestMissingTermMatchesNothing(t *testing.T) {
	dir := t.TempDir()
	buildIndex(t, dir, []string{"hello world"})
	eng, err := Open(dir)
	require.NoError(t, err)
	defer eng.Close()

	res, err := eng.Query([]string{"hello", "nonexistent"}, QueryOptions{})
	require.NoError(t, err)
	require.Empty(t, res.Hits)
}
