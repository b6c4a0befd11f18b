// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"container/heap"
	"math"
	"sort"

	"github.com/corpusdb/wiser/posting"
	"github.com/pkg/errors"
)

// Hit is one ranked query result.
type Hit struct {
	DocID uint32
	Score float64
}

// QueryStats reports counters observable from outside a query, used
// by tests to confirm an optimisation actually fired (e.g. bloom
// pruning skipping a positional check) rather than merely producing
// the right answer by coincidence.
type QueryStats struct {
	// PhrasePruned counts candidates a phrase query rejected using
	// the bloom store, without ever decoding their positions.
	PhrasePruned int
}

// Results is a query's ranked output.
type Results struct {
	Hits []Hit
	// Cancelled is set when Cancel fired before the query finished;
	// Hits then holds whatever partial ranking had been produced.
	Cancelled bool
	Stats     QueryStats
}

// QueryOptions configures a single Query/PhraseQuery call.
type QueryOptions struct {
	// TopK bounds the number of ranked hits returned; <= 0 defaults
	// to 10.
	TopK int
	// Cancel, if non-nil, is checked between iterator advances (§5's
	// cooperative cancellation point); a closed/ready channel stops
	// the scan and flags the partial result as cancelled.
	Cancel <-chan struct{}
}

func isCancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// Query runs a conjunctive (AND) search over terms and returns the
// top-K highest BM25-scoring matches, per §4.7. A term absent from the
// index makes the whole query match nothing.
func (e *Engine) Query(terms []string, opts QueryOptions) (Results, error) {
	if e.state != stateQueryable {
		return Results{}, errors.Wrap(ErrClosed, "query on a non-queryable engine")
	}
	if len(terms) == 0 {
		return Results{}, errors.New("engine: empty query")
	}

	plan, ok, err := e.planQuery(terms)
	if err != nil || !ok {
		return Results{}, err
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	h := newTopKHeap(topK)

	cancelled, err := e.forEachMatch(plan, opts.Cancel, func(docID uint32, _ []*posting.Iterator) {
		h.push(Hit{DocID: docID, Score: e.scoreDoc(docID, plan)})
	})
	if err != nil {
		return Results{}, err
	}
	return Results{Hits: h.sorted(), Cancelled: cancelled}, nil
}

// PhraseQuery runs terms as an ordered phrase: a doc matches the
// conjunctive candidate set only if there exists a position p such
// that term[i] occurs at p+i for every i (§4.7's positional phrase
// check), generalised to any phrase length. When a bloom_end store is
// open, each candidate is first tested against the first term's
// recorded filter before any positions are decoded; failing that test
// skips the doc entirely (counted in Stats.PhrasePruned) and false
// positives are tolerated since the positional check below still runs
// on everything that passes.
func (e *Engine) PhraseQuery(terms []string, opts QueryOptions) (Results, error) {
	if e.state != stateQueryable {
		return Results{}, errors.Wrap(ErrClosed, "query on a non-queryable engine")
	}
	if len(terms) < 2 {
		return Results{}, errors.New("engine: phrase query needs at least two terms")
	}

	plan, ok, err := e.planQuery(terms)
	if err != nil || !ok {
		return Results{}, err
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	h := newTopKHeap(topK)
	var stats QueryStats

	var verifyErr error
	cancelled, err := e.forEachMatch(plan, opts.Cancel, func(docID uint32, _ []*posting.Iterator) {
		if verifyErr != nil {
			return
		}
		if e.bloomEnd != nil {
			if f, ok := e.bloomEnd.filterFor(terms[0], docID); ok && !f.Check([]byte(terms[1])) {
				stats.PhrasePruned++
				return
			}
		}
		if e.bloomBegin != nil {
			if f, ok := e.bloomBegin.filterFor(terms[1], docID); ok && !f.Check([]byte(terms[0])) {
				stats.PhrasePruned++
				return
			}
		}
		matched, err := e.verifyPhrase(plan, terms, docID)
		if err != nil {
			verifyErr = err
			return
		}
		if !matched {
			return
		}
		h.push(Hit{DocID: docID, Score: e.scoreDoc(docID, plan)})
	})
	if err == nil {
		err = verifyErr
	}
	if err != nil {
		return Results{}, err
	}
	return Results{Hits: h.sorted(), Cancelled: cancelled, Stats: stats}, nil
}

// queryPlan is the per-query state built once by planQuery: one
// posting-list iterator and doc-frequency per queried term, sorted by
// increasing size (the order the §4.7 intersection scan is driven by)
// alongside a lookup from each term's original position back to its
// sorted slot, so phrase verification can address iterators by the
// phrase's own order.
type queryPlan struct {
	terms []string // original order
	iters []*posting.Iterator
	dfs   []int

	// byOriginal[i] is the index into iters/dfs (sorted order) of
	// terms[i] (original order).
	byOriginal []int
}

// planQuery opens one iterator per term and sorts them by increasing
// posting-list size, returning ok=false (no error) if any term is
// absent from the index — an absent term makes any conjunctive query
// match nothing.
func (e *Engine) planQuery(terms []string) (*queryPlan, bool, error) {
	iters := make([]*posting.Iterator, len(terms))
	dfs := make([]int, len(terms))
	for i, t := range terms {
		off, ok := e.tip.Lookup(t)
		if !ok {
			return nil, false, nil
		}
		if off < 0 || int(off) >= len(e.vacuum) {
			return nil, false, errors.Wrap(ErrCorrupted, "term offset out of range")
		}
		pl, err := posting.Open(e.vacuum[off:])
		if err != nil {
			return nil, false, errors.Wrap(ErrCorrupted, err.Error())
		}
		iters[i] = pl.Iterator()
		dfs[i] = pl.DocFreq()
	}

	order := make([]int, len(terms))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return iters[order[a]].Size() < iters[order[b]].Size() })

	plan := &queryPlan{
		terms:      terms,
		iters:      make([]*posting.Iterator, len(terms)),
		dfs:        make([]int, len(terms)),
		byOriginal: make([]int, len(terms)),
	}
	for sortedIdx, origIdx := range order {
		plan.iters[sortedIdx] = iters[origIdx]
		plan.dfs[sortedIdx] = dfs[origIdx]
		plan.byOriginal[origIdx] = sortedIdx
	}
	return plan, true, nil
}

// forEachMatch runs §4.7's conjunctive intersection algorithm over
// plan's iterators (smallest list first) and calls fn once for every
// doc-id every iterator agrees on, with all iterators still positioned
// there so fn can read term frequencies or decode positions before the
// scan advances past the match.
func (e *Engine) forEachMatch(plan *queryPlan, cancel <-chan struct{}, fn func(docID uint32, iters []*posting.Iterator)) (cancelled bool, err error) {
	iters := plan.iters
	for {
		if isCancelled(cancel) {
			return true, nil
		}
		if iters[0].IsEnd() {
			return false, nil
		}
		candidate := iters[0].DocID()
		matched := true
		for j := 1; j < len(iters); j++ {
			if isCancelled(cancel) {
				return true, nil
			}
			iters[j].AdvanceTo(candidate)
			if iters[j].IsEnd() {
				return false, nil
			}
			if iters[j].DocID() > candidate {
				matched = false
				candidate = iters[j].DocID()
				break
			}
		}
		if !matched {
			iters[0].AdvanceTo(candidate)
			continue
		}
		fn(candidate, iters)
		iters[0].Advance()
	}
}

// verifyPhrase decodes positions for each phrase term (in the plan's
// original order) at the iterators' current doc and checks for a
// common shift p such that terms[i] occurs at p+i for every i.
func (e *Engine) verifyPhrase(plan *queryPlan, terms []string, docID uint32) (bool, error) {
	positionsByTerm := make([][]uint32, len(terms))
	for i := range terms {
		it := plan.iters[plan.byOriginal[i]]
		positions, err := decodePositions(it)
		if err != nil {
			return false, err
		}
		positionsByTerm[i] = positions
	}

	candidates := make(map[uint32]bool, len(positionsByTerm[0]))
	for _, p := range positionsByTerm[0] {
		candidates[p] = true
	}
	for i := 1; i < len(positionsByTerm); i++ {
		set := make(map[uint32]bool, len(positionsByTerm[i]))
		for _, p := range positionsByTerm[i] {
			set[p] = true
		}
		next := make(map[uint32]bool)
		for p := range candidates {
			if set[p+uint32(i)] {
				next[p] = true
			}
		}
		candidates = next
		if len(candidates) == 0 {
			return false, nil
		}
	}
	return len(candidates) > 0, nil
}

func decodePositions(it *posting.Iterator) ([]uint32, error) {
	pit := it.Positions()
	out := make([]uint32, 0, it.TermFreq())
	for {
		v, done, err := pit.Next()
		if err != nil {
			return nil, errors.Wrap(ErrCorrupted, err.Error())
		}
		if done {
			return out, nil
		}
		out = append(out, v)
	}
}

// scoreDoc computes the BM25 score (sum over query terms of
// idf*tfnorm) for docID, using plan's per-term doc-frequency and the
// iterators' current term frequencies.
func (e *Engine) scoreDoc(docID uint32, plan *queryPlan) float64 {
	L := float64(e.docLens.Length(docID))
	lavg := e.docLens.AvgLength()
	if lavg == 0 {
		lavg = 1
	}
	n := float64(e.n)

	var score float64
	for i, it := range plan.iters {
		df := float64(plan.dfs[i])
		tf := float64(it.TermFreq())
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		tfnorm := tf * (BM25K1 + 1) / (tf + BM25K1*(1-BM25B+BM25B*L/lavg))
		score += idf * tfnorm
	}
	return score
}

// hitHeap is a min-heap ordered by "worseness": root is always the
// entry a bounded top-K query would evict first (lowest score, ties
// broken toward the higher doc-id).
type hitHeap []Hit

// betterThan reports whether a outranks b in the §4.7 output order:
// score descending, doc-id ascending on ties.
func betterThan(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.DocID < b.DocID
}

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return betterThan(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topKHeap retains the K highest-scoring hits seen so far.
type topKHeap struct {
	k int
	h hitHeap
}

func newTopKHeap(k int) *topKHeap { return &topKHeap{k: k} }

func (t *topKHeap) push(hit Hit) {
	if t.k <= 0 {
		return
	}
	if len(t.h) < t.k {
		heap.Push(&t.h, hit)
		return
	}
	if betterThan(hit, t.h[0]) {
		t.h[0] = hit
		heap.Fix(&t.h, 0)
	}
}

// sorted returns the retained hits ordered score descending, doc-id
// ascending on ties — the §4.7 ranked output order.
func (t *topKHeap) sorted() []Hit {
	out := append([]Hit(nil), t.h...)
	sort.Slice(out, func(i, j int) bool { return betterThan(out[i], out[j]) })
	return out
}
