package impl

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/scholarcite/citation-backend/services"
)

// BM25 parameters. Standard Okapi defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// stopWords excluded from both documents and queries.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "in": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "were": true,
	"which": true, "with": true,
}

type bm25Posting struct {
	docIdx int
	tf     int
}

// bm25Index implements services.SparseIndex with an in-memory inverted index.
// Fit replaces the whole index under the write lock; searches during a refit
// block until it completes.
type bm25Index struct {
	mu sync.RWMutex

	docs      []services.SparseDocument
	docLens   []int
	avgDocLen float64
	postings  map[string][]bm25Posting
	idf       map[string]float64
	fitted    bool
}

func NewBM25Index() services.SparseIndex {
	return &bm25Index{}
}

// tokenize lowercases, splits on non-alphanumerics, and drops stop words and
// tokens of two characters or fewer.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, tok := range fields {
		if len(tok) <= 2 || stopWords[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

func (idx *bm25Index) Fit(docs []services.SparseDocument) {
	postings := make(map[string][]bm25Posting)
	docLens := make([]int, len(docs))
	totalLen := 0

	for i, doc := range docs {
		tokens := tokenize(doc.Text)
		docLens[i] = len(tokens)
		totalLen += len(tokens)

		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		for tok, count := range tf {
			postings[tok] = append(postings[tok], bm25Posting{docIdx: i, tf: count})
		}
	}

	avgDocLen := 0.0
	if len(docs) > 0 {
		avgDocLen = float64(totalLen) / float64(len(docs))
	}

	n := float64(len(docs))
	idf := make(map[string]float64, len(postings))
	for tok, plist := range postings {
		df := float64(len(plist))
		idf[tok] = math.Log((n-df+0.5)/(df+0.5) + 1)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docs = append([]services.SparseDocument(nil), docs...)
	idx.docLens = docLens
	idx.avgDocLen = avgDocLen
	idx.postings = postings
	idx.idf = idf
	idx.fitted = true
}

func (idx *bm25Index) Fitted() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.fitted
}

func (idx *bm25Index) Search(query string, topK int) []services.SparseHit {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 || topK <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if !idx.fitted || len(idx.docs) == 0 {
		return nil
	}

	scores := make(map[int]float64)
	for _, tok := range queryTokens {
		plist, ok := idx.postings[tok]
		if !ok {
			continue
		}
		idfVal := idx.idf[tok]
		for _, posting := range plist {
			tf := float64(posting.tf)
			docLen := float64(idx.docLens[posting.docIdx])
			denom := tf + bm25K1*(1-bm25B+bm25B*docLen/idx.avgDocLen)
			scores[posting.docIdx] += idfVal * tf * (bm25K1 + 1) / denom
		}
	}

	hits := make([]services.SparseHit, 0, len(scores))
	for docIdx, score := range scores {
		if score <= 0 {
			continue
		}
		hits = append(hits, services.SparseHit{
			ChunkID: idx.docs[docIdx].ChunkID,
			Score:   score,
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
