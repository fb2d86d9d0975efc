package impl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
)

// Retrieval tuning. Candidate limits are per stage; result caps are what the
// editor actually shows.
const (
	rerankedCandidateLimit = 150
	plainCandidateLimit    = 50
	fusedFetchLimit        = 100 // per-arm fetch for hybrid and bm25 strategies
	rerankDepth            = 50
	minSimilarity          = 0.35

	baselineResultCap = 10
	enhancedResultCap = 15
)

// Hybrid fusion weights over max-normalised score sets. The bm25 strategy
// keeps a sliver of dense signal as a tie-breaker.
const (
	hybridDenseWeight = 0.6
	hybridBM25Weight  = 0.4
	bm25DenseWeight   = 0.1
	bm25SparseWeight  = 0.9
)

// Rerank blending. The cross-encoder dominates but retrieval order still
// contributes; editor context shifts the blend when present.
const (
	rerankWeight    = 0.7
	retrievalWeight = 0.3
	contextWeight   = 0.2
)

// Baseline ranking component weights. Preference is a fixed neutral value
// until per-user preference modelling lands.
const (
	baseDenseWeight      = 0.40
	baseContextWeight    = 0.25
	baseQualityWeight    = 0.15
	baseRecencyWeight    = 0.10
	basePreferenceWeight = 0.10
	neutralPreference    = 0.5
)

// Confidence class boundaries. Results below the low boundary are dropped;
// the enhanced path demands strictly more than the boundary.
const (
	confidenceHigh   = 0.85
	confidenceMedium = 0.70
	confidenceLow    = 0.50
)

type retrievalServiceImpl struct {
	db       *gorm.DB
	store    services.VectorStore
	sparse   services.SparseIndex
	embedder services.EmbeddingService
	reranker services.Reranker
	cache    services.SuggestionCache

	rerankerEnabled bool
	refreshing      atomic.Bool
}

func NewRetrievalService(
	db *gorm.DB,
	store services.VectorStore,
	sparse services.SparseIndex,
	embedder services.EmbeddingService,
	reranker services.Reranker,
	cache services.SuggestionCache,
	rerankerEnabled bool,
) services.RetrievalService {
	return &retrievalServiceImpl{
		db:              db,
		store:           store,
		sparse:          sparse,
		embedder:        embedder,
		reranker:        reranker,
		cache:           cache,
		rerankerEnabled: rerankerEnabled,
	}
}

// candidate is one chunk moving through the scoring stages.
type candidate struct {
	services.ChunkSearchResult
	denseScore   float64
	sparseScore  float64
	hybridScore  float64
	rerankScore  float64
	contextMatch float64
	finalScore   float64
}

// GetSuggestions is the baseline path: dense retrieval only, ranked by the
// multi-component policy.
func (r *retrievalServiceImpl) GetSuggestions(ctx context.Context, text string, textCtx *models.TextContext, userID string) ([]models.Suggestion, error) {
	query := buildQuery(text, textCtx)
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	cacheKey := r.cache.Key(userID, query, models.SearchStrategyVector, false)
	if cached, ok := r.cache.Get(ctx, cacheKey); ok {
		return cached, nil
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := r.store.DenseSearch(ctx, queryVec, plainCandidateLimit, minSimilarity, services.SearchFilters{})
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, len(results))
	for i, res := range results {
		candidates[i] = candidate{ChunkSearchResult: res, denseScore: res.Similarity}
	}
	candidates = bestChunkPerPaper(candidates, func(c candidate) float64 { return c.denseScore })

	papers, err := r.loadPapers(ctx, candidates)
	if err != nil {
		return nil, err
	}

	ranked := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		paper := papers[c.PaperID]
		if paper == nil {
			continue
		}
		c.finalScore = clamp01(baseDenseWeight*c.denseScore +
			baseContextWeight*contextScore(textCtx, c.Text, paper) +
			baseQualityWeight*qualityScore(paper) +
			baseRecencyWeight*recencyScore(paper.Year) +
			basePreferenceWeight*neutralPreference)
		if c.finalScore < confidenceLow {
			continue
		}
		ranked = append(ranked, c)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].finalScore > ranked[j].finalScore
	})
	if len(ranked) > baselineResultCap {
		ranked = ranked[:baselineResultCap]
	}

	suggestions := r.toSuggestions(ranked, papers)
	r.cache.Set(ctx, cacheKey, suggestions)
	return suggestions, nil
}

// GetSuggestionsEnhanced runs the selected candidate strategy and optionally
// reranks the head of the fused list with the cross-encoder.
func (r *retrievalServiceImpl) GetSuggestionsEnhanced(ctx context.Context, text string, textCtx *models.TextContext, userID string, opts models.SuggestOptions) ([]models.Suggestion, error) {
	query := buildQuery(text, textCtx)
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	strategy := opts.SearchStrategy
	if strategy == "" {
		strategy = models.SearchStrategyHybrid
	}
	useReranking := opts.UseReranking && r.rerankerEnabled && r.reranker != nil

	cacheKey := r.cache.Key(userID, query, strategy, useReranking)
	if cached, ok := r.cache.Get(ctx, cacheKey); ok {
		return cached, nil
	}

	candidates, err := r.gatherCandidates(ctx, query, strategy, useReranking, opts)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].hybridScore > candidates[j].hybridScore
	})

	papers, err := r.loadPapers(ctx, candidates)
	if err != nil {
		return nil, err
	}

	// Rerank the head of the fused list; everything past the window keeps its
	// retrieval score.
	depth := 0
	if useReranking {
		depth = rerankDepth
		if depth > len(candidates) {
			depth = len(candidates)
		}
		if err := r.rerank(ctx, query, textCtx, candidates[:depth], papers); err != nil {
			// Reranker trouble degrades to hybrid order instead of failing
			// the request.
			if !errors.Is(err, services.ErrRerankerUnavailable) {
				return nil, err
			}
			log.Printf("Reranker unavailable, falling back to retrieval order: %v", err)
			depth = 0
		}
	}
	for i := range candidates {
		if i >= depth {
			candidates[i].rerankScore = 0
			candidates[i].contextMatch = 0
			candidates[i].finalScore = candidates[i].hybridScore
		}
	}

	candidates = bestChunkPerPaper(candidates, func(c candidate) float64 { return c.finalScore })
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].finalScore > candidates[j].finalScore
	})

	kept := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.finalScore > confidenceLow {
			kept = append(kept, c)
		}
	}

	limit := enhancedResultCap
	if opts.MaxResults > 0 && opts.MaxResults < limit {
		limit = opts.MaxResults
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}

	suggestions := r.toSuggestions(kept, papers)
	r.cache.Set(ctx, cacheKey, suggestions)
	return suggestions, nil
}

// gatherCandidates runs dense and sparse retrieval (in parallel for fused
// strategies) and fuses the max-normalised score sets.
func (r *retrievalServiceImpl) gatherCandidates(ctx context.Context, query string, strategy models.SearchStrategy, useReranking bool, opts models.SuggestOptions) ([]candidate, error) {
	filters := services.SearchFilters{YearFrom: opts.YearFrom, YearTo: opts.YearTo}

	denseLimit := plainCandidateLimit
	if useReranking {
		denseLimit = rerankedCandidateLimit
	}
	sparseLimit := 0
	if strategy != models.SearchStrategyVector {
		// Fused strategies pull a fixed window from each arm.
		denseLimit = fusedFetchLimit
		sparseLimit = fusedFetchLimit
	}

	var dense []services.ChunkSearchResult
	var sparse []services.SparseHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		queryVec, err := r.embedder.Embed(gctx, query)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		dense, err = r.store.DenseSearch(gctx, queryVec, denseLimit, minSimilarity, filters)
		return err
	})
	if sparseLimit > 0 {
		g.Go(func() error {
			if err := r.ensureSparseFitted(gctx); err != nil {
				return err
			}
			sparse = r.sparse.Search(query, sparseLimit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byChunk := make(map[uuid.UUID]*candidate, len(dense))
	order := make([]uuid.UUID, 0, len(dense))
	for _, res := range dense {
		c := &candidate{ChunkSearchResult: res, denseScore: res.Similarity}
		byChunk[res.ChunkID] = c
		order = append(order, res.ChunkID)
	}
	for _, hit := range sparse {
		if c, ok := byChunk[hit.ChunkID]; ok {
			c.sparseScore = hit.Score
			continue
		}
		// Sparse-only hits need their chunk rows; fetch lazily in one query
		// after the loop.
		byChunk[hit.ChunkID] = &candidate{sparseScore: hit.Score}
		order = append(order, hit.ChunkID)
	}

	if err := r.hydrateSparseOnly(ctx, byChunk); err != nil {
		return nil, err
	}

	denseMax, sparseMax := 0.0, 0.0
	for _, c := range byChunk {
		denseMax = math.Max(denseMax, c.denseScore)
		sparseMax = math.Max(sparseMax, c.sparseScore)
	}

	denseWeight, sparseWeight := fusionWeights(strategy)
	candidates := make([]candidate, 0, len(order))
	for _, id := range order {
		c := byChunk[id]
		if c.ChunkID == uuid.Nil {
			continue // sparse hit whose chunk row vanished under us
		}
		dn, sn := 0.0, 0.0
		if denseMax > 0 {
			dn = c.denseScore / denseMax
		}
		if sparseMax > 0 {
			sn = c.sparseScore / sparseMax
		}
		c.hybridScore = denseWeight*dn + sparseWeight*sn
		candidates = append(candidates, *c)
	}
	return candidates, nil
}

func fusionWeights(strategy models.SearchStrategy) (dense, sparse float64) {
	switch strategy {
	case models.SearchStrategyVector:
		return 1.0, 0.0
	case models.SearchStrategyBM25:
		return bm25DenseWeight, bm25SparseWeight
	default:
		return hybridDenseWeight, hybridBM25Weight
	}
}

// hydrateSparseOnly fills chunk fields for candidates found only by BM25.
func (r *retrievalServiceImpl) hydrateSparseOnly(ctx context.Context, byChunk map[uuid.UUID]*candidate) error {
	var missing []uuid.UUID
	for id, c := range byChunk {
		if c.ChunkID == uuid.Nil {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var chunks []models.PaperChunk
	if err := r.db.WithContext(ctx).Where("id IN ?", missing).Find(&chunks).Error; err != nil {
		return fmt.Errorf("%w: hydrate sparse hits: %v", services.ErrStoreUnavailable, err)
	}
	for _, chunk := range chunks {
		c := byChunk[chunk.ID]
		c.ChunkID = chunk.ID
		c.PaperID = chunk.PaperID
		c.Text = chunk.ChunkText
		c.ChunkIndex = chunk.ChunkIndex
		c.SectionTitle = chunk.SectionTitle
		c.ChunkType = chunk.ChunkType
		c.PageStart = chunk.PageStart
		c.PageEnd = chunk.PageEnd
		c.Boundaries = chunk.Boundaries()
	}
	return nil
}

// rerank scores the window with the cross-encoder and blends the result with
// retrieval order. With editor context present, passages are scored a second
// time against the cursor neighbourhood and that match is folded in.
func (r *retrievalServiceImpl) rerank(ctx context.Context, query string, textCtx *models.TextContext, candidates []candidate, papers map[uuid.UUID]*models.Paper) error {
	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = rerankPassage(papers[c.PaperID], c.Text)
	}

	scores, err := r.reranker.Score(ctx, query, passages)
	if err != nil {
		return err
	}
	for i := range candidates {
		candidates[i].rerankScore = scores[i]
		candidates[i].finalScore = rerankWeight*scores[i] + retrievalWeight*candidates[i].hybridScore
	}

	contextQuery := contextString(textCtx)
	if contextQuery == "" {
		return nil
	}
	matches, err := r.reranker.Score(ctx, contextQuery, passages)
	if err != nil {
		return err
	}
	for i := range candidates {
		candidates[i].contextMatch = matches[i]
		candidates[i].finalScore = (candidates[i].finalScore + contextWeight*matches[i]) / (1 + contextWeight)
	}
	return nil
}

const rerankAbstractLimit = 200

// rerankPassage frames a chunk with its paper's title and truncated abstract,
// newline-separated, the shape the cross-encoder is tuned on.
func rerankPassage(paper *models.Paper, chunkText string) string {
	parts := make([]string, 0, 3)
	if paper != nil {
		if paper.Title != "" {
			parts = append(parts, paper.Title)
		}
		if paper.Abstract != "" {
			abstract := paper.Abstract
			if len(abstract) > rerankAbstractLimit {
				abstract = abstract[:rerankAbstractLimit]
			}
			parts = append(parts, abstract)
		}
	}
	parts = append(parts, chunkText)
	return strings.Join(parts, "\n")
}

// contextString concatenates the cursor neighbourhood, in reading order, for
// the context-match pass.
func contextString(textCtx *models.TextContext) string {
	if textCtx == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	for _, sentence := range []string{textCtx.PreviousSentence, textCtx.CurrentSentence, textCtx.NextSentence} {
		if sentence != "" {
			parts = append(parts, sentence)
		}
	}
	return strings.Join(parts, " ")
}

// ensureSparseFitted builds the BM25 index on first use.
func (r *retrievalServiceImpl) ensureSparseFitted(ctx context.Context) error {
	if r.sparse.Fitted() {
		return nil
	}
	return r.fitSparse(ctx)
}

func (r *retrievalServiceImpl) fitSparse(ctx context.Context) error {
	chunks, err := r.store.AllChunks(ctx)
	if err != nil {
		return err
	}
	docs := make([]services.SparseDocument, len(chunks))
	for i, chunk := range chunks {
		docs[i] = services.SparseDocument{
			ChunkID: chunk.ChunkID,
			PaperID: chunk.PaperID,
			Text:    chunk.Text,
		}
	}
	r.sparse.Fit(docs)
	return nil
}

// RefreshIndex refits BM25 in the background and drops cached responses.
// Concurrent calls collapse into one refit.
func (r *retrievalServiceImpl) RefreshIndex() {
	if !r.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.refreshing.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := r.fitSparse(ctx); err != nil {
			log.Printf("BM25 refit failed: %v", err)
			return
		}
		if err := r.cache.Invalidate(ctx, "suggest:*"); err != nil {
			log.Printf("Cache invalidation failed: %v", err)
		}
	}()
}

func (r *retrievalServiceImpl) loadPapers(ctx context.Context, candidates []candidate) (map[uuid.UUID]*models.Paper, error) {
	seen := make(map[uuid.UUID]bool, len(candidates))
	var ids []uuid.UUID
	for _, c := range candidates {
		if !seen[c.PaperID] && c.PaperID != uuid.Nil {
			seen[c.PaperID] = true
			ids = append(ids, c.PaperID)
		}
	}
	if len(ids) == 0 {
		return map[uuid.UUID]*models.Paper{}, nil
	}

	var papers []models.Paper
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&papers).Error; err != nil {
		return nil, fmt.Errorf("%w: load papers: %v", services.ErrStoreUnavailable, err)
	}

	byID := make(map[uuid.UUID]*models.Paper, len(papers))
	for i := range papers {
		byID[papers[i].ID] = &papers[i]
	}
	return byID, nil
}

// bestChunkPerPaper keeps only the highest-scoring chunk of each paper.
func bestChunkPerPaper(candidates []candidate, score func(candidate) float64) []candidate {
	best := make(map[uuid.UUID]int, len(candidates))
	var out []candidate
	for _, c := range candidates {
		if idx, ok := best[c.PaperID]; ok {
			if score(c) > score(out[idx]) {
				out[idx] = c
			}
			continue
		}
		best[c.PaperID] = len(out)
		out = append(out, c)
	}
	return out
}

func (r *retrievalServiceImpl) toSuggestions(candidates []candidate, papers map[uuid.UUID]*models.Paper) []models.Suggestion {
	suggestions := make([]models.Suggestion, 0, len(candidates))
	for _, c := range candidates {
		paper := papers[c.PaperID]
		if paper == nil {
			continue
		}

		authors := paper.AuthorList()
		sugg := models.Suggestion{
			PaperID:       paper.ID.String(),
			Title:         paper.Title,
			Authors:       authors,
			Year:          paper.Year,
			Abstract:      paper.Abstract,
			Confidence:    clamp01(c.finalScore),
			CitationStyle: "author-year",
			DisplayText:   FormatCitation(authors, paper.Year),

			ChunkText:    c.Text,
			ChunkIndex:   c.ChunkIndex,
			ChunkID:      c.ChunkID.String(),
			SectionTitle: c.SectionTitle,
			ChunkType:    c.ChunkType,

			PageStart:      c.PageStart,
			PageEnd:        c.PageEnd,
			PageBoundaries: c.Boundaries,

			Scores: models.SuggestionScores{
				Dense:      c.denseScore,
				BM25:       c.sparseScore,
				Hybrid:     c.hybridScore,
				Rerank:     c.rerankScore,
				Confidence: clamp01(c.finalScore),
			},
			Metadata: map[string]interface{}{
				"confidenceLevel": ConfidenceLevel(clamp01(c.finalScore)),
				"relevanceScores": map[string]float64{
					"dense":        c.denseScore,
					"bm25":         c.sparseScore,
					"hybrid":       c.hybridScore,
					"rerank":       c.rerankScore,
					"contextMatch": c.contextMatch,
				},
			},
		}
		suggestions = append(suggestions, sugg)
	}
	return suggestions
}

// buildQuery assembles the retrieval query from the cursor neighbourhood,
// falling back to the raw snapshot when no context was extracted.
func buildQuery(text string, textCtx *models.TextContext) string {
	if textCtx == nil || textCtx.CurrentSentence == "" {
		return strings.TrimSpace(text)
	}
	parts := make([]string, 0, 2)
	if textCtx.PreviousSentence != "" {
		parts = append(parts, textCtx.PreviousSentence)
	}
	parts = append(parts, textCtx.CurrentSentence)
	return strings.Join(parts, " ")
}

// contextScore rewards candidates whose chunk shares vocabulary with the
// sentence just finished, and whose abstract opening echoes the sentence in
// progress. Starts at the neutral midpoint; each overlap is capped.
func contextScore(textCtx *models.TextContext, chunkText string, paper *models.Paper) float64 {
	score := neutralPreference
	if textCtx == nil {
		return score
	}
	if textCtx.PreviousSentence != "" {
		overlap := float64(tokenOverlap(chunkText, textCtx.PreviousSentence))
		score += math.Min(overlap*0.1, 0.3)
	}
	if textCtx.CurrentSentence != "" && paper != nil && paper.Abstract != "" {
		overlap := float64(tokenOverlap(textCtx.CurrentSentence, abstractHead(paper.Abstract, 50)))
		score += math.Min(overlap*0.02, 0.2)
	}
	return score
}

// abstractHead returns the first n whitespace-separated words of an abstract.
func abstractHead(abstract string, n int) string {
	words := strings.Fields(abstract)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// tokenOverlap counts the distinct index terms two texts share.
func tokenOverlap(a, b string) int {
	terms := make(map[string]bool)
	for _, tok := range tokenize(a) {
		terms[tok] = true
	}
	overlap := 0
	for _, tok := range tokenize(b) {
		if terms[tok] {
			overlap++
			delete(terms, tok)
		}
	}
	return overlap
}

// qualityScore folds citation count and venue rank into [0,1]. Papers with
// neither signal sit at the neutral midpoint.
func qualityScore(paper *models.Paper) float64 {
	score := 0.5
	switch {
	case paper.CitationCount >= 100:
		score += 0.3
	case paper.CitationCount >= 10:
		score += 0.2
	}
	switch strings.ToUpper(strings.TrimSpace(paper.VenueRank)) {
	case "A+", "A":
		score += 0.2
	case "B":
		score += 0.1
	}
	return score
}

// recencyScore steps down with publication age. Papers without a year sit at
// the neutral midpoint rather than being treated as ancient.
func recencyScore(year *int) float64 {
	if year == nil {
		return 0.5
	}
	age := time.Now().Year() - *year
	switch {
	case age <= 2:
		return 1.0
	case age <= 5:
		return 0.8
	case age <= 10:
		return 0.6
	default:
		return math.Max(0.3, 1.0-float64(age)*0.02)
	}
}

// ConfidenceLevel maps a final score to its display class.
func ConfidenceLevel(score float64) string {
	switch {
	case score >= confidenceHigh:
		return "high"
	case score >= confidenceMedium:
		return "medium"
	case score >= confidenceLow:
		return "low"
	default:
		return "weak"
	}
}

// FormatCitation renders the author-year display string. Multi-author papers
// collapse to "et al." after the first author's surname.
func FormatCitation(authors []string, year *int) string {
	yearStr := "n.d."
	if year != nil {
		yearStr = fmt.Sprintf("%d", *year)
	}

	switch {
	case len(authors) == 0:
		return fmt.Sprintf("(Unknown, %s)", yearStr)
	case len(authors) == 1:
		return fmt.Sprintf("(%s, %s)", surname(authors[0]), yearStr)
	default:
		return fmt.Sprintf("(%s et al., %s)", surname(authors[0]), yearStr)
	}
}

// surname extracts the family name from "First Last" or "Last, First" forms.
func surname(author string) string {
	author = strings.TrimSpace(author)
	if idx := strings.Index(author, ","); idx >= 0 {
		return strings.TrimSpace(author[:idx])
	}
	fields := strings.Fields(author)
	if len(fields) == 0 {
		return author
	}
	return fields[len(fields)-1]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
