package impl

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
)

func TestFormatCitation(t *testing.T) {
	year := 2021

	tests := []struct {
		name    string
		authors []string
		year    *int
		want    string
	}{
		{"single author", []string{"Ada Lovelace"}, &year, "(Lovelace, 2021)"},
		{"two authors collapse", []string{"Ada Lovelace", "Alan Turing"}, &year, "(Lovelace et al., 2021)"},
		{"three authors collapse", []string{"Ada Lovelace", "Alan Turing", "Grace Hopper"}, &year, "(Lovelace et al., 2021)"},
		{"no year", []string{"Ada Lovelace"}, nil, "(Lovelace, n.d.)"},
		{"no authors", nil, &year, "(Unknown, 2021)"},
		{"surname-first form", []string{"Lovelace, Ada"}, &year, "(Lovelace, 2021)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatCitation(tt.authors, tt.year))
		})
	}
}

func TestConfidenceLevel(t *testing.T) {
	assert.Equal(t, "high", ConfidenceLevel(0.9))
	assert.Equal(t, "high", ConfidenceLevel(0.85))
	assert.Equal(t, "medium", ConfidenceLevel(0.75))
	assert.Equal(t, "low", ConfidenceLevel(0.6))
	assert.Equal(t, "weak", ConfidenceLevel(0.4))
}

func TestFusionWeights(t *testing.T) {
	dense, sparse := fusionWeights(models.SearchStrategyVector)
	assert.Equal(t, 1.0, dense)
	assert.Equal(t, 0.0, sparse)

	dense, sparse = fusionWeights(models.SearchStrategyHybrid)
	assert.Equal(t, 0.6, dense)
	assert.Equal(t, 0.4, sparse)

	dense, sparse = fusionWeights(models.SearchStrategyBM25)
	assert.Equal(t, 0.1, dense)
	assert.Equal(t, 0.9, sparse)
}

func TestRecencyScore(t *testing.T) {
	now := time.Now().Year()

	fresh := now - 1
	recent := now - 4
	decade := now - 9
	ancient := now - 40

	assert.Equal(t, 1.0, recencyScore(&fresh))
	assert.Equal(t, 0.8, recencyScore(&recent))
	assert.Equal(t, 0.6, recencyScore(&decade))
	assert.Equal(t, 0.3, recencyScore(&ancient), "floor holds for very old papers")
	assert.Equal(t, 0.5, recencyScore(nil), "unknown year is neutral")
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name  string
		paper models.Paper
		want  float64
	}{
		{"no signals", models.Paper{}, 0.5},
		{"well cited", models.Paper{CitationCount: 150}, 0.8},
		{"modestly cited", models.Paper{CitationCount: 12}, 0.7},
		{"barely cited", models.Paper{CitationCount: 9}, 0.5},
		{"top venue", models.Paper{VenueRank: "A+"}, 0.7},
		{"top venue lowercase", models.Paper{VenueRank: "a"}, 0.7},
		{"mid venue", models.Paper{VenueRank: "B"}, 0.6},
		{"both maxed", models.Paper{CitationCount: 500, VenueRank: "A"}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, qualityScore(&tt.paper), 1e-9)
		})
	}
}

func TestContextScore(t *testing.T) {
	t.Run("no context is neutral", func(t *testing.T) {
		assert.Equal(t, 0.5, contextScore(nil, "any chunk text", &models.Paper{}))
		assert.Equal(t, 0.5, contextScore(&models.TextContext{}, "any chunk text", &models.Paper{}))
	})

	t.Run("previous-sentence overlap raises the score", func(t *testing.T) {
		textCtx := &models.TextContext{
			PreviousSentence: "attention mechanisms for sequence transduction",
		}
		chunk := "transformer attention mechanisms dominate sequence modelling"
		// three shared terms hit the 0.3 cap
		assert.InDelta(t, 0.8, contextScore(textCtx, chunk, nil), 1e-9)
	})

	t.Run("abstract overlap raises the score", func(t *testing.T) {
		textCtx := &models.TextContext{
			CurrentSentence: "We study retrieval augmentation for citation suggestion",
		}
		paper := &models.Paper{
			Abstract: "Citation suggestion systems recommend references while the author writes.",
		}
		// two shared terms at 0.02 each
		assert.InDelta(t, 0.54, contextScore(textCtx, "unrelated chunk words", paper), 1e-9)
	})

	t.Run("both components cap at one", func(t *testing.T) {
		sentence := "dense sparse hybrid retrieval ranking reranking scoring citation suggestion corpus"
		textCtx := &models.TextContext{
			PreviousSentence: "alpha beta gamma delta",
			CurrentSentence:  sentence,
		}
		paper := &models.Paper{Abstract: sentence}
		assert.InDelta(t, 1.0, contextScore(textCtx, "alpha beta gamma delta", paper), 1e-9)
	})
}

func TestTokenOverlap(t *testing.T) {
	assert.Equal(t, 2, tokenOverlap("neural networks learn representations", "deep neural networks"))
	assert.Equal(t, 0, tokenOverlap("the of and", "completely different words"), "stop words never overlap")
	assert.Equal(t, 1, tokenOverlap("graph graph graph", "graph theory"), "repeats count once")
}

func TestAbstractHead(t *testing.T) {
	words := make([]string, 60)
	for i := range words {
		words[i] = "word"
	}
	head := abstractHead(strings.Join(words, " "), 50)
	assert.Len(t, strings.Fields(head), 50)

	assert.Equal(t, "short abstract", abstractHead("short abstract", 50))
}

func TestContextString(t *testing.T) {
	assert.Equal(t, "", contextString(nil))
	assert.Equal(t, "", contextString(&models.TextContext{}))

	textCtx := &models.TextContext{
		PreviousSentence: "Before.",
		CurrentSentence:  "Now.",
		NextSentence:     "After.",
	}
	assert.Equal(t, "Before. Now. After.", contextString(textCtx))

	partial := &models.TextContext{CurrentSentence: "Only now."}
	assert.Equal(t, "Only now.", contextString(partial))
}

func TestBestChunkPerPaper(t *testing.T) {
	paperA, paperB := uuid.New(), uuid.New()

	candidates := []candidate{
		{ChunkSearchResult: services.ChunkSearchResult{ChunkID: uuid.New(), PaperID: paperA}, finalScore: 0.5},
		{ChunkSearchResult: services.ChunkSearchResult{ChunkID: uuid.New(), PaperID: paperB}, finalScore: 0.9},
		{ChunkSearchResult: services.ChunkSearchResult{ChunkID: uuid.New(), PaperID: paperA}, finalScore: 0.8},
	}

	deduped := bestChunkPerPaper(candidates, func(c candidate) float64 { return c.finalScore })
	require.Len(t, deduped, 2)

	byPaper := map[uuid.UUID]float64{}
	for _, c := range deduped {
		byPaper[c.PaperID] = c.finalScore
	}
	assert.Equal(t, 0.8, byPaper[paperA], "higher-scoring chunk of the same paper wins")
	assert.Equal(t, 0.9, byPaper[paperB])
}

func TestBuildQuery(t *testing.T) {
	t.Run("uses sentence neighbourhood when present", func(t *testing.T) {
		textCtx := &models.TextContext{
			CurrentSentence:  "Current thought here.",
			PreviousSentence: "Earlier context first.",
		}
		assert.Equal(t, "Earlier context first. Current thought here.", buildQuery("full snapshot", textCtx))
	})

	t.Run("falls back to the snapshot", func(t *testing.T) {
		assert.Equal(t, "full snapshot", buildQuery("  full snapshot  ", nil))
		assert.Equal(t, "full snapshot", buildQuery("full snapshot", &models.TextContext{}))
	})
}

func TestRerankPassage(t *testing.T) {
	paper := &models.Paper{
		Title:    "A Title",
		Abstract: "Short abstract.",
	}
	passage := rerankPassage(paper, "the chunk text")
	assert.Equal(t, "A Title\nShort abstract.\nthe chunk text", passage)

	t.Run("long abstracts are truncated", func(t *testing.T) {
		long := &models.Paper{Title: "T", Abstract: strings.Repeat("x", 1000)}
		passage := rerankPassage(long, "chunk")
		assert.Less(t, len(passage), 1000)
	})

	t.Run("nil paper keeps the chunk", func(t *testing.T) {
		assert.Equal(t, "bare chunk", rerankPassage(nil, "bare chunk"))
	})
}

func TestParseSearchStrategy(t *testing.T) {
	assert.Equal(t, models.SearchStrategyVector, models.ParseSearchStrategy("vector"))
	assert.Equal(t, models.SearchStrategyBM25, models.ParseSearchStrategy("bm25"))
	assert.Equal(t, models.SearchStrategyHybrid, models.ParseSearchStrategy("hybrid"))
	assert.Equal(t, models.SearchStrategyHybrid, models.ParseSearchStrategy("nonsense"))
	assert.Equal(t, models.SearchStrategyHybrid, models.ParseSearchStrategy(""))
}
