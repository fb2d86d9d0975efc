package impl

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarcite/citation-backend/services"
)

func sparseCorpus() []services.SparseDocument {
	return []services.SparseDocument{
		{ChunkID: uuid.New(), Text: "neural networks learn representations from data"},
		{ChunkID: uuid.New(), Text: "convolutional neural networks excel at image recognition"},
		{ChunkID: uuid.New(), Text: "gradient boosting builds ensembles of decision trees"},
		{ChunkID: uuid.New(), Text: "transformers replaced recurrent networks for language modeling"},
	}
}

func TestBM25Search(t *testing.T) {
	index := NewBM25Index()
	docs := sparseCorpus()
	index.Fit(docs)

	require.True(t, index.Fitted())

	t.Run("matching terms rank relevant documents first", func(t *testing.T) {
		hits := index.Search("convolutional image recognition", 10)
		require.NotEmpty(t, hits)
		assert.Equal(t, docs[1].ChunkID, hits[0].ChunkID)
	})

	t.Run("rarer terms score higher than common ones", func(t *testing.T) {
		// "networks" appears in three documents, "boosting" in one.
		boosting := index.Search("boosting", 10)
		networks := index.Search("networks", 10)
		require.NotEmpty(t, boosting)
		require.NotEmpty(t, networks)
		assert.Greater(t, boosting[0].Score, networks[0].Score)
	})

	t.Run("scores are descending", func(t *testing.T) {
		hits := index.Search("neural networks data", 10)
		for i := 1; i < len(hits); i++ {
			assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
		}
	})

	t.Run("topK caps the result count", func(t *testing.T) {
		hits := index.Search("networks", 1)
		assert.Len(t, hits, 1)
	})

	t.Run("no match yields no hits", func(t *testing.T) {
		assert.Empty(t, index.Search("zebra", 10))
	})

	t.Run("stop-word-only query yields no hits", func(t *testing.T) {
		assert.Empty(t, index.Search("the and of", 10))
	})
}

func TestBM25Unfitted(t *testing.T) {
	index := NewBM25Index()
	assert.False(t, index.Fitted())
	assert.Empty(t, index.Search("anything", 10))
}

func TestBM25Refit(t *testing.T) {
	index := NewBM25Index()
	index.Fit(sparseCorpus())
	require.NotEmpty(t, index.Search("networks", 10))

	replacement := []services.SparseDocument{
		{ChunkID: uuid.New(), Text: "entirely different vocabulary about chemistry"},
	}
	index.Fit(replacement)

	assert.Empty(t, index.Search("networks", 10), "old corpus should be gone after refit")
	assert.NotEmpty(t, index.Search("chemistry", 10))
}

func TestTokenize(t *testing.T) {
	t.Run("lowercases and splits on punctuation", func(t *testing.T) {
		tokens := tokenize("Hello, World! BM25-scoring")
		assert.Equal(t, []string{"hello", "world", "bm25", "scoring"}, tokens)
	})

	t.Run("drops stop words and short tokens", func(t *testing.T) {
		tokens := tokenize("the cat is on a mat")
		assert.Equal(t, []string{"cat", "mat"}, tokens)
	})
}
