package chunking

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarcite/citation-backend/models"
)

func repeatSentences(sentence string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = sentence
	}
	return strings.Join(parts, " ")
}

func TestChunkByWords(t *testing.T) {
	chunker := New(Policy{TargetSize: 10, Overlap: 2, MinSize: 2, MaxSize: 20})
	text := repeatSentences("Alpha beta gamma delta epsilon.", 8) // 40 words

	chunks, err := chunker.Chunk(context.Background(), text, StrategyWord)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	t.Run("chunks respect target size", func(t *testing.T) {
		for _, chunk := range chunks {
			assert.LessOrEqual(t, chunk.WordCount, 10)
		}
	})

	t.Run("offsets are valid substring boundaries", func(t *testing.T) {
		for _, chunk := range chunks {
			require.GreaterOrEqual(t, chunk.StartChar, 0)
			require.LessOrEqual(t, chunk.EndChar, len(text))
			assert.Equal(t, text[chunk.StartChar:chunk.EndChar], chunk.Text)
		}
	})

	t.Run("indices ascend from zero", func(t *testing.T) {
		for i, chunk := range chunks {
			assert.Equal(t, i, chunk.ChunkIndex)
		}
	})

	t.Run("consecutive chunks overlap", func(t *testing.T) {
		require.Greater(t, len(chunks), 1)
		for i := 1; i < len(chunks); i++ {
			assert.Less(t, chunks[i].StartChar, chunks[i-1].EndChar)
		}
	})
}

func TestChunkBySentences(t *testing.T) {
	chunker := New(Policy{TargetSize: 20, Overlap: 5, MinSize: 4, MaxSize: 60})
	text := repeatSentences("The quick brown fox jumps over the lazy dog today.", 10)

	chunks, err := chunker.Chunk(context.Background(), text, StrategySentence)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	t.Run("chunks end on sentence boundaries", func(t *testing.T) {
		for _, chunk := range chunks {
			assert.True(t, strings.HasSuffix(strings.TrimSpace(chunk.Text), "."),
				"chunk should end with a sentence terminator: %q", chunk.Text)
		}
	})

	t.Run("sentence counts recorded", func(t *testing.T) {
		for _, chunk := range chunks {
			assert.Greater(t, chunk.SentenceCount, 0)
		}
	})

	t.Run("text matches offsets", func(t *testing.T) {
		for _, chunk := range chunks {
			assert.Equal(t, text[chunk.StartChar:chunk.EndChar], chunk.Text)
		}
	})
}

func TestChunkHierarchical(t *testing.T) {
	text := "A Study of Things\n\n" +
		"Abstract\n" +
		repeatSentences("This paper studies important things in detail.", 3) + "\n" +
		"1. Introduction\n" +
		repeatSentences("Things have long been studied by many researchers.", 3) + "\n" +
		"2. Methods\n" +
		repeatSentences("We measured the things with a calibrated instrument.", 3) + "\n"

	chunker := New(Policy{TargetSize: 15, Overlap: 3, MinSize: 3, MaxSize: 50})
	chunks, err := chunker.Chunk(context.Background(), text, StrategyHierarchical)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	types := map[models.ChunkType]bool{}
	for _, chunk := range chunks {
		types[chunk.ChunkType] = true
		assert.Equal(t, text[chunk.StartChar:chunk.EndChar], chunk.Text)
	}

	assert.True(t, types[models.ChunkTypeAbstract], "expected an abstract chunk")
	assert.True(t, types[models.ChunkTypeIntro], "expected an intro chunk")
	assert.True(t, types[models.ChunkTypeMethods], "expected a methods chunk")
}

func TestChunkByElements(t *testing.T) {
	text := "Introduction\n\n" +
		"First paragraph about the topic at hand.\n\n" +
		"Second paragraph continuing the discussion in detail.\n\n" +
		"Methods\n\n" +
		"The experimental paragraph describing the setup carefully."

	chunker := New(Policy{TargetSize: 50, Overlap: 5, MinSize: 2, MaxSize: 100})
	chunks, err := chunker.Chunk(context.Background(), text, StrategyElement)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, models.ChunkTypeIntro, chunks[0].ChunkType)
	assert.Equal(t, models.ChunkTypeIntro, chunks[1].ChunkType)
	assert.Equal(t, models.ChunkTypeMethods, chunks[2].ChunkType)
}

type fixedEmbedder struct {
	vectors map[string][]float32
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	return []float32{1, 0, 0}, nil
}

func TestChunkSemantic(t *testing.T) {
	t.Run("topic drift starts a new chunk", func(t *testing.T) {
		text := "Cats are wonderful pets for many families. " +
			"Cats enjoy sleeping in warm sunny places all day. " +
			"Quantum computers use qubits to perform parallel computation."

		embedder := &fixedEmbedder{vectors: map[string][]float32{
			"Cats are wonderful pets for many families.":                   {1, 0, 0},
			"Cats enjoy sleeping in warm sunny places all day.":            {0.95, 0.05, 0},
			"Quantum computers use qubits to perform parallel computation.": {0, 1, 0},
		}}

		chunker := New(Policy{TargetSize: 100, Overlap: 0, MinSize: 5, MaxSize: 200}).WithEmbedder(embedder)
		chunks, err := chunker.Chunk(context.Background(), text, StrategySemantic)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Contains(t, chunks[0].Text, "Cats")
		assert.Contains(t, chunks[1].Text, "Quantum")
	})

	t.Run("falls back to sentences without an embedder", func(t *testing.T) {
		chunker := New(Policy{TargetSize: 20, Overlap: 2, MinSize: 2, MaxSize: 50})
		chunks, err := chunker.Chunk(context.Background(),
			repeatSentences("A plain sentence about nothing much at all.", 5), StrategySemantic)
		require.NoError(t, err)
		assert.NotEmpty(t, chunks)
	})
}

func TestChunkUnknownStrategy(t *testing.T) {
	chunker := New(DefaultPolicy())
	_, err := chunker.Chunk(context.Background(), "some text", Strategy("bogus"))
	assert.Error(t, err)
}

func TestChunkEmptyText(t *testing.T) {
	chunker := New(DefaultPolicy())
	chunks, err := chunker.Chunk(context.Background(), "   \n\n  ", StrategySentence)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestMergeSmallChunks(t *testing.T) {
	chunks := []Chunk{
		{Text: "one two three four five", StartChar: 0, EndChar: 23, WordCount: 5, SentenceCount: 1},
		{Text: "six", StartChar: 24, EndChar: 27, WordCount: 1, SentenceCount: 1},
		{Text: "seven eight nine ten eleven", StartChar: 28, EndChar: 55, WordCount: 5, SentenceCount: 1},
	}

	merged := MergeSmallChunks(chunks, 3)
	require.Len(t, merged, 2)
	assert.Equal(t, 6, merged[0].WordCount)
	assert.Equal(t, 27, merged[0].EndChar)
	assert.Equal(t, 0, merged[0].ChunkIndex)
	assert.Equal(t, 1, merged[1].ChunkIndex)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}
