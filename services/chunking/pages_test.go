package chunking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarcite/citation-backend/models"
)

func TestAnnotatePages(t *testing.T) {
	pages := []models.PageRange{
		{PageNumber: 1, StartChar: 0, EndChar: 100},
		{PageNumber: 2, StartChar: 100, EndChar: 200},
		{PageNumber: 3, StartChar: 200, EndChar: 300},
	}

	t.Run("chunk inside one page", func(t *testing.T) {
		chunks := []Chunk{{StartChar: 10, EndChar: 60}}
		AnnotatePages(chunks, pages)

		require.NotNil(t, chunks[0].PageStart)
		require.NotNil(t, chunks[0].PageEnd)
		assert.Equal(t, 1, *chunks[0].PageStart)
		assert.Equal(t, 1, *chunks[0].PageEnd)
		require.Len(t, chunks[0].PageBoundaries, 1)
		assert.Equal(t, 100.0, chunks[0].PageBoundaries[0].Percent)
	})

	t.Run("chunk spanning a page break", func(t *testing.T) {
		chunks := []Chunk{{StartChar: 80, EndChar: 130}}
		AnnotatePages(chunks, pages)

		require.Len(t, chunks[0].PageBoundaries, 2)
		assert.Equal(t, 1, *chunks[0].PageStart)
		assert.Equal(t, 2, *chunks[0].PageEnd)
		assert.Equal(t, 40.0, chunks[0].PageBoundaries[0].Percent)
		assert.Equal(t, 60.0, chunks[0].PageBoundaries[1].Percent)
	})

	t.Run("percentages sum to one hundred", func(t *testing.T) {
		chunks := []Chunk{{StartChar: 50, EndChar: 250}}
		AnnotatePages(chunks, pages)

		total := 0.0
		for _, boundary := range chunks[0].PageBoundaries {
			total += boundary.Percent
		}
		assert.InDelta(t, 100.0, total, 0.05)
	})

	t.Run("no page map leaves chunks unannotated", func(t *testing.T) {
		chunks := []Chunk{{StartChar: 0, EndChar: 50}}
		AnnotatePages(chunks, nil)
		assert.Nil(t, chunks[0].PageStart)
		assert.Empty(t, chunks[0].PageBoundaries)
	})
}

func TestSplitSentences(t *testing.T) {
	t.Run("basic terminators", func(t *testing.T) {
		spans := SplitSentences("First sentence. Second sentence! Third one?")
		require.Len(t, spans, 3)
		assert.Equal(t, "First sentence.", spans[0].Text)
		assert.Equal(t, "Second sentence!", spans[1].Text)
		assert.Equal(t, "Third one?", spans[2].Text)
	})

	t.Run("abbreviations do not terminate", func(t *testing.T) {
		spans := SplitSentences("As shown by Smith et al. The results hold. See Fig. 3 for details.")
		require.Len(t, spans, 2)
		assert.Equal(t, "As shown by Smith et al. The results hold.", spans[0].Text)
	})

	t.Run("initials do not terminate", func(t *testing.T) {
		spans := SplitSentences("Written by J. Smith and A. Jones. Nothing else matters here.")
		require.Len(t, spans, 2)
	})

	t.Run("offsets index the original text", func(t *testing.T) {
		text := "  Leading space here. And a second sentence."
		spans := SplitSentences(text)
		require.Len(t, spans, 2)
		for _, span := range spans {
			assert.Equal(t, text[span.Start:span.End], span.Text)
		}
	})

	t.Run("no terminator yields one sentence", func(t *testing.T) {
		spans := SplitSentences("a fragment without ending")
		require.Len(t, spans, 1)
	})
}

func TestDetectSections(t *testing.T) {
	text := "Some Paper Title\n" +
		"Abstract\n" +
		"We study things.\n" +
		"1. Introduction\n" +
		"Things are interesting.\n" +
		"References\n" +
		"[1] A citation.\n"

	sections := DetectSections(text)
	require.Len(t, sections, 4) // untitled preamble + 3 headings

	assert.Equal(t, models.ChunkTypeBody, sections[0].Type)
	assert.Equal(t, models.ChunkTypeAbstract, sections[1].Type)
	assert.Equal(t, models.ChunkTypeIntro, sections[2].Type)
	assert.Equal(t, models.ChunkTypeReferences, sections[3].Type)

	t.Run("sections are contiguous", func(t *testing.T) {
		for i := 1; i < len(sections); i++ {
			assert.Equal(t, sections[i-1].End, sections[i].Start)
		}
		assert.Equal(t, len(text), sections[len(sections)-1].End)
	})

	t.Run("long lines are not headings", func(t *testing.T) {
		_, _, ok := matchSectionHeading("introduction to the theory of computation and its many applications in modern computer science practice")
		assert.False(t, ok)
	})

	t.Run("no headings yields nil", func(t *testing.T) {
		assert.Nil(t, DetectSections("just some prose without any structure at all"))
	})
}
