package chunking

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/scholarcite/citation-backend/models"
)

// Strategy selects how a paper's text is cut into chunks.
type Strategy string

const (
	StrategyWord         Strategy = "word"
	StrategySentence     Strategy = "sentence"
	StrategyHierarchical Strategy = "hierarchical"
	StrategyElement      Strategy = "element"
	StrategySemantic     Strategy = "semantic"
)

// Policy expresses chunk sizing in words.
type Policy struct {
	TargetSize int
	Overlap    int
	MinSize    int
	MaxSize    int
}

// DefaultPolicy mirrors the service-wide chunking defaults.
func DefaultPolicy() Policy {
	return Policy{
		TargetSize: 500,
		Overlap:    50,
		MinSize:    100,
		MaxSize:    1000,
	}
}

// Chunk is one contiguous span of the input text. [StartChar, EndChar) is a
// valid substring boundary of the input; chunks are emitted in ascending
// ChunkIndex and may overlap by the configured overlap.
type Chunk struct {
	Text          string
	StartChar     int
	EndChar       int
	ChunkIndex    int
	WordCount     int
	SentenceCount int
	Section       string
	ChunkType     models.ChunkType

	PageStart      *int
	PageEnd        *int
	PageBoundaries []models.PageBoundary
}

// SentenceEmbedder supplies per-sentence vectors for the semantic strategy.
type SentenceEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Chunker cuts text into chunks under a fixed policy.
type Chunker struct {
	policy   Policy
	embedder SentenceEmbedder
}

func New(policy Policy) *Chunker {
	if policy.TargetSize <= 0 {
		policy = DefaultPolicy()
	}
	if policy.Overlap >= policy.TargetSize {
		policy.Overlap = policy.TargetSize / 10
	}
	if policy.MaxSize < policy.TargetSize {
		policy.MaxSize = policy.TargetSize * 2
	}
	return &Chunker{policy: policy}
}

// WithEmbedder enables the semantic strategy. Without one, semantic chunking
// falls back to sentence-aware.
func (c *Chunker) WithEmbedder(e SentenceEmbedder) *Chunker {
	c.embedder = e
	return c
}

func (c *Chunker) Policy() Policy {
	return c.policy
}

// Chunk cuts text under the selected strategy.
func (c *Chunker) Chunk(ctx context.Context, text string, strategy Strategy) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var chunks []Chunk
	var err error

	switch strategy {
	case StrategyWord:
		chunks = c.chunkByWords(text)
	case StrategySentence, "":
		chunks = c.chunkBySentences(text, 0, "", models.ChunkTypeBody)
	case StrategyHierarchical:
		chunks = c.chunkHierarchical(text)
	case StrategyElement:
		chunks = c.chunkByElements(text)
	case StrategySemantic:
		chunks, err = c.chunkSemantic(ctx, text)
	default:
		return nil, fmt.Errorf("unknown chunking strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	for i := range chunks {
		chunks[i].ChunkIndex = i
	}
	return chunks, nil
}

// chunkByWords emits fixed-size word windows of TargetSize words, stepping by
// TargetSize - Overlap.
func (c *Chunker) chunkByWords(text string) []Chunk {
	words := tokenizeWithOffsets(text)
	if len(words) == 0 {
		return nil
	}

	step := c.policy.TargetSize - c.policy.Overlap
	if step <= 0 {
		step = c.policy.TargetSize
	}

	var chunks []Chunk
	for start := 0; start < len(words); start += step {
		end := start + c.policy.TargetSize
		if end > len(words) {
			end = len(words)
		}

		first, last := words[start], words[end-1]
		chunks = append(chunks, Chunk{
			Text:      text[first.start:last.end],
			StartChar: first.start,
			EndChar:   last.end,
			WordCount: end - start,
			ChunkType: models.ChunkTypeBody,
		})

		if end == len(words) {
			break
		}
	}
	return chunks
}

// chunkBySentences packs whole sentences greedily until adding the next one
// would exceed TargetSize. A new chunk begins with the tail of sentences from
// the previous chunk whose accumulated word count reaches Overlap, so a chunk
// never ends inside a sentence unless the sentence alone exceeds MaxSize.
// offset shifts char positions when chunking a slice of a larger text.
func (c *Chunker) chunkBySentences(text string, offset int, section string, chunkType models.ChunkType) []Chunk {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []Chunk
	var current []sentenceSpan
	currentWords := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		first, last := current[0], current[len(current)-1]
		chunks = append(chunks, Chunk{
			Text:          text[first.start:last.end],
			StartChar:     offset + first.start,
			EndChar:       offset + last.end,
			WordCount:     currentWords,
			SentenceCount: len(current),
			Section:       section,
			ChunkType:     chunkType,
		})
	}

	for _, sent := range sentences {
		sentWords := countWords(sent.text)

		// A sentence larger than MaxSize is split on word windows rather
		// than kept whole.
		if sentWords > c.policy.MaxSize {
			flush()
			current, currentWords = nil, 0
			for _, oversized := range c.splitOversizedSentence(text, sent) {
				oversized.Section = section
				oversized.ChunkType = chunkType
				oversized.StartChar += offset
				oversized.EndChar += offset
				chunks = append(chunks, oversized)
			}
			continue
		}

		if currentWords+sentWords > c.policy.TargetSize && currentWords > 0 {
			flush()
			current, currentWords = overlapTail(current, c.policy.Overlap)
		}

		current = append(current, sent)
		currentWords += sentWords
	}
	flush()

	return chunks
}

// splitOversizedSentence falls back to word windows for a single sentence
// that exceeds MaxSize.
func (c *Chunker) splitOversizedSentence(text string, sent sentenceSpan) []Chunk {
	sub := c.chunkByWords(text[sent.start:sent.end])
	for i := range sub {
		sub[i].StartChar += sent.start
		sub[i].EndChar += sent.start
		sub[i].SentenceCount = 1
	}
	return sub
}

// overlapTail returns the trailing sentences whose accumulated word count
// reaches at least overlap words, to seed the next chunk.
func overlapTail(sentences []sentenceSpan, overlap int) ([]sentenceSpan, int) {
	if overlap <= 0 || len(sentences) == 0 {
		return nil, 0
	}

	words := 0
	i := len(sentences)
	for i > 0 {
		w := countWords(sentences[i-1].text)
		if words+w > overlap && words > 0 {
			break
		}
		words += w
		i--
		if words >= overlap {
			break
		}
	}

	tail := make([]sentenceSpan, len(sentences)-i)
	copy(tail, sentences[i:])
	return tail, words
}

// chunkHierarchical detects paper sections first, then sentence-chunks each
// section, annotating section titles and chunk types.
func (c *Chunker) chunkHierarchical(text string) []Chunk {
	sections := DetectSections(text)
	if len(sections) == 0 {
		return c.chunkBySentences(text, 0, "", models.ChunkTypeBody)
	}

	var chunks []Chunk
	for _, sec := range sections {
		body := text[sec.Start:sec.End]
		chunks = append(chunks, c.chunkBySentences(body, sec.Start, sec.Title, sec.Type)...)
	}
	return chunks
}

// chunkByElements splits on blank-line paragraph boundaries, treating
// header-shaped first lines as section-state changes. Paragraphs above
// MaxSize words are re-chunked sentence-aware.
func (c *Chunker) chunkByElements(text string) []Chunk {
	paragraphs := splitParagraphs(text)

	var chunks []Chunk
	section := ""
	chunkType := models.ChunkTypeBody

	for _, para := range paragraphs {
		if title, ctype, ok := matchSectionHeading(firstLine(para.text)); ok {
			section = title
			chunkType = ctype
			// Heading-only paragraphs change state without emitting a chunk.
			if countWords(para.text) <= countWords(firstLine(para.text)) {
				continue
			}
		}

		words := countWords(para.text)
		if words > c.policy.MaxSize {
			chunks = append(chunks, c.chunkBySentences(para.text, para.start, section, chunkType)...)
			continue
		}

		chunks = append(chunks, Chunk{
			Text:          para.text,
			StartChar:     para.start,
			EndChar:       para.end,
			WordCount:     words,
			SentenceCount: len(splitSentences(para.text)),
			Section:       section,
			ChunkType:     chunkType,
		})
	}
	return chunks
}

// chunkSemantic grows a chunk sentence by sentence and starts a new one when
// the cosine similarity between the running chunk embedding and the next
// sentence drops below the similarity floor (once MinSize words are
// accumulated), or when TargetSize is reached.
func (c *Chunker) chunkSemantic(ctx context.Context, text string) ([]Chunk, error) {
	if c.embedder == nil {
		return c.chunkBySentences(text, 0, "", models.ChunkTypeBody), nil
	}

	const similarityFloor = 0.7

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}

	var chunks []Chunk
	var current []sentenceSpan
	var centroid []float32
	currentWords := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		first, last := current[0], current[len(current)-1]
		chunks = append(chunks, Chunk{
			Text:          text[first.start:last.end],
			StartChar:     first.start,
			EndChar:       last.end,
			WordCount:     currentWords,
			SentenceCount: len(current),
			ChunkType:     models.ChunkTypeBody,
		})
		current, centroid, currentWords = nil, nil, 0
	}

	for _, sent := range sentences {
		vec, err := c.embedder.Embed(ctx, sent.text)
		if err != nil {
			return nil, fmt.Errorf("embed sentence for semantic chunking: %w", err)
		}

		if len(current) > 0 {
			drifted := CosineSimilarity(centroid, vec) < similarityFloor && currentWords >= c.policy.MinSize
			full := currentWords >= c.policy.TargetSize
			if drifted || full {
				flush()
			}
		}

		current = append(current, sent)
		currentWords += countWords(sent.text)
		centroid = accumulate(centroid, vec, len(current))
	}
	flush()

	return chunks, nil
}

// MergeSmallChunks concatenates adjacent chunks below minSize words into
// their left neighbour, preserving the left operand's section and type.
func MergeSmallChunks(chunks []Chunk, minSize int) []Chunk {
	if len(chunks) < 2 {
		return chunks
	}

	merged := []Chunk{chunks[0]}
	for _, ch := range chunks[1:] {
		last := &merged[len(merged)-1]
		if ch.WordCount < minSize || last.WordCount < minSize {
			last.Text = last.Text + "\n" + ch.Text
			last.EndChar = ch.EndChar
			last.WordCount += ch.WordCount
			last.SentenceCount += ch.SentenceCount
			continue
		}
		merged = append(merged, ch)
	}

	for i := range merged {
		merged[i].ChunkIndex = i
	}
	return merged
}

// CosineSimilarity computes the cosine of two vectors, 0 for mismatched or
// zero-length inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// accumulate maintains a running mean vector over n observations.
func accumulate(centroid, vec []float32, n int) []float32 {
	if centroid == nil {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out
	}
	for i := range centroid {
		centroid[i] += (vec[i] - centroid[i]) / float32(n)
	}
	return centroid
}
