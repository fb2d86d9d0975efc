package chunking

import (
	"strings"
	"unicode"
)

type sentenceSpan struct {
	text  string
	start int
	end   int
}

type paragraphSpan struct {
	text  string
	start int
	end   int
}

type wordSpan struct {
	start int
	end   int
}

// Abbreviations that end with a period without ending a sentence. Lowercased,
// period included.
var abbreviations = map[string]bool{
	"al.":     true, // et al.
	"e.g.":    true,
	"i.e.":    true,
	"etc.":    true,
	"cf.":     true,
	"vs.":     true,
	"fig.":    true,
	"figs.":   true,
	"eq.":     true,
	"ref.":    true,
	"refs.":   true,
	"sec.":    true,
	"no.":     true,
	"vol.":    true,
	"pp.":     true,
	"dr.":     true,
	"prof.":   true,
	"mr.":     true,
	"mrs.":    true,
	"ms.":     true,
	"jr.":     true,
	"st.":     true,
	"approx.": true,
}

// SentenceSpan is one sentence with byte offsets into the original text.
type SentenceSpan struct {
	Text  string
	Start int
	End   int
}

// SplitSentences splits text into sentences with byte offsets. Terminators
// are . ! ? followed by whitespace and an upper-case letter or digit;
// abbreviations and single-letter initials do not terminate.
func SplitSentences(text string) []SentenceSpan {
	spans := splitSentences(text)
	out := make([]SentenceSpan, len(spans))
	for i, s := range spans {
		out[i] = SentenceSpan{Text: s.text, Start: s.start, End: s.end}
	}
	return out
}

func splitSentences(text string) []sentenceSpan {
	var spans []sentenceSpan
	runes := []rune(text)

	bytePos := 0
	byteStart := 0

	flush := func(byteEnd int) {
		raw := text[byteStart:byteEnd]
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			lead := strings.Index(raw, trimmed)
			spans = append(spans, sentenceSpan{
				text:  trimmed,
				start: byteStart + lead,
				end:   byteStart + lead + len(trimmed),
			})
		}
		byteStart = byteEnd
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		width := len(string(r))

		if r == '.' || r == '!' || r == '?' {
			if sentenceEndsAt(runes, i) {
				flush(bytePos + width)
			}
		}
		bytePos += width
	}
	flush(len(text))

	return spans
}

// sentenceEndsAt decides whether the terminator at runes[i] ends a sentence.
func sentenceEndsAt(runes []rune, i int) bool {
	// End of text always terminates.
	next := i + 1
	for next < len(runes) && (runes[next] == '"' || runes[next] == ')' || runes[next] == '\'') {
		next++
	}
	if next >= len(runes) {
		return true
	}
	if !unicode.IsSpace(runes[next]) {
		return false
	}

	// Skip the whitespace run and require a capital or digit to follow.
	after := next
	for after < len(runes) && unicode.IsSpace(runes[after]) {
		after++
	}
	if after >= len(runes) {
		return true
	}
	if !unicode.IsUpper(runes[after]) && !unicode.IsDigit(runes[after]) {
		return false
	}

	if runes[i] != '.' {
		return true
	}

	// Abbreviation guard: look back at the token ending at the period.
	tokenStart := i
	for tokenStart > 0 && !unicode.IsSpace(runes[tokenStart-1]) {
		tokenStart--
	}
	token := strings.ToLower(string(runes[tokenStart : i+1]))
	if abbreviations[token] {
		return false
	}

	// Single-letter initials like "J." in author lists.
	if i-tokenStart == 1 && unicode.IsLetter(runes[tokenStart]) {
		return false
	}

	return true
}

// tokenizeWithOffsets returns whitespace-delimited words with byte offsets.
func tokenizeWithOffsets(text string) []wordSpan {
	var words []wordSpan
	inWord := false
	start := 0

	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				words = append(words, wordSpan{start: start, end: i})
				inWord = false
			}
			continue
		}
		if !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		words = append(words, wordSpan{start: start, end: len(text)})
	}
	return words
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

// splitParagraphs cuts text on blank-line boundaries, keeping byte offsets.
func splitParagraphs(text string) []paragraphSpan {
	var paragraphs []paragraphSpan

	pos := 0
	for _, block := range strings.Split(text, "\n\n") {
		trimmed := strings.TrimSpace(block)
		if trimmed != "" {
			lead := strings.Index(block, trimmed)
			paragraphs = append(paragraphs, paragraphSpan{
				text:  trimmed,
				start: pos + lead,
				end:   pos + lead + len(trimmed),
			})
		}
		pos += len(block) + 2
	}
	return paragraphs
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}
