package impl

import (
	"strings"
	"unicode"

	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
	"github.com/scholarcite/citation-backend/services/chunking"
)

// Sentences shorter than this carry too little signal to act as context.
const minContextSentenceLen = 10

// updateThreshold is the fraction of the snapshot that must change before a
// new suggestion round is worth running.
const updateThreshold = 0.20

type textAnalysisServiceImpl struct{}

func NewTextAnalysisService() services.TextAnalysisService {
	return &textAnalysisServiceImpl{}
}

// ExtractContext locates the sentence containing the cursor and its
// neighbours. Sentences below the minimum length are dropped before the
// cursor sentence is located; the paragraph is the blank-line-delimited block
// under the cursor.
func (s *textAnalysisServiceImpl) ExtractContext(text string, editorCtx *models.EditorContext) *models.TextContext {
	text = normalizeSnapshot(text)

	cursor := len(text)
	section := ""
	if editorCtx != nil {
		cursor = editorCtx.CursorPosition
		section = editorCtx.Section
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(text) {
		cursor = len(text)
	}

	out := &models.TextContext{
		CursorOffset: cursor,
		Section:      section,
	}

	sentences := make([]chunking.SentenceSpan, 0)
	for _, sent := range chunking.SplitSentences(text) {
		if len(sent.Text) >= minContextSentenceLen {
			sentences = append(sentences, sent)
		}
	}
	if len(sentences) == 0 {
		return out
	}

	// The current sentence is the one whose span contains the cursor; a
	// cursor sitting in the gap after a sentence belongs to that sentence.
	currentIdx := len(sentences) - 1
	for i, sent := range sentences {
		if cursor < sent.End {
			currentIdx = i
			break
		}
	}
	out.CurrentSentence = sentences[currentIdx].Text

	if currentIdx > 0 {
		out.PreviousSentence = sentences[currentIdx-1].Text
	}
	if currentIdx+1 < len(sentences) {
		out.NextSentence = sentences[currentIdx+1].Text
	}

	out.Paragraph = paragraphAt(text, cursor)
	return out
}

// ShouldUpdate compares two snapshots position by position and reports
// whether more than 20% of the larger one changed. Trailing whitespace or
// punctuation alone never triggers a new round.
func (s *textAnalysisServiceImpl) ShouldUpdate(oldText, newText string) bool {
	oldText = normalizeWhitespace(oldText)
	newText = normalizeWhitespace(newText)

	if oldText == newText {
		return false
	}
	if trimTrailingNoise(oldText) == trimTrailingNoise(newText) {
		return false
	}
	if oldText == "" || newText == "" {
		return true
	}

	matched := 0
	shared := len(oldText)
	if len(newText) < shared {
		shared = len(newText)
	}
	for i := 0; i < shared; i++ {
		if oldText[i] == newText[i] {
			matched++
		}
	}

	longest := len(oldText)
	if len(newText) > longest {
		longest = len(newText)
	}

	changeRatio := 1 - float64(matched)/float64(longest)
	return changeRatio > updateThreshold
}

func normalizeSnapshot(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return text
}

// normalizeWhitespace collapses whitespace runs so that reflowing a snapshot
// does not register as a change.
func normalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func trimTrailingNoise(text string) string {
	return strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

func paragraphAt(text string, cursor int) string {
	start := strings.LastIndex(text[:cursor], "\n\n")
	if start < 0 {
		start = 0
	} else {
		start += 2
	}
	end := strings.Index(text[cursor:], "\n\n")
	if end < 0 {
		end = len(text)
	} else {
		end += cursor
	}
	return strings.TrimSpace(text[start:end])
}

