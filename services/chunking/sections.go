package chunking

import (
	"regexp"
	"strings"

	"github.com/scholarcite/citation-backend/models"
)

// Section is a detected structural region of a paper.
type Section struct {
	Title string
	Type  models.ChunkType
	Start int
	End   int
}

type sectionPattern struct {
	re    *regexp.Regexp
	ctype models.ChunkType
}

// Line-level heading patterns. Numbered variants ("1. Introduction",
// "IV. Results") and all-caps forms are accepted; order matters where
// aliases overlap.
var sectionPatterns = []sectionPattern{
	{regexp.MustCompile(`(?i)^\s*(?:[0-9IVX]+[.)]\s*)?abstract\b`), models.ChunkTypeAbstract},
	{regexp.MustCompile(`(?i)^\s*(?:[0-9IVX]+[.)]\s*)?(?:introduction|background)\b`), models.ChunkTypeIntro},
	{regexp.MustCompile(`(?i)^\s*(?:[0-9IVX]+[.)]\s*)?(?:methods?|methodology|materials\s+and\s+methods|experimental\s+setup|approach)\b`), models.ChunkTypeMethods},
	{regexp.MustCompile(`(?i)^\s*(?:[0-9IVX]+[.)]\s*)?(?:results?|findings|evaluation|experiments?)\b`), models.ChunkTypeResults},
	{regexp.MustCompile(`(?i)^\s*(?:[0-9IVX]+[.)]\s*)?(?:discussion|analysis)\b`), models.ChunkTypeDiscussion},
	{regexp.MustCompile(`(?i)^\s*(?:[0-9IVX]+[.)]\s*)?(?:conclusions?|summary|future\s+work)\b`), models.ChunkTypeConclusion},
	{regexp.MustCompile(`(?i)^\s*(?:[0-9IVX]+[.)]\s*)?(?:references|bibliography|works\s+cited)\b`), models.ChunkTypeReferences},
}

// matchSectionHeading classifies a single line as a section heading. Long
// lines are prose, not headings.
func matchSectionHeading(line string) (string, models.ChunkType, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > 80 {
		return "", "", false
	}
	for _, p := range sectionPatterns {
		if p.re.MatchString(trimmed) {
			return trimmed, p.ctype, true
		}
	}
	return "", "", false
}

// DetectSections scans line by line for headings and returns contiguous
// sections. Text before the first heading becomes an untitled body section.
func DetectSections(text string) []Section {
	var sections []Section

	lineStart := 0
	flushAt := func(pos int) {
		if len(sections) > 0 {
			sections[len(sections)-1].End = pos
		}
	}

	for lineStart <= len(text) {
		lineEnd := strings.IndexByte(text[lineStart:], '\n')
		if lineEnd < 0 {
			lineEnd = len(text)
		} else {
			lineEnd += lineStart
		}

		line := text[lineStart:lineEnd]
		if title, ctype, ok := matchSectionHeading(line); ok {
			flushAt(lineStart)
			if len(sections) == 0 && lineStart > 0 {
				sections = append(sections, Section{Type: models.ChunkTypeBody, Start: 0, End: lineStart})
			}
			sections = append(sections, Section{Title: title, Type: ctype, Start: lineStart})
		}

		if lineEnd >= len(text) {
			break
		}
		lineStart = lineEnd + 1
	}

	if len(sections) == 0 {
		return nil
	}
	sections[len(sections)-1].End = len(text)
	return sections
}
