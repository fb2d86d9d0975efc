package impl

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services/chunking"
)

// PaperMetadata is what the heuristics recover from raw paper text. Absent
// fields stay zero.
type PaperMetadata struct {
	Title    string
	Authors  []string
	Abstract string
	Year     *int
}

const (
	titleScanLines  = 15
	authorScanLines = 3
	yearFloor       = 1950
)

// ExtractMetadata applies layout heuristics to the first page of text. A
// markdown H1 wins for the title; otherwise the best-shaped early line is
// scored. Author lines directly follow the title.
func ExtractMetadata(text string) PaperMetadata {
	var meta PaperMetadata

	lines := headLines(text, 60)
	titleIdx := -1

	for i, line := range lines {
		if strings.HasPrefix(line, "# ") {
			meta.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			titleIdx = i
			break
		}
	}
	if meta.Title == "" {
		titleIdx = scoreTitleCandidate(lines)
		if titleIdx >= 0 {
			meta.Title = lines[titleIdx]
		}
	}

	if titleIdx >= 0 {
		meta.Authors = extractAuthors(lines, titleIdx+1)
	}

	meta.Abstract = extractAbstract(text)
	meta.Year = extractYear(text)
	return meta
}

func headLines(text string, n int) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lines = append(lines, trimmed)
		if len(lines) >= n {
			break
		}
	}
	return lines
}

// scoreTitleCandidate picks the early line that most resembles a title:
// a handful of words, no terminal period, mostly letters, near the top.
func scoreTitleCandidate(lines []string) int {
	bestIdx, bestScore := -1, 0.0

	limit := titleScanLines
	if limit > len(lines) {
		limit = len(lines)
	}
	for i := 0; i < limit; i++ {
		line := lines[i]
		words := len(strings.Fields(line))
		if words < 3 || words > 25 || len(line) > 200 {
			continue
		}

		score := 1.0
		score -= float64(i) * 0.05 // earlier is better
		if !strings.HasSuffix(line, ".") {
			score += 0.3
		}
		if line == strings.ToUpper(line) {
			score -= 0.2 // all-caps lines are usually running heads
		}
		if digitRatio(line) > 0.2 {
			continue
		}

		if score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	return bestIdx
}

func digitRatio(s string) float64 {
	if s == "" {
		return 0
	}
	digits := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return float64(digits) / float64(len(s))
}

// extractAuthors scans the lines after the title for comma/"and"-separated
// name lists, keeping only tokens shaped like person names.
func extractAuthors(lines []string, from int) []string {
	var authors []string

	limit := from + authorScanLines
	if limit > len(lines) {
		limit = len(lines)
	}
	for i := from; i < limit; i++ {
		line := lines[i]
		// Section headings end the author block.
		if _, _, ok := matchHeadingLine(line); ok {
			break
		}

		parts := splitAuthorLine(line)
		matched := 0
		for _, part := range parts {
			if looksLikeName(part) {
				authors = append(authors, part)
				matched++
			}
		}
		// A line with separators but no name shapes means we left the
		// author block (affiliations, emails).
		if matched == 0 && len(authors) > 0 {
			break
		}
	}
	return authors
}

func splitAuthorLine(line string) []string {
	line = strings.ReplaceAll(line, " and ", ",")
	line = strings.ReplaceAll(line, " & ", ",")

	var parts []string
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// looksLikeName accepts 2-4 capitalised words without digits, allowing
// initials like "J." inside.
func looksLikeName(s string) bool {
	words := strings.Fields(s)
	if len(words) < 2 || len(words) > 4 {
		return false
	}
	for _, w := range words {
		r := []rune(w)
		if !unicode.IsUpper(r[0]) {
			return false
		}
		for _, c := range r {
			if unicode.IsDigit(c) || c == '@' {
				return false
			}
		}
	}
	return true
}

// matchHeadingLine re-exports the section-heading classifier for the author
// block terminator.
func matchHeadingLine(line string) (string, string, bool) {
	sections := chunking.DetectSections(line)
	if len(sections) == 1 && sections[0].Title != "" {
		return sections[0].Title, string(sections[0].Type), true
	}
	return "", "", false
}

// extractAbstract returns the detected abstract section body, heading line
// stripped.
func extractAbstract(text string) string {
	for _, sec := range chunking.DetectSections(text) {
		if sec.Type != models.ChunkTypeAbstract {
			continue
		}
		body := text[sec.Start:sec.End]
		if idx := strings.IndexByte(body, '\n'); idx >= 0 {
			body = body[idx+1:]
		}
		return strings.TrimSpace(body)
	}
	return ""
}

var yearPattern = regexp.MustCompile(`\b(19[5-9][0-9]|20[0-9]{2})\b`)

// extractYear returns the most recent plausible publication year found in the
// text, bounded by 1950 and the current year.
func extractYear(text string) *int {
	now := time.Now().Year()
	best := 0
	for _, match := range yearPattern.FindAllString(text, -1) {
		year, err := strconv.Atoi(match)
		if err != nil || year < yearFloor || year > now {
			continue
		}
		if year > best {
			best = year
		}
	}
	if best == 0 {
		return nil
	}
	return &best
}
