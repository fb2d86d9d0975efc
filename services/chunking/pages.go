package chunking

import (
	"math"

	"github.com/scholarcite/citation-backend/models"
)

// AnnotatePages stamps each chunk with the pages its character range
// intersects, including the percentage of the chunk on each page (rounded to
// two decimals). Chunks outside every page range are left unannotated.
func AnnotatePages(chunks []Chunk, pages []models.PageRange) {
	if len(pages) == 0 {
		return
	}

	for i := range chunks {
		annotateChunkPages(&chunks[i], pages)
	}
}

func annotateChunkPages(chunk *Chunk, pages []models.PageRange) {
	chunkLen := chunk.EndChar - chunk.StartChar
	if chunkLen <= 0 {
		return
	}

	var boundaries []models.PageBoundary
	var pageStart, pageEnd *int

	for _, page := range pages {
		overlap := intersect(chunk.StartChar, chunk.EndChar, page.StartChar, page.EndChar)
		if overlap <= 0 {
			continue
		}

		percent := math.Round(float64(overlap)/float64(chunkLen)*100*100) / 100
		boundaries = append(boundaries, models.PageBoundary{
			Page:    page.PageNumber,
			Percent: percent,
		})

		p := page.PageNumber
		if pageStart == nil {
			pageStart = &p
		}
		last := p
		pageEnd = &last
	}

	chunk.PageStart = pageStart
	chunk.PageEnd = pageEnd
	chunk.PageBoundaries = boundaries
}

// intersect returns the length of the intersection of two half-open ranges.
func intersect(aStart, aEnd, bStart, bEnd int) int {
	start := aStart
	if bStart > start {
		start = bStart
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	return end - start
}
