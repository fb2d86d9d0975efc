package impl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
)

// vectorStoreImpl implements services.VectorStore on Postgres + pgvector
// through gorm.
type vectorStoreImpl struct {
	db        *gorm.DB
	dimension int
}

func NewVectorStore(db *gorm.DB, dimension int) services.VectorStore {
	return &vectorStoreImpl{db: db, dimension: dimension}
}

// InsertChunks replaces the paper's chunk set in a single transaction, so
// repeated ingestion runs converge on the same state.
func (s *vectorStoreImpl) InsertChunks(ctx context.Context, paperID uuid.UUID, chunks []models.PaperChunk) error {
	for i := range chunks {
		if len(chunks[i].Embedding.Slice()) != s.dimension {
			return fmt.Errorf("chunk %d embedding has dimension %d, expected %d",
				i, len(chunks[i].Embedding.Slice()), s.dimension)
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("paper_id = ?", paperID).Delete(&models.PaperChunk{}).Error; err != nil {
			return fmt.Errorf("delete existing chunks: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		if err := tx.Create(&chunks).Error; err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		return nil
	})
}

func (s *vectorStoreImpl) DeleteChunks(ctx context.Context, paperID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Where("paper_id = ?", paperID).Delete(&models.PaperChunk{}).Error; err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

type denseSearchRow struct {
	ChunkID        uuid.UUID `gorm:"column:chunk_id"`
	PaperID        uuid.UUID `gorm:"column:paper_id"`
	ChunkText      string    `gorm:"column:chunk_text"`
	ChunkIndex     int       `gorm:"column:chunk_index"`
	SectionTitle   string    `gorm:"column:section_title"`
	ChunkType      string    `gorm:"column:chunk_type"`
	PageStart      *int      `gorm:"column:page_start"`
	PageEnd        *int      `gorm:"column:page_end"`
	PageBoundaries []byte    `gorm:"column:page_boundaries"`
	Similarity     float64   `gorm:"column:similarity"`
}

// DenseSearch returns the k nearest chunks by cosine similarity, restricted
// to processed papers and the optional year window, with a hard similarity
// floor applied after the index scan.
func (s *vectorStoreImpl) DenseSearch(ctx context.Context, queryVec []float32, k int, minSimilarity float64, filters services.SearchFilters) ([]services.ChunkSearchResult, error) {
	if len(queryVec) != s.dimension {
		return nil, fmt.Errorf("query vector has dimension %d, expected %d", len(queryVec), s.dimension)
	}

	vec := pgvector.NewVector(queryVec)

	query := `
SELECT pc.id AS chunk_id, pc.paper_id, pc.chunk_text, pc.chunk_index,
       pc.section_title, pc.chunk_type, pc.page_start, pc.page_end,
       pc.page_boundaries,
       1 - (pc.embedding <=> ?) AS similarity
FROM paper_chunks pc
JOIN papers p ON p.id = pc.paper_id
WHERE p.is_processed = true`

	args := []interface{}{vec}
	if filters.YearFrom != nil {
		query += " AND p.year >= ?"
		args = append(args, *filters.YearFrom)
	}
	if filters.YearTo != nil {
		query += " AND p.year <= ?"
		args = append(args, *filters.YearTo)
	}
	query += `
ORDER BY pc.embedding <=> ?
LIMIT ?`
	args = append(args, vec, k)

	var rows []denseSearchRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: dense search: %v", services.ErrStoreUnavailable, err)
	}

	results := make([]services.ChunkSearchResult, 0, len(rows))
	for _, row := range rows {
		if row.Similarity < minSimilarity {
			continue
		}
		results = append(results, rowToResult(row))
	}
	return results, nil
}

// AllChunks loads the corpus for BM25 fitting. Only processed papers
// contribute, matching what dense search can return.
func (s *vectorStoreImpl) AllChunks(ctx context.Context) ([]services.ChunkSearchResult, error) {
	var rows []denseSearchRow
	err := s.db.WithContext(ctx).Raw(`
SELECT pc.id AS chunk_id, pc.paper_id, pc.chunk_text, pc.chunk_index,
       pc.section_title, pc.chunk_type, pc.page_start, pc.page_end,
       pc.page_boundaries, 0 AS similarity
FROM paper_chunks pc
JOIN papers p ON p.id = pc.paper_id
WHERE p.is_processed = true
ORDER BY pc.paper_id, pc.chunk_index`).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load corpus: %v", services.ErrStoreUnavailable, err)
	}

	results := make([]services.ChunkSearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, rowToResult(row))
	}
	return results, nil
}

func rowToResult(row denseSearchRow) services.ChunkSearchResult {
	result := services.ChunkSearchResult{
		ChunkID:      row.ChunkID,
		PaperID:      row.PaperID,
		Text:         row.ChunkText,
		ChunkIndex:   row.ChunkIndex,
		SectionTitle: row.SectionTitle,
		ChunkType:    models.ChunkType(row.ChunkType),
		PageStart:    row.PageStart,
		PageEnd:      row.PageEnd,
		Similarity:   row.Similarity,
	}
	if len(row.PageBoundaries) > 0 {
		_ = json.Unmarshal(row.PageBoundaries, &result.Boundaries)
	}
	return result
}
