package impl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
	"github.com/scholarcite/citation-backend/services/chunking"
)

const processingErrorLimit = 500

// ingestionServiceImpl implements services.IngestionService: extract text,
// recover metadata, chunk, embed, and store. Any failure is stamped onto the
// paper row so the worker's retry policy can see it.
type ingestionServiceImpl struct {
	db        *gorm.DB
	extractor services.TextExtractor
	embedder  services.EmbeddingService
	store     services.VectorStore
	chunker   *chunking.Chunker
}

func NewIngestionService(
	db *gorm.DB,
	extractor services.TextExtractor,
	embedder services.EmbeddingService,
	store services.VectorStore,
	policy chunking.Policy,
) services.IngestionService {
	return &ingestionServiceImpl{
		db:        db,
		extractor: extractor,
		embedder:  embedder,
		store:     store,
		chunker:   chunking.New(policy),
	}
}

// ProcessPaper runs the full pipeline for one paper. Reprocessing is safe:
// existing chunks are replaced wholesale and metadata fills only absent
// fields (except the title, which extraction always owns for uploads).
func (s *ingestionServiceImpl) ProcessPaper(ctx context.Context, paperID uuid.UUID) error {
	var paper models.Paper
	if err := s.db.WithContext(ctx).First(&paper, "id = ?", paperID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", services.ErrPaperNotFound, paperID)
		}
		return fmt.Errorf("load paper: %w", err)
	}

	if err := s.process(ctx, &paper); err != nil {
		s.stampFailure(&paper, err)
		return err
	}
	return nil
}

func (s *ingestionServiceImpl) process(ctx context.Context, paper *models.Paper) error {
	text, pages, err := s.resolveText(paper)
	if err != nil {
		return err
	}

	s.applyMetadata(paper, text)
	paper.FullText = text

	chunks, err := s.chunker.Chunk(ctx, text, chunking.StrategyHierarchical)
	if err != nil {
		return fmt.Errorf("chunk text: %w", err)
	}
	if len(chunks) == 0 {
		return services.ErrExtractionEmpty
	}
	chunks = chunking.MergeSmallChunks(chunks, s.chunker.Policy().MinSize)
	chunking.AnnotatePages(chunks, pages)

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	rows := make([]models.PaperChunk, len(chunks))
	for i, chunk := range chunks {
		row := models.PaperChunk{
			PaperID:      paper.ID,
			ChunkText:    chunk.Text,
			ChunkIndex:   chunk.ChunkIndex,
			StartChar:    chunk.StartChar,
			EndChar:      chunk.EndChar,
			SectionTitle: chunk.Section,
			ChunkType:    chunk.ChunkType,
			WordCount:    chunk.WordCount,
			Embedding:    pgvector.NewVector(vectors[i]),
			PageStart:    chunk.PageStart,
			PageEnd:      chunk.PageEnd,
		}
		if len(chunk.PageBoundaries) > 0 {
			if err := row.SetBoundaries(chunk.PageBoundaries); err != nil {
				return fmt.Errorf("encode page boundaries: %w", err)
			}
		}
		rows[i] = row
	}

	if err := s.store.InsertChunks(ctx, paper.ID, rows); err != nil {
		return err
	}

	// Paper-level embedding comes from the abstract when present; the first
	// chunk is close enough otherwise.
	embedSource := paper.Abstract
	if strings.TrimSpace(embedSource) == "" {
		embedSource = chunks[0].Text
	}
	paperVec, err := s.embedder.Embed(ctx, embedSource)
	if err != nil {
		return fmt.Errorf("embed paper: %w", err)
	}
	vec := pgvector.NewVector(paperVec)
	paper.Embedding = &vec

	paper.IsProcessed = true
	paper.ProcessingError = ""
	if err := s.db.WithContext(ctx).Save(paper).Error; err != nil {
		return fmt.Errorf("save paper: %w", err)
	}

	log.Printf("Ingested paper %s: %d chunks, %d pages", paper.ID, len(rows), len(pages))
	return nil
}

// resolveText prefers the attached file; papers synced without an attachment
// fall back to whatever text was stored (typically the abstract).
func (s *ingestionServiceImpl) resolveText(paper *models.Paper) (string, []models.PageRange, error) {
	if paper.FilePath != "" {
		return s.extractor.ExtractText(paper.FilePath, filepath.Ext(paper.FilePath))
	}

	text := paper.FullText
	if strings.TrimSpace(text) == "" {
		text = paper.Abstract
	}
	if strings.TrimSpace(text) == "" {
		return "", nil, services.ErrExtractionEmpty
	}
	return text, []models.PageRange{{PageNumber: 1, StartChar: 0, EndChar: len(text)}}, nil
}

// applyMetadata merges heuristic metadata into the paper. Only absent fields
// are filled, except the title: for uploads the placeholder filename title is
// always replaced by an extracted one.
func (s *ingestionServiceImpl) applyMetadata(paper *models.Paper, text string) {
	// Reference-manager metadata is authoritative; heuristics only run on
	// uploads.
	if paper.Source == models.PaperSourceZotero {
		return
	}

	meta := ExtractMetadata(text)

	if meta.Title != "" {
		paper.Title = meta.Title
	}
	if len(paper.AuthorList()) == 0 && len(meta.Authors) > 0 {
		if err := paper.SetAuthors(meta.Authors); err != nil {
			log.Printf("Encode authors for paper %s: %v", paper.ID, err)
		}
	}
	if paper.Abstract == "" && meta.Abstract != "" {
		paper.Abstract = meta.Abstract
	}
	if paper.Year == nil && meta.Year != nil {
		paper.Year = meta.Year
	}
}

// stampFailure records the error on the paper row, truncated to the column
// width. The stamp deliberately skips the request context so cancellation of
// the ingestion context cannot lose the error.
func (s *ingestionServiceImpl) stampFailure(paper *models.Paper, cause error) {
	msg := cause.Error()
	if len(msg) > processingErrorLimit {
		msg = msg[:processingErrorLimit]
	}

	err := s.db.Model(&models.Paper{}).
		Where("id = ?", paper.ID).
		Updates(map[string]interface{}{
			"is_processed":     false,
			"processing_error": msg,
		}).Error
	if err != nil {
		log.Printf("Failed to stamp processing error for paper %s: %v", paper.ID, err)
	}
}
