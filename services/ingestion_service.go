package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/scholarcite/citation-backend/models"
)

var (
	// ErrMissingFile is returned when an extraction source path does not exist.
	ErrMissingFile = errors.New("file does not exist")

	// ErrUnsupportedFormat is returned for extensions outside the allow-list.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrExtractionEmpty is returned when extraction yields no text.
	ErrExtractionEmpty = errors.New("no text could be extracted")
)

// TextExtractor converts a document file into unicode text plus a page map
// whose half-open ranges cover the text exactly. Non-paginated formats yield
// a single page spanning the whole document.
type TextExtractor interface {
	ExtractText(path string, ext string) (string, []models.PageRange, error)
}

// EmbeddingService computes dense vectors of a fixed dimension. Batch calls
// cap at the configured batch size and populate the content-hash cache.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// IngestionService drives extract -> chunk -> embed -> store for one paper.
// Repeated runs are idempotent: existing chunks are replaced wholesale.
type IngestionService interface {
	ProcessPaper(ctx context.Context, paperID uuid.UUID) error
}

// WorkerStatus is the ingestion worker's poll-able snapshot.
type WorkerStatus struct {
	Running            bool    `json:"running"`
	TotalPapers        int64   `json:"total_papers"`
	Processed          int64   `json:"processed"`
	Failed             int64   `json:"failed"`
	Pending            int64   `json:"pending"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// IngestionWorker claims unprocessed papers in the background and runs the
// ingestion pipeline on them.
type IngestionWorker interface {
	Start()
	Stop()
	Status(ctx context.Context) (*WorkerStatus, error)
}
