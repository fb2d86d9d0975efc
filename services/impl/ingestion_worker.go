package impl

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
)

// Worker pacing. A processed paper means more may be waiting; an empty queue
// backs off a full minute; an error cools down before the next claim.
const (
	workerSleepAfterWork  = 5 * time.Second
	workerSleepWhenIdle   = 60 * time.Second
	workerSleepAfterError = 30 * time.Second

	// Failed papers become claimable again after this long, so transient
	// inference-service outages self-heal.
	errorRetryAfter = 30 * time.Minute
)

// ingestionWorkerImpl claims unprocessed papers one at a time and runs the
// ingestion pipeline. A single worker per process keeps the embedding service
// load predictable.
type ingestionWorkerImpl struct {
	db        *gorm.DB
	ingestion services.IngestionService
	retrieval services.RetrievalService

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewIngestionWorker(db *gorm.DB, ingestion services.IngestionService, retrieval services.RetrievalService) services.IngestionWorker {
	return &ingestionWorkerImpl{
		db:        db,
		ingestion: ingestion,
		retrieval: retrieval,
	}
}

func (w *ingestionWorkerImpl) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(ctx)
	log.Println("Ingestion worker started")
}

// Stop signals the loop and waits for the in-flight paper to finish.
func (w *ingestionWorkerImpl) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	log.Println("Ingestion worker stopped")
}

func (w *ingestionWorkerImpl) loop(ctx context.Context) {
	defer close(w.done)

	for {
		sleep := w.runOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// runOnce claims and processes at most one paper and returns how long to
// sleep before the next attempt.
func (w *ingestionWorkerImpl) runOnce(ctx context.Context) time.Duration {
	paper, err := w.claim(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("Ingestion worker: claim failed: %v", err)
		}
		return workerSleepAfterError
	}
	if paper == nil {
		return workerSleepWhenIdle
	}

	log.Printf("Ingestion worker: processing paper %s (%s)", paper.ID, paper.Title)
	if err := w.ingestion.ProcessPaper(ctx, paper.ID); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("Ingestion worker: paper %s failed: %v", paper.ID, err)
		}
		return workerSleepAfterError
	}

	// New chunks change BM25 statistics and invalidate cached suggestions.
	w.retrieval.RefreshIndex()
	return workerSleepAfterWork
}

// claim picks the oldest unprocessed paper with an attached file. Papers
// carrying an error are skipped until the retry window elapses; claiming
// clears the error so a crash mid-process leaves a fresh attempt visible.
func (w *ingestionWorkerImpl) claim(ctx context.Context) (*models.Paper, error) {
	var paper models.Paper
	err := w.db.WithContext(ctx).
		Where("file_path IS NOT NULL AND file_path != ''").
		Where("is_processed = ?", false).
		Where("processing_error = '' OR updated_at < ?", time.Now().Add(-errorRetryAfter)).
		Order("created_at ASC").
		First(&paper).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	err = w.db.WithContext(ctx).Model(&models.Paper{}).
		Where("id = ?", paper.ID).
		Update("processing_error", "").Error
	if err != nil {
		return nil, err
	}
	return &paper, nil
}

func (w *ingestionWorkerImpl) Status(ctx context.Context) (*services.WorkerStatus, error) {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()

	var total, processed, failed int64
	db := w.db.WithContext(ctx).Model(&models.Paper{})

	if err := db.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, err
	}
	if err := db.Session(&gorm.Session{}).Where("is_processed = ?", true).Count(&processed).Error; err != nil {
		return nil, err
	}
	if err := db.Session(&gorm.Session{}).Where("is_processed = ? AND processing_error != ''", false).Count(&failed).Error; err != nil {
		return nil, err
	}

	status := &services.WorkerStatus{
		Running:     running,
		TotalPapers: total,
		Processed:   processed,
		Failed:      failed,
		Pending:     total - processed - failed,
	}
	if total > 0 {
		status.ProgressPercentage = float64(processed) / float64(total) * 100
	}
	return status, nil
}
