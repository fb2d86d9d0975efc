package impl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scholarcite/citation-backend/config"
	"github.com/scholarcite/citation-backend/services"
)

// embeddingServiceImpl implements services.EmbeddingService against an HTTP
// embedding inference service. Model inference is CPU-bound on the far side,
// so calls are funnelled through a bounded worker semaphore; an LRU keyed by
// content hash short-circuits repeated texts.
type embeddingServiceImpl struct {
	baseURL   string
	model     string
	dimension int
	batchSize int
	client    *http.Client
	cache     *lru.Cache[string, []float32]
	sem       chan struct{}
}

// NewEmbeddingService creates the embedder and verifies the inference
// service is reachable. An unreachable model is fatal at startup.
func NewEmbeddingService(cfg *config.EmbeddingConfig) (services.EmbeddingService, error) {
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > 32 {
		batchSize = 32
	}

	svc := &embeddingServiceImpl{
		baseURL:   cfg.ServiceURL,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: batchSize,
		client: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		cache: cache,
		sem:   make(chan struct{}, workers),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.ping(ctx); err != nil {
		return nil, fmt.Errorf("embedding model unavailable: %w", err)
	}

	return svc, nil
}

func (s *embeddingServiceImpl) Dimension() int {
	return s.dimension
}

func (s *embeddingServiceImpl) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service health returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *embeddingServiceImpl) Embed(ctx context.Context, text string) ([]float32, error) {
	key := contentHash(text)
	if vec, ok := s.cache.Get(key); ok {
		return vec, nil
	}

	vecs, err := s.callService(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding service returned %d vectors for 1 text", len(vecs))
	}

	s.cache.Add(key, vecs[0])
	return vecs[0], nil
}

func (s *embeddingServiceImpl) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))

	// Cache lookups first; only misses go to the model.
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := s.cache.Get(contentHash(text)); ok {
			results[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	for start := 0; start < len(missTexts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}

		vecs, err := s.callService(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(vecs), end-start)
		}

		for j, vec := range vecs {
			idx := missIdx[start+j]
			results[idx] = vec
			s.cache.Add(contentHash(texts[idx]), vec)
		}
	}

	return results, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (s *embeddingServiceImpl) callService(ctx context.Context, texts []string) ([][]float32, error) {
	// Acquire a worker slot; embedding is CPU-bound on the model side.
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	jsonData, err := json.Marshal(embedRequest{Model: s.model, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling embedding service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d", resp.StatusCode)
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	if embedResp.Error != "" {
		return nil, fmt.Errorf("embedding service error: %s", embedResp.Error)
	}

	for i, vec := range embedResp.Embeddings {
		if len(vec) != s.dimension {
			return nil, fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(vec), s.dimension)
		}
	}

	return embedResp.Embeddings, nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
