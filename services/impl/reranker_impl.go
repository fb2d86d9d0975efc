package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/scholarcite/citation-backend/config"
	"github.com/scholarcite/citation-backend/services"
)

// rerankerImpl implements services.Reranker against an HTTP cross-encoder
// inference service. Passages are scored in capped batches; a transport or
// service failure surfaces as ErrRerankerUnavailable so callers can fall back
// to pre-rerank ordering.
type rerankerImpl struct {
	baseURL   string
	batchSize int
	maxLength int
	client    *http.Client
}

func NewReranker(cfg *config.RerankerConfig) services.Reranker {
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > 32 {
		batchSize = 32
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = 512
	}
	return &rerankerImpl{
		baseURL:   cfg.ServiceURL,
		batchSize: batchSize,
		maxLength: maxLength,
		client: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
	Error  string    `json:"error,omitempty"`
}

func (r *rerankerImpl) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	clipped := make([]string, len(passages))
	for i, passage := range passages {
		clipped[i] = truncatePassage(passage, r.maxLength)
	}

	scores := make([]float64, 0, len(clipped))
	for start := 0; start < len(clipped); start += r.batchSize {
		end := start + r.batchSize
		if end > len(clipped) {
			end = len(clipped)
		}

		batchScores, err := r.scoreBatch(ctx, query, clipped[start:end])
		if err != nil {
			return nil, err
		}
		scores = append(scores, batchScores...)
	}
	return scores, nil
}

// truncatePassage caps a passage at maxLength whitespace-separated terms. The
// cross-encoder discards anything past its sequence window anyway.
func truncatePassage(text string, maxLength int) string {
	fields := strings.Fields(text)
	if len(fields) <= maxLength {
		return text
	}
	return strings.Join(fields[:maxLength], " ")
}

func (r *rerankerImpl) scoreBatch(ctx context.Context, query string, passages []string) ([]float64, error) {
	jsonData, err := json.Marshal(rerankRequest{Query: query, Passages: passages})
	if err != nil {
		return nil, fmt.Errorf("marshaling rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrRerankerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", services.ErrRerankerUnavailable, resp.StatusCode)
	}

	var rerankResp rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rerankResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", services.ErrRerankerUnavailable, err)
	}
	if rerankResp.Error != "" {
		return nil, fmt.Errorf("%w: %s", services.ErrRerankerUnavailable, rerankResp.Error)
	}
	if len(rerankResp.Scores) != len(passages) {
		return nil, fmt.Errorf("%w: got %d scores for %d passages",
			services.ErrRerankerUnavailable, len(rerankResp.Scores), len(passages))
	}

	for i, s := range rerankResp.Scores {
		if s < 0 {
			rerankResp.Scores[i] = 0
		} else if s > 1 {
			rerankResp.Scores[i] = 1
		}
	}
	return rerankResp.Scores, nil
}
