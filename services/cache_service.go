package services

import (
	"context"

	"github.com/scholarcite/citation-backend/models"
)

// SuggestionCache stores computed suggestion lists keyed by
// (user, query fingerprint, strategy, reranking). A stale or absent cache
// never produces wrong answers; the key covers every knob that changes
// scores.
type SuggestionCache interface {
	Get(ctx context.Context, key string) ([]models.Suggestion, bool)
	Set(ctx context.Context, key string, suggestions []models.Suggestion)
	Invalidate(ctx context.Context, pattern string) error
	Key(userID, text string, strategy models.SearchStrategy, useReranking bool) string
}
