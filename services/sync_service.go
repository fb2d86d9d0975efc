package services

import (
	"context"
	"errors"

	"github.com/scholarcite/citation-backend/models"
)

var (
	// ErrZoteroNotConfigured is returned when a user has no API key stored.
	ErrZoteroNotConfigured = errors.New("zotero integration not configured")

	// ErrSyncInProgress rejects a second concurrent sync for the same user.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// ZoteroSyncService mirrors the selected subset of a user's Zotero library
// into local papers and drives new files into the ingestion pipeline.
type ZoteroSyncService interface {
	// SyncLibrary runs one reconciliation pass for the user. Item failures
	// are recorded and skipped; the pass continues.
	SyncLibrary(ctx context.Context, userID string, opts models.SyncOptions) (*models.SyncResult, error)

	// Progress returns the current progress snapshot for the user's sync.
	Progress(userID string) models.SyncProgress

	// ListGroups enumerates the libraries the configured key can access.
	ListGroups(ctx context.Context, userID string) ([]models.ZoteroGroup, error)

	// ListCollections enumerates collections of one library.
	ListCollections(ctx context.Context, userID string, libraryID string) ([]models.ZoteroCollection, error)
}
