package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
)

type ZoteroHandlers struct {
	db   *gorm.DB
	sync services.ZoteroSyncService
}

func NewZoteroHandlers(db *gorm.DB, sync services.ZoteroSyncService) *ZoteroHandlers {
	return &ZoteroHandlers{db: db, sync: sync}
}

// userID pulls the caller identity from the query string. Authentication is
// handled upstream of this service.
func userID(c *gin.Context) (string, bool) {
	id := c.Query("user_id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return "", false
	}
	return id, true
}

// GetConfig returns the user's integration settings, API key omitted.
func (h *ZoteroHandlers) GetConfig(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	var cfg models.UserZoteroConfig
	err := h.db.WithContext(c.Request.Context()).Where("user_id = ?", id).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Zotero integration not configured"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"config":          cfg,
		"has_api_key":     cfg.APIKey != "",
		"selected_groups": cfg.GroupList(),
		"collections":     cfg.CollectionList(),
	})
}

// UpdateConfig creates or updates the user's integration settings.
func (h *ZoteroHandlers) UpdateConfig(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	var req models.ZoteroConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	var cfg models.UserZoteroConfig
	err := h.db.WithContext(c.Request.Context()).Where("user_id = ?", id).First(&cfg).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error", "details": err.Error()})
		return
	}
	cfg.UserID = id

	if req.APIKey != "" {
		cfg.APIKey = req.APIKey
	}
	if req.ZoteroUserID != "" {
		cfg.ZoteroUserID = req.ZoteroUserID
	}
	if req.AutoSync != nil {
		cfg.AutoSync = *req.AutoSync
	}
	if req.SyncIntervalMins != nil && *req.SyncIntervalMins > 0 {
		cfg.SyncIntervalMins = *req.SyncIntervalMins
	}
	if req.SelectedGroups != nil {
		groups, err := models.ConvertToJSON(req.SelectedGroups)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group selection"})
			return
		}
		cfg.SelectedGroups = groups
	}
	if req.SelectedCollections != nil {
		if err := cfg.SetCollections(req.SelectedCollections); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid collection selection"})
			return
		}
	}

	if err := h.db.WithContext(c.Request.Context()).Save(&cfg).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save config", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Configuration saved"})
}

// TriggerSync starts an asynchronous synchronisation run. An optional JSON
// body carries modified_since and force_full_sync. Progress is available at
// the progress endpoint; a trigger while a run is already in flight is a
// no-op.
func (h *ZoteroHandlers) TriggerSync(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	var opts models.SyncOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
	}

	go func() {
		// Library syncs outlive the HTTP request.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		result, err := h.sync.SyncLibrary(ctx, id, opts)
		if err != nil {
			if !errors.Is(err, services.ErrSyncInProgress) {
				log.Printf("Zotero sync for user %s failed: %v", id, err)
			}
			return
		}
		log.Printf("Zotero sync for user %s: %d new, %d updated, %d skipped, %d failed",
			id, result.New, result.Updated, result.Skipped, result.Failed)
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "Sync started"})
}

// SyncProgress returns the current progress snapshot.
func (h *ZoteroHandlers) SyncProgress(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.sync.Progress(id))
}

// ListGroups proxies the accessible group libraries.
func (h *ZoteroHandlers) ListGroups(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	groups, err := h.sync.ListGroups(c.Request.Context(), id)
	if err != nil {
		h.remoteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// ListCollections proxies one library's collections; library_id defaults to
// the personal library.
func (h *ZoteroHandlers) ListCollections(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	collections, err := h.sync.ListCollections(c.Request.Context(), id, c.Query("library_id"))
	if err != nil {
		h.remoteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collections": collections})
}

func (h *ZoteroHandlers) remoteError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrZoteroNotConfigured) {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "Zotero integration not configured"})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "Zotero API request failed", "details": err.Error()})
}
