package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/scholarcite/citation-backend/config"
	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
)

type PaperHandlers struct {
	db        *gorm.DB
	retrieval services.RetrievalService
	worker    services.IngestionWorker
	uploadCfg config.UploadConfig
}

func NewPaperHandlers(
	db *gorm.DB,
	retrieval services.RetrievalService,
	worker services.IngestionWorker,
	uploadCfg config.UploadConfig,
) *PaperHandlers {
	return &PaperHandlers{
		db:        db,
		retrieval: retrieval,
		worker:    worker,
		uploadCfg: uploadCfg,
	}
}

// UploadPaper accepts a multipart document upload, deduplicates it by content
// hash, and queues it for ingestion. Duplicate uploads return the existing
// paper instead of an error.
func (h *PaperHandlers) UploadPaper(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploadCfg.MaxUploadSize)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File exceeds maximum upload size"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file field", "details": err.Error()})
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !h.extensionAllowed(ext) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Unsupported file type %q, allowed: %s", ext, strings.Join(h.uploadCfg.AllowedExtensions, ", ")),
		})
		return
	}

	path, hash, err := h.storeUpload(file, ext)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File exceeds maximum upload size"})
			return
		}
		log.Printf("Upload: store file failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store uploaded file"})
		return
	}

	// Same bytes seen before: hand back the existing paper.
	var existing models.Paper
	err = h.db.WithContext(c.Request.Context()).Where("file_hash = ?", hash).First(&existing).Error
	if err == nil {
		c.JSON(http.StatusOK, models.UploadResponse{
			PaperID:   existing.ID,
			Title:     existing.Title,
			Duplicate: true,
			Message:   "This file was already uploaded",
		})
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error", "details": err.Error()})
		return
	}

	title := strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	paper := models.Paper{
		Title:    title,
		Source:   models.PaperSourceUpload,
		FilePath: path,
		FileHash: hash,
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&paper).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create paper", "details": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, models.UploadResponse{
		PaperID: paper.ID,
		Title:   paper.Title,
		Message: "Queued for processing",
	})
}

func (h *PaperHandlers) extensionAllowed(ext string) bool {
	for _, allowed := range h.uploadCfg.AllowedExtensions {
		if strings.EqualFold(allowed, ext) {
			return true
		}
	}
	return false
}

// storeUpload streams the file to <data_dir>/uploads/<sha256><ext>, hashing
// on the way through.
func (h *PaperHandlers) storeUpload(file io.Reader, ext string) (string, string, error) {
	dir := filepath.Join(h.uploadCfg.DataDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create upload dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, hasher), file)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		os.Remove(tmpPath)
		if err == nil {
			err = closeErr
		}
		return "", "", err
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	finalPath := filepath.Join(dir, hash+ext)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("store upload: %w", err)
	}
	return finalPath, hash, nil
}

// ListPapers returns a filtered, paginated paper listing.
func (h *PaperHandlers) ListPapers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}

	query := h.db.WithContext(c.Request.Context()).Model(&models.Paper{})
	if source := c.Query("source"); source != "" {
		query = query.Where("source = ?", source)
	}
	if processed := c.Query("is_processed"); processed != "" {
		value, err := strconv.ParseBool(processed)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "is_processed must be a boolean"})
			return
		}
		query = query.Where("is_processed = ?", value)
	}
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		query = query.Where("title ILIKE ?", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error", "details": err.Error()})
		return
	}

	var papers []models.Paper
	err := query.Order("created_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&papers).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.PaperListResponse{
		Papers: papers,
		Total:  total,
		Page:   page,
		Size:   size,
	})
}

func (h *PaperHandlers) GetPaper(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid paper ID"})
		return
	}

	var paper models.Paper
	if err := h.db.WithContext(c.Request.Context()).First(&paper, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Paper not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, paper)
}

// GetPaperChunks returns a paper's chunks in reading order, embeddings
// omitted.
func (h *PaperHandlers) GetPaperChunks(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid paper ID"})
		return
	}

	var exists int64
	if err := h.db.WithContext(c.Request.Context()).Model(&models.Paper{}).Where("id = ?", id).Count(&exists).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error", "details": err.Error()})
		return
	}
	if exists == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Paper not found"})
		return
	}

	var chunks []models.PaperChunk
	err = h.db.WithContext(c.Request.Context()).
		Omit("embedding").
		Where("paper_id = ?", id).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"paper_id": id,
		"total":    len(chunks),
		"chunks":   chunks,
	})
}

// DeletePaper removes a paper, its chunks, and its sync records. The stored
// file is kept if another paper shares the same content hash.
func (h *PaperHandlers) DeletePaper(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid paper ID"})
		return
	}

	var paper models.Paper
	if err := h.db.WithContext(c.Request.Context()).First(&paper, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Paper not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error", "details": err.Error()})
		return
	}

	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("paper_id = ?", id).Delete(&models.PaperChunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("paper_id = ?", id).Delete(&models.ZoteroSyncRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&paper).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete paper", "details": err.Error()})
		return
	}

	if paper.FilePath != "" {
		var sharing int64
		h.db.Model(&models.Paper{}).Where("file_hash = ? AND id != ?", paper.FileHash, id).Count(&sharing)
		if sharing == 0 {
			if err := os.Remove(paper.FilePath); err != nil && !os.IsNotExist(err) {
				log.Printf("Delete paper %s: remove file: %v", id, err)
			}
		}
	}

	h.retrieval.RefreshIndex()
	c.JSON(http.StatusOK, gin.H{"message": "Paper deleted"})
}

// ReprocessPaper clears processing state so the worker picks the paper up
// again.
func (h *PaperHandlers) ReprocessPaper(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid paper ID"})
		return
	}

	result := h.db.WithContext(c.Request.Context()).Model(&models.Paper{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_processed":     false,
			"processing_error": "",
		})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error", "details": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Paper not found"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Paper queued for reprocessing"})
}

// IngestionStatus exposes the worker's progress snapshot.
func (h *PaperHandlers) IngestionStatus(c *gin.Context) {
	status, err := h.worker.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read worker status", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}
