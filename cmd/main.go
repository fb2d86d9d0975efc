package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/scholarcite/citation-backend/config"
	"github.com/scholarcite/citation-backend/handlers"
	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services/chunking"
	"github.com/scholarcite/citation-backend/services/impl"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Initialize database connection
	db, err := initDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// The pgvector extension must exist before chunk tables migrate.
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		log.Fatal("Failed to enable pgvector extension:", err)
	}

	// Auto-migrate database schema
	if err := db.AutoMigrate(
		&models.Paper{},
		&models.PaperChunk{},
		&models.ZoteroSyncRecord{},
		&models.UserZoteroConfig{},
	); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Inference-service clients. An unreachable embedding model is fatal:
	// nothing works without vectors.
	embedder, err := impl.NewEmbeddingService(&cfg.Embedding)
	if err != nil {
		log.Fatal("Failed to initialize embedding service:", err)
	}
	reranker := impl.NewReranker(&cfg.Reranker)

	// Storage and index layers
	store := impl.NewVectorStore(db, cfg.Embedding.Dimension)
	sparseIndex := impl.NewBM25Index()
	cache := impl.NewSuggestionCache(&cfg.Redis)

	// Retrieval engine
	retrievalService := impl.NewRetrievalService(db, store, sparseIndex, embedder, reranker, cache, cfg.Reranker.Enabled)

	// Ingestion pipeline and worker
	extractor := impl.NewTextExtractor(cfg.Upload.AllowedExtensions)
	ingestionService := impl.NewIngestionService(db, extractor, embedder, store, chunking.Policy{
		TargetSize: cfg.Chunking.ChunkSize,
		Overlap:    cfg.Chunking.ChunkOverlap,
		MinSize:    cfg.Chunking.MinChunkSize,
		MaxSize:    cfg.Chunking.MaxChunkSize,
	})
	worker := impl.NewIngestionWorker(db, ingestionService, retrievalService)
	worker.Start()

	// Library synchroniser
	syncService := impl.NewZoteroSyncService(db, &cfg.Zotero, cfg.Upload.DataDir)

	// Handlers
	textAnalysis := impl.NewTextAnalysisService()
	wsHandlers := handlers.NewWebSocketHandlers(retrievalService, textAnalysis, cfg.WebSocket, cfg.CORS.AllowedOrigins)
	paperHandlers := handlers.NewPaperHandlers(db, retrievalService, worker, cfg.Upload)
	zoteroHandlers := handlers.NewZoteroHandlers(db, syncService)

	router := setupRouter(wsHandlers, paperHandlers, zoteroHandlers, cfg)

	srv := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Citation backend starting on %s", cfg.GetServerAddress())
		log.Printf("Embedding service: %s (dimension %d)", cfg.Embedding.ServiceURL, cfg.Embedding.Dimension)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Stop the worker before the store goes away under it.
	worker.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseDSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.MaxLifetime) * time.Second)

	return db, nil
}

func setupRouter(
	wsHandlers *handlers.WebSocketHandlers,
	paperHandlers *handlers.PaperHandlers,
	zoteroHandlers *handlers.ZoteroHandlers,
	cfg *config.Config,
) *gin.Engine {
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORS.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"service":     "citation-backend",
			"connections": wsHandlers.Manager().ConnectionCount(),
		})
	})

	// Live suggestion sessions
	router.GET("/ws/citations", wsHandlers.HandleCitations)
	router.GET("/ws/citations/v2", wsHandlers.HandleCitationsV2)

	// API v1 routes
	v1 := router.Group("/api/v1")

	papers := v1.Group("/papers")
	{
		papers.POST("/upload", paperHandlers.UploadPaper)
		papers.GET("", paperHandlers.ListPapers)
		papers.GET("/:id", paperHandlers.GetPaper)
		papers.GET("/:id/chunks", paperHandlers.GetPaperChunks)
		papers.DELETE("/:id", paperHandlers.DeletePaper)
		papers.POST("/:id/reprocess", paperHandlers.ReprocessPaper)
	}
	v1.GET("/ingestion/status", paperHandlers.IngestionStatus)

	zotero := v1.Group("/zotero")
	{
		zotero.GET("/config", zoteroHandlers.GetConfig)
		zotero.PUT("/config", zoteroHandlers.UpdateConfig)
		zotero.POST("/sync", zoteroHandlers.TriggerSync)
		zotero.GET("/sync/progress", zoteroHandlers.SyncProgress)
		zotero.GET("/groups", zoteroHandlers.ListGroups)
		zotero.GET("/collections", zoteroHandlers.ListCollections)
	}

	return router
}
