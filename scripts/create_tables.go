package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	fmt.Println("Creating citation backend database tables...")

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=citeuser password=citepassword dbname=citations sslmode=disable"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Test connection
	err = db.Ping()
	if err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	fmt.Println("✅ Connected to database")

	// Vector extension must exist before any vector columns
	fmt.Println("Enabling pgvector extension...")
	_, err = db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`)
	if err != nil {
		log.Fatalf("Failed to enable pgvector extension: %v", err)
	}
	fmt.Println("✅ pgvector extension enabled")

	// Create papers table
	fmt.Println("Creating papers table...")
	createPapersTable := `
	CREATE TABLE IF NOT EXISTS papers (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		title TEXT NOT NULL,
		authors JSONB DEFAULT '[]',
		year INTEGER,
		journal TEXT,
		abstract TEXT,
		doi VARCHAR(255),
		arxiv_id VARCHAR(255),
		pubmed_id VARCHAR(255),
		zotero_key VARCHAR(255),
		full_text TEXT,
		source VARCHAR(50) NOT NULL DEFAULT 'upload',
		is_processed BOOLEAN DEFAULT FALSE,
		processing_error VARCHAR(500),
		file_path TEXT,
		file_hash VARCHAR(64),
		embedding vector(384),
		citation_count INTEGER DEFAULT 0,
		venue_rank VARCHAR(10),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		CONSTRAINT chk_papers_doi_nonempty CHECK (doi IS NULL OR doi <> ''),
		CONSTRAINT chk_papers_arxiv_nonempty CHECK (arxiv_id IS NULL OR arxiv_id <> ''),
		CONSTRAINT chk_papers_pubmed_nonempty CHECK (pubmed_id IS NULL OR pubmed_id <> ''),
		CONSTRAINT chk_papers_zotero_nonempty CHECK (zotero_key IS NULL OR zotero_key <> '')
	)`

	_, err = db.Exec(createPapersTable)
	if err != nil {
		log.Printf("Warning: Failed to create papers table: %v", err)
	} else {
		fmt.Println("✅ Papers table created/verified")
	}

	// Unique identifier indexes (NULLs excluded by definition)
	fmt.Println("Creating papers indexes...")
	paperIndexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_papers_doi ON papers (doi) WHERE doi IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_papers_arxiv_id ON papers (arxiv_id) WHERE arxiv_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_papers_pubmed_id ON papers (pubmed_id) WHERE pubmed_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_papers_zotero_key ON papers (zotero_key) WHERE zotero_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_papers_file_hash ON papers (file_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_papers_is_processed ON papers (is_processed)`,
	}
	for _, idx := range paperIndexes {
		if _, err := db.Exec(idx); err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
		}
	}
	fmt.Println("✅ Papers indexes created/verified")

	// Create paper_chunks table
	fmt.Println("Creating paper_chunks table...")
	createChunksTable := `
	CREATE TABLE IF NOT EXISTS paper_chunks (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		paper_id UUID NOT NULL REFERENCES papers(id) ON DELETE CASCADE,
		chunk_text TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		start_char INTEGER NOT NULL,
		end_char INTEGER NOT NULL,
		section_title TEXT,
		chunk_type VARCHAR(50),
		word_count INTEGER DEFAULT 0,
		embedding vector(384),
		page_start INTEGER,
		page_end INTEGER,
		page_boundaries JSONB,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_paper_chunk UNIQUE (paper_id, chunk_index)
	)`

	_, err = db.Exec(createChunksTable)
	if err != nil {
		log.Printf("Warning: Failed to create paper_chunks table: %v", err)
	} else {
		fmt.Println("✅ Paper chunks table created/verified")
	}

	// Approximate-nearest-neighbour index for cosine search
	fmt.Println("Creating chunk embedding index...")
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_paper_chunks_embedding
		ON paper_chunks USING hnsw (embedding vector_cosine_ops)`)
	if err != nil {
		log.Printf("Warning: Failed to create embedding index (pgvector >= 0.5 required for hnsw): %v", err)
	} else {
		fmt.Println("✅ Chunk embedding index created/verified")
	}

	// Create zotero_sync_records table
	fmt.Println("Creating zotero_sync_records table...")
	createSyncTable := `
	CREATE TABLE IF NOT EXISTS zotero_sync_records (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		paper_id UUID NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		zotero_library_id VARCHAR(255),
		zotero_key VARCHAR(255) NOT NULL,
		zotero_version INTEGER DEFAULT 0,
		last_synced_at TIMESTAMP WITH TIME ZONE,
		sync_status VARCHAR(50) DEFAULT 'pending',
		last_error VARCHAR(500),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_user_zotero_key UNIQUE (user_id, zotero_key)
	)`

	_, err = db.Exec(createSyncTable)
	if err != nil {
		log.Printf("Warning: Failed to create zotero_sync_records table: %v", err)
	} else {
		fmt.Println("✅ Zotero sync records table created/verified")
	}

	// Create user_zotero_configs table
	fmt.Println("Creating user_zotero_configs table...")
	createConfigTable := `
	CREATE TABLE IF NOT EXISTS user_zotero_configs (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id VARCHAR(255) NOT NULL UNIQUE,
		api_key VARCHAR(255),
		zotero_user_id VARCHAR(255),
		auto_sync BOOLEAN DEFAULT FALSE,
		sync_interval_mins INTEGER DEFAULT 60,
		last_sync_at TIMESTAMP WITH TIME ZONE,
		last_sync_status VARCHAR(50),
		selected_groups JSONB DEFAULT '[]',
		selected_collections JSONB DEFAULT '[]',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`

	_, err = db.Exec(createConfigTable)
	if err != nil {
		log.Printf("Warning: Failed to create user_zotero_configs table: %v", err)
	} else {
		fmt.Println("✅ User Zotero configs table created/verified")
	}

	fmt.Println("🎉 Database is ready!")
}
