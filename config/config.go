package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Embedding EmbeddingConfig `json:"embedding"`
	Reranker  RerankerConfig  `json:"reranker"`
	Chunking  ChunkingConfig  `json:"chunking"`
	Upload    UploadConfig    `json:"upload"`
	WebSocket WebSocketConfig `json:"websocket"`
	Zotero    ZoteroConfig    `json:"zotero"`
	CORS      CORSConfig      `json:"cors"`
}

type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout"`
	WriteTimeout int    `json:"write_timeout"`
	IdleTimeout  int    `json:"idle_timeout"`
}

type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
	MaxLifetime  int    `json:"max_lifetime"`
}

// RedisConfig holds configuration for the suggestion response cache.
// An empty host disables caching; retrieval stays correct without it.
type RedisConfig struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	ResponseCacheTTL int    `json:"response_cache_ttl"` // TTL for cached suggestion responses in seconds
	EnableCache      bool   `json:"enable_cache"`
}

// EmbeddingConfig holds configuration for the embedding inference service.
type EmbeddingConfig struct {
	ServiceURL string `json:"service_url"`
	Model      string `json:"model"`
	Dimension  int    `json:"dimension"`
	Timeout    int    `json:"timeout"`
	BatchSize  int    `json:"batch_size"`
	CacheSize  int    `json:"cache_size"`
	Workers    int    `json:"workers"`
}

// RerankerConfig holds configuration for the cross-encoder reranker service.
type RerankerConfig struct {
	ServiceURL string `json:"service_url"`
	Timeout    int    `json:"timeout"`
	BatchSize  int    `json:"batch_size"`
	MaxLength  int    `json:"max_length"`
	Enabled    bool   `json:"enabled"`
}

type ChunkingConfig struct {
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`
	MinChunkSize int `json:"min_chunk_size"`
	MaxChunkSize int `json:"max_chunk_size"`
}

type UploadConfig struct {
	MaxUploadSize     int64    `json:"max_upload_size"`
	AllowedExtensions []string `json:"allowed_extensions"`
	DataDir           string   `json:"data_dir"`
}

type WebSocketConfig struct {
	RateLimitPerMinute int `json:"rate_limit_per_minute"`
	SuggestTimeout     int `json:"suggest_timeout"` // per-request retrieval deadline in seconds
}

// ZoteroConfig holds configuration for the external reference-manager API.
type ZoteroConfig struct {
	BaseURL    string `json:"base_url"`
	APIVersion string `json:"api_version"`
	Timeout    int    `json:"timeout"`
	PageSize   int    `json:"page_size"`
}

type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
}

func LoadConfig() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 30),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "citeuser"),
			Password:     getEnv("DB_PASSWORD", ""),
			Name:         getEnv("DB_NAME", "citations"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
		},
		Redis: RedisConfig{
			Host:             getEnv("REDIS_HOST", ""),
			Port:             getEnvAsInt("REDIS_PORT", 6379),
			Password:         getEnv("REDIS_PASSWORD", ""),
			DB:               getEnvAsInt("REDIS_DB", 0),
			ResponseCacheTTL: getEnvAsInt("REDIS_RESPONSE_CACHE_TTL", 3600),
			EnableCache:      getEnvAsBool("REDIS_ENABLE_CACHE", true),
		},
		Embedding: EmbeddingConfig{
			ServiceURL: getEnv("EMBEDDING_SERVICE_URL", "http://localhost:8090"),
			Model:      getEnv("EMBEDDING_MODEL", "all-MiniLM-L6-v2"),
			Dimension:  getEnvAsInt("EMBEDDING_DIMENSION", 384),
			Timeout:    getEnvAsInt("EMBEDDING_TIMEOUT", 30),
			BatchSize:  getEnvAsInt("EMBEDDING_BATCH_SIZE", 32),
			CacheSize:  getEnvAsInt("EMBEDDING_CACHE_SIZE", 1000),
			Workers:    getEnvAsInt("EMBEDDING_WORKERS", 4),
		},
		Reranker: RerankerConfig{
			ServiceURL: getEnv("RERANKER_SERVICE_URL", "http://localhost:8091"),
			Timeout:    getEnvAsInt("RERANKER_TIMEOUT", 15),
			BatchSize:  getEnvAsInt("RERANKER_BATCH_SIZE", 32),
			MaxLength:  getEnvAsInt("RERANKER_MAX_LENGTH", 512),
			Enabled:    getEnvAsBool("RERANKER_ENABLED", true),
		},
		Chunking: ChunkingConfig{
			ChunkSize:    getEnvAsInt("CHUNK_SIZE", 250),
			ChunkOverlap: getEnvAsInt("CHUNK_OVERLAP", 50),
			MinChunkSize: getEnvAsInt("MIN_CHUNK_SIZE", 100),
			MaxChunkSize: getEnvAsInt("MAX_CHUNK_SIZE", 1000),
		},
		Upload: UploadConfig{
			MaxUploadSize:     getEnvAsInt64("MAX_UPLOAD_SIZE", 52428800),
			AllowedExtensions: getEnvAsSlice("ALLOWED_EXTENSIONS", []string{".pdf", ".docx", ".doc", ".txt", ".rtf"}),
			DataDir:           getEnv("DATA_DIR", "./data"),
		},
		WebSocket: WebSocketConfig{
			RateLimitPerMinute: getEnvAsInt("WEBSOCKET_RATE_LIMIT", 60),
			SuggestTimeout:     getEnvAsInt("WEBSOCKET_SUGGEST_TIMEOUT", 10),
		},
		Zotero: ZoteroConfig{
			BaseURL:    getEnv("ZOTERO_BASE_URL", "https://api.zotero.org"),
			APIVersion: getEnv("ZOTERO_API_VERSION", "3"),
			Timeout:    getEnvAsInt("ZOTERO_TIMEOUT", 30),
			PageSize:   getEnvAsInt("ZOTERO_PAGE_SIZE", 50),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func validateConfig(config *Config) error {
	if config.Database.Password == "" {
		return fmt.Errorf("database password is required (DB_PASSWORD)")
	}

	if config.Embedding.ServiceURL == "" {
		return fmt.Errorf("embedding service URL is required (EMBEDDING_SERVICE_URL)")
	}

	if config.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive (EMBEDDING_DIMENSION)")
	}

	if config.Chunking.ChunkOverlap >= config.Chunking.ChunkSize {
		return fmt.Errorf("chunk overlap must be smaller than chunk size")
	}

	if config.Upload.MaxUploadSize <= 0 {
		return fmt.Errorf("max upload size must be positive (MAX_UPLOAD_SIZE)")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
