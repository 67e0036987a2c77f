// Package config provides unified configuration loading for the engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds all configuration for the engine.
type Settings struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	PGVector      PGVectorConfig      `yaml:"pgvector"`
	FTS           FTSConfig           `yaml:"fts"`
	Search        SearchConfig        `yaml:"search"`
	Secondary     SecondaryConfig     `yaml:"secondary"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Cache         CacheConfig         `yaml:"cache"`
	LLM           LLMConfig           `yaml:"llm"`
	Research      ResearchConfig      `yaml:"research"`
	URLIngest     URLIngestConfig     `yaml:"url_ingest"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// StoreEmbeddings controls whether chunk embeddings are written to the
	// relational store. When false the secondary index is authoritative for
	// vectors and relational semantic search returns empty.
	StoreEmbeddings bool `yaml:"store_embeddings"`
}

// PGVectorConfig holds vector index settings for the relational store.
type PGVectorConfig struct {
	Metric string `yaml:"metric"` // cosine, l2 or ip
	Lists  int    `yaml:"lists"`
	Probes int    `yaml:"probes"`
}

// FTSConfig holds full-text search settings.
type FTSConfig struct {
	Config string `yaml:"config"` // text search configuration, e.g. english
}

// SearchConfig selects the primary retrieval backend.
type SearchConfig struct {
	Backend           string  `yaml:"backend"` // relational or secondary
	DefaultTopK       int     `yaml:"default_top_k"`
	ImageVectorWeight float64 `yaml:"image_vector_weight"`
	ImageTextWeight   float64 `yaml:"image_text_weight"`
}

// SecondaryConfig holds secondary index (OpenSearch-compatible) settings.
type SecondaryConfig struct {
	BaseURL             string        `yaml:"base_url"`
	Index               string        `yaml:"index"`
	ImageIndex          string        `yaml:"image_index"`
	Engine              string        `yaml:"engine"`   // nmslib, lucene or faiss
	Distance            string        `yaml:"distance"` // cosinesimil, l2 or innerproduct
	Username            string        `yaml:"username"`
	Password            string        `yaml:"password"`
	Shards              int           `yaml:"shards"`
	Replicas            int           `yaml:"replicas"`
	NumCandidates       int           `yaml:"num_candidates"`
	RecencyBoost        float64       `yaml:"recency_boost"`
	RecencyHalfLifeDays float64       `yaml:"recency_half_life_days"`
	Timeout             time.Duration `yaml:"timeout"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"` // http or mock
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	TextModel  string        `yaml:"text_model"`
	ImageModel string        `yaml:"image_model"`
	TextDim    int           `yaml:"text_dim"`
	ImageDim   int           `yaml:"image_dim"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CacheConfig holds tenant cache settings.
type CacheConfig struct {
	RedisURL         string        `yaml:"redis_url"`
	TTL              time.Duration `yaml:"ttl"`
	RagTTL           time.Duration `yaml:"rag_ttl"`
	App              string        `yaml:"app"`
	SchemaVersion    int           `yaml:"schema_version"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// LLMConfig holds LLM adapter settings.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // none, ollama or openai
	OllamaHost  string        `yaml:"ollama_host"`
	OllamaModel string        `yaml:"ollama_model"`
	OpenAIBase  string        `yaml:"openai_base"`
	OpenAIModel string        `yaml:"openai_model"`
	OpenAIKey   string        `yaml:"openai_key"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ResearchConfig holds Deep Research orchestrator settings.
type ResearchConfig struct {
	TimeoutSeconds       int     `yaml:"timeout_seconds"`
	WebTopK              int     `yaml:"web_top_k"`
	ConfidenceFloor      float64 `yaml:"confidence_floor"`
	RetryLoops           int     `yaml:"retry_loops"`
	MissingLoops         int     `yaml:"missing_loops"`
	MissingTopK          int     `yaml:"missing_top_k"`
	LocalTopK            int     `yaml:"local_top_k"`
	RecencyBoost         float64 `yaml:"recency_boost"`
	HalfLifeDays         float64 `yaml:"half_life_days"`
	KeepMessages         int     `yaml:"keep_messages"`
	FollowupsEnabled     bool    `yaml:"followups_enabled"`
	FollowupRelevanceMin float64 `yaml:"followup_relevance_min"`
	FollowupThreshold    float64 `yaml:"followup_threshold"`
	FollowupMaxQuestions int     `yaml:"followup_max_questions"`
	// SessionTTL bounds how long conversation state lives in the cache.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// URLIngestConfig holds external URL crawl settings.
type URLIngestConfig struct {
	MaxDepth      int           `yaml:"max_depth"`
	MaxPages      int           `yaml:"max_pages"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	MaxHTMLBytes  int           `yaml:"max_html_bytes"`
	MinContentLen int           `yaml:"min_content_len"`
	UserAgent     string        `yaml:"user_agent"`
}

// IngestConfig holds document ingest settings.
type IngestConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	MaxUploadMB  int `yaml:"max_upload_mb"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Settings, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with development defaults.
func Default() *Settings {
	return &Settings{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    1,
			ConnMaxLifetime: 5 * time.Minute,
			StoreEmbeddings: true,
		},
		PGVector: PGVectorConfig{
			Metric: "cosine",
			Lists:  1000,
			Probes: 10,
		},
		FTS: FTSConfig{
			Config: "english",
		},
		Search: SearchConfig{
			Backend:           "secondary",
			DefaultTopK:       25,
			ImageVectorWeight: 0.6,
			ImageTextWeight:   0.4,
		},
		Secondary: SecondaryConfig{
			BaseURL:             "http://localhost:9200",
			Index:               "spacesai_chunks",
			ImageIndex:          "spacesai_images",
			Engine:              "nmslib",
			Distance:            "cosinesimil",
			Shards:              3,
			Replicas:            1,
			NumCandidates:       0,
			RecencyBoost:        0,
			RecencyHalfLifeDays: 30,
			Timeout:             10 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:  "mock",
			TextModel: "all-MiniLM-L6-v2",
			TextDim:   384,
			ImageDim:  512,
			BatchSize: 64,
			Timeout:   30 * time.Second,
		},
		Cache: CacheConfig{
			TTL:              300 * time.Second,
			RagTTL:           600 * time.Second,
			App:              "spacesai",
			SchemaVersion:    1,
			FailureThreshold: 3,
			Cooldown:         30 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    "none",
			OllamaHost:  "http://localhost:11434",
			OllamaModel: "llama3.2:latest",
			OpenAIBase:  "https://api.openai.com/v1",
			OpenAIModel: "gpt-4o-mini",
			MaxTokens:   512,
			Temperature: 0.2,
			Timeout:     60 * time.Second,
		},
		Research: ResearchConfig{
			TimeoutSeconds:       120,
			WebTopK:              3,
			ConfidenceFloor:      0.55,
			RetryLoops:           1,
			MissingLoops:         1,
			MissingTopK:          2,
			LocalTopK:            15,
			RecencyBoost:         0,
			HalfLifeDays:         30,
			KeepMessages:         20,
			FollowupsEnabled:     true,
			FollowupRelevanceMin: 0.12,
			FollowupThreshold:    0.75,
			FollowupMaxQuestions: 2,
			SessionTTL:           14 * 24 * time.Hour,
		},
		URLIngest: URLIngestConfig{
			MaxDepth:      1,
			MaxPages:      5,
			FetchTimeout:  15 * time.Second,
			MaxHTMLBytes:  200_000,
			MinContentLen: 120,
			UserAgent:     "SpacesAI-Bot/1.0 (+https://spacesai.local)",
		},
		Ingest: IngestConfig{
			ChunkSize:    2500,
			ChunkOverlap: 250,
			MaxUploadMB:  200,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "spaces-engine",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Settings) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Search.Backend {
	case "relational", "secondary":
	default:
		return fmt.Errorf("invalid search backend: %s", c.Search.Backend)
	}
	switch c.PGVector.Metric {
	case "cosine", "l2", "ip":
	default:
		return fmt.Errorf("invalid pgvector metric: %s", c.PGVector.Metric)
	}
	switch c.Secondary.Distance {
	case "cosinesimil", "l2", "innerproduct":
	default:
		return fmt.Errorf("invalid secondary distance: %s", c.Secondary.Distance)
	}
	if c.Search.DefaultTopK < 1 || c.Search.DefaultTopK > 1000 {
		return fmt.Errorf("default_top_k must be in 1..1000")
	}
	if c.Embedding.TextDim < 1 || c.Embedding.ImageDim < 1 {
		return fmt.Errorf("embedding dimensions must be positive")
	}
	if c.Ingest.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("chunk_overlap must be in 0..chunk_size-1")
	}
	if c.Cache.FailureThreshold < 1 {
		return fmt.Errorf("cache failure_threshold must be positive")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Settings) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	setSeconds := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = time.Duration(n) * time.Second
			}
		}
	}

	setStr("SERVER_HOST", &cfg.Server.Host)
	setInt("SERVER_PORT", &cfg.Server.Port)

	setStr("DATABASE_URL", &cfg.Database.DSN)
	setInt("DB_POOL_MAX", &cfg.Database.MaxOpenConns)
	setBool("DB_STORE_EMBEDDINGS", &cfg.Database.StoreEmbeddings)

	setStr("PGVECTOR_METRIC", &cfg.PGVector.Metric)
	setInt("PGVECTOR_LISTS", &cfg.PGVector.Lists)
	setInt("PGVECTOR_PROBES", &cfg.PGVector.Probes)
	setStr("FTS_CONFIG", &cfg.FTS.Config)

	setStr("SEARCH_BACKEND", &cfg.Search.Backend)
	setInt("SEARCH_DEFAULT_TOP_K", &cfg.Search.DefaultTopK)

	setStr("OPENSEARCH_HOST", &cfg.Secondary.BaseURL)
	setStr("OPENSEARCH_INDEX", &cfg.Secondary.Index)
	setStr("OPENSEARCH_IMAGE_INDEX", &cfg.Secondary.ImageIndex)
	setStr("OPENSEARCH_ENGINE", &cfg.Secondary.Engine)
	setStr("OPENSEARCH_DISTANCE", &cfg.Secondary.Distance)
	setStr("OPENSEARCH_USER", &cfg.Secondary.Username)
	setStr("OPENSEARCH_PASSWORD", &cfg.Secondary.Password)
	setInt("OPENSEARCH_SHARDS", &cfg.Secondary.Shards)
	setInt("OPENSEARCH_REPLICAS", &cfg.Secondary.Replicas)
	setInt("OPENSEARCH_NUM_CANDIDATES", &cfg.Secondary.NumCandidates)
	setFloat("IMAGE_SEARCH_VECTOR_WEIGHT", &cfg.Search.ImageVectorWeight)
	setFloat("IMAGE_SEARCH_TEXT_WEIGHT", &cfg.Search.ImageTextWeight)
	setFloat("OPENSEARCH_RECENCY_BOOST", &cfg.Secondary.RecencyBoost)
	setFloat("OPENSEARCH_RECENCY_HALF_LIFE_DAYS", &cfg.Secondary.RecencyHalfLifeDays)

	setStr("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	setStr("EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	setStr("EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	setStr("EMBEDDING_MODEL", &cfg.Embedding.TextModel)
	setInt("EMBEDDING_DIM", &cfg.Embedding.TextDim)
	setInt("IMAGE_EMBEDDING_DIM", &cfg.Embedding.ImageDim)

	setStr("REDIS_URL", &cfg.Cache.RedisURL)
	setStr("VALKEY_URL", &cfg.Cache.RedisURL)
	setSeconds("CACHE_TTL_SECONDS", &cfg.Cache.TTL)
	setSeconds("RAG_CACHE_TTL_SECONDS", &cfg.Cache.RagTTL)

	setStr("LLM_PROVIDER", &cfg.LLM.Provider)
	setStr("OLLAMA_HOST", &cfg.LLM.OllamaHost)
	setStr("OLLAMA_MODEL", &cfg.LLM.OllamaModel)
	setStr("OPENAI_BASE_URL", &cfg.LLM.OpenAIBase)
	setStr("OPENAI_MODEL", &cfg.LLM.OpenAIModel)
	setStr("OPENAI_API_KEY", &cfg.LLM.OpenAIKey)

	setInt("DEEP_RESEARCH_TIMEOUT_SECONDS", &cfg.Research.TimeoutSeconds)
	setInt("DEEP_RESEARCH_LOCAL_TOP_K", &cfg.Research.LocalTopK)
	setFloat("DEEP_RESEARCH_CONFIDENCE_FLOOR", &cfg.Research.ConfidenceFloor)
	setFloat("DEEP_RESEARCH_RECENCY_BOOST", &cfg.Research.RecencyBoost)
	setFloat("DEEP_RESEARCH_HALF_LIFE_DAYS", &cfg.Research.HalfLifeDays)
	setBool("DEEP_RESEARCH_FOLLOWUPS", &cfg.Research.FollowupsEnabled)

	setInt("EXTERNAL_MAX_DEPTH", &cfg.URLIngest.MaxDepth)
	setInt("EXTERNAL_MAX_PAGES", &cfg.URLIngest.MaxPages)

	setInt("CHUNK_SIZE", &cfg.Ingest.ChunkSize)
	setInt("CHUNK_OVERLAP", &cfg.Ingest.ChunkOverlap)
	setInt("MAX_UPLOAD_SIZE_MB", &cfg.Ingest.MaxUploadMB)

	setStr("LOG_LEVEL", &cfg.Observability.LogLevel)
	setStr("LOG_FORMAT", &cfg.Observability.LogFormat)
}
