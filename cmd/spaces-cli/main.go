// Package main provides the Spaces Engine CLI entrypoint.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/spacesai/spaces-engine/internal/cache"
	"github.com/spacesai/spaces-engine/internal/config"
	"github.com/spacesai/spaces-engine/internal/embedding"
	"github.com/spacesai/spaces-engine/internal/ingest"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/opensearch"
	"github.com/spacesai/spaces-engine/internal/retrieval"
	"github.com/spacesai/spaces-engine/internal/storage"
	"github.com/spacesai/spaces-engine/internal/tuning"
)

var (
	// Global flags
	cfgFile    string
	outputJSON bool
	verbose    bool

	// Configuration and logger
	cfg    *config.Settings
	logger *observability.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "spaces-cli",
	Short: "Spaces Engine CLI for ingestion, retrieval, and administration",
	Long: `Spaces Engine CLI provides commands for managing a tenant's knowledge base.

Use this tool to:
- Ingest documents into a user's knowledge base
- Rebuild the secondary text and image indexes
- Run searches against the configured backend
- Check a running API server's health

All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logFormat := "console"
		if outputJSON {
			logFormat = "json"
		}
		level := cfg.Observability.LogLevel
		if !verbose {
			level = "warn"
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      logFormat,
			ServiceName: "spaces-cli",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newReindexCmd())
	rootCmd.AddCommand(newReindexImagesCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newUserCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// services bundles the wired backends a command needs.
type services struct {
	db       *sql.DB
	cache    *cache.TenantCache
	pipeline *ingest.Pipeline
	engine   *retrieval.Engine
}

func (s *services) close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// buildServices opens the database and wires the ingest and retrieval
// layers the same way the API server does.
func buildServices(ctx context.Context) (*services, error) {
	db, err := storage.Open(ctx, cfg.Database.DSN, storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.InitSchema(ctx, db, storage.SchemaConfig{
		TextDim:   cfg.Embedding.TextDim,
		ImageDim:  cfg.Embedding.ImageDim,
		Metric:    cfg.PGVector.Metric,
		Lists:     cfg.PGVector.Lists,
		FTSConfig: cfg.FTS.Config,
	}, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	textEmb, imageEmb, err := embedding.FromSettings(cfg.Embedding)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init embedders: %w", err)
	}

	var store cache.Store
	if cfg.Cache.RedisURL != "" {
		if rs, err := cache.NewRedisStore(cfg.Cache.RedisURL); err == nil {
			store = rs
		} else {
			logger.Warn().Err(err).Msg("redis unavailable, using in-process cache")
		}
	}
	if store == nil {
		store = cache.NewMemoryStore(1024)
	}
	tenantCache := cache.New(store, logger, cache.Config{
		App:              cfg.Cache.App,
		SchemaVersion:    cfg.Cache.SchemaVersion,
		DefaultTTL:       cfg.Cache.TTL,
		FailureThreshold: cfg.Cache.FailureThreshold,
		Cooldown:         cfg.Cache.Cooldown,
	})

	secondary := opensearch.New(opensearch.Config{
		BaseURL:             cfg.Secondary.BaseURL,
		ChunkIndex:          cfg.Secondary.Index,
		ImageIndex:          cfg.Secondary.ImageIndex,
		Engine:              cfg.Secondary.Engine,
		Distance:            cfg.Secondary.Distance,
		Username:            cfg.Secondary.Username,
		Password:            cfg.Secondary.Password,
		Shards:              cfg.Secondary.Shards,
		Replicas:            cfg.Secondary.Replicas,
		TextDim:             cfg.Embedding.TextDim,
		ImageDim:            cfg.Embedding.ImageDim,
		NumCandidates:       cfg.Secondary.NumCandidates,
		RecencyBoost:        cfg.Secondary.RecencyBoost,
		RecencyHalfLifeDays: cfg.Secondary.RecencyHalfLifeDays,
		VectorWeight:        cfg.Search.ImageVectorWeight,
		TextWeight:          cfg.Search.ImageTextWeight,
		Timeout:             cfg.Secondary.Timeout,
	}, logger)

	docs := storage.NewDocumentRepository(db)
	chunks := storage.NewChunkRepository(db, storage.ChunkConfig{
		Metric:          cfg.PGVector.Metric,
		FTSConfig:       cfg.FTS.Config,
		EmbeddingModel:  cfg.Embedding.TextModel,
		StoreEmbeddings: cfg.Database.StoreEmbeddings,
	})
	images := storage.NewImageRepository(db, storage.ImageConfig{
		Metric:         cfg.PGVector.Metric,
		EmbeddingModel: cfg.Embedding.ImageModel,
		VectorWeight:   cfg.Search.ImageVectorWeight,
		TextWeight:     cfg.Search.ImageTextWeight,
	})

	tun := tuning.New(cfg.Search.DefaultTopK, cfg.PGVector.Probes, cfg.Secondary.NumCandidates)

	pipeline := ingest.New(ingest.Config{
		Chunk: ingest.ChunkParams{
			Size:       cfg.Ingest.ChunkSize,
			Overlap:    cfg.Ingest.ChunkOverlap,
			Separators: ingest.DefaultSeparators,
		},
		EmbedBatchSize: cfg.Embedding.BatchSize,
	}, docs, chunks, images, secondary, textEmb, imageEmb, tenantCache, logger)

	engine := retrieval.New(retrieval.Config{
		Backend:     cfg.Search.Backend,
		DefaultTopK: cfg.Search.DefaultTopK,
		Probes:      cfg.PGVector.Probes,
		RagTTL:      cfg.Cache.RagTTL,
		LLM:         cfg.LLM,
	}, chunks, images, secondary, textEmb, imageEmb, tenantCache, tun, logger)

	return &services{db: db, cache: tenantCache, pipeline: pipeline, engine: engine}, nil
}
