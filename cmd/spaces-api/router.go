package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spacesai/spaces-engine/cmd/spaces-api/handlers"
	"github.com/spacesai/spaces-engine/cmd/spaces-api/middleware"
	"github.com/spacesai/spaces-engine/internal/cache"
	"github.com/spacesai/spaces-engine/internal/config"
	"github.com/spacesai/spaces-engine/internal/deepresearch"
	"github.com/spacesai/spaces-engine/internal/embedding"
	"github.com/spacesai/spaces-engine/internal/ingest"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/opensearch"
	"github.com/spacesai/spaces-engine/internal/retrieval"
	"github.com/spacesai/spaces-engine/internal/storage"
	"github.com/spacesai/spaces-engine/internal/tuning"
	"github.com/spacesai/spaces-engine/internal/urlingest"
)

// application holds the wired service graph behind the HTTP surface.
type application struct {
	cfg    *config.Settings
	log    *observability.Logger
	db     *sql.DB
	cache  *cache.TenantCache
	tuning *tuning.Tuning

	search        *handlers.SearchHandler
	images        *handlers.ImagesHandler
	research      *handlers.ResearchHandler
	conversations *handlers.ConversationsHandler
	admin         *handlers.AdminHandler
}

// buildApplication connects storage, indexes, embedders, and the
// retrieval and research layers, then binds the HTTP handlers on top.
func buildApplication(ctx context.Context, cfg *config.Settings, log *observability.Logger) (*application, error) {
	db, err := storage.Open(ctx, cfg.Database.DSN, storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := storage.InitSchema(ctx, db, storage.SchemaConfig{
		TextDim:   cfg.Embedding.TextDim,
		ImageDim:  cfg.Embedding.ImageDim,
		Metric:    cfg.PGVector.Metric,
		Lists:     cfg.PGVector.Lists,
		FTSConfig: cfg.FTS.Config,
	}, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	textEmb, imageEmb, err := embedding.FromSettings(cfg.Embedding)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init embedders: %w", err)
	}

	// Redis is optional. Without it the tenant cache falls back to an
	// in-process store so revision invalidation still works in dev.
	var store cache.Store
	if cfg.Cache.RedisURL != "" {
		rs, err := cache.NewRedisStore(cfg.Cache.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		store = rs
	} else {
		log.Warn().Msg("no redis configured, using in-process cache")
		store = cache.NewMemoryStore(4096)
	}
	tenantCache := cache.New(store, log, cache.Config{
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
	}, log)

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
	externalDocs := storage.NewExternalDocRepository(db, cfg.PGVector.Metric)
	conversations := storage.NewConversationRepository(db)

	tun := tuning.New(cfg.Search.DefaultTopK, cfg.PGVector.Probes, cfg.Secondary.NumCandidates)

	engine := retrieval.New(retrieval.Config{
		Backend:     cfg.Search.Backend,
		DefaultTopK: cfg.Search.DefaultTopK,
		Probes:      cfg.PGVector.Probes,
		RagTTL:      cfg.Cache.RagTTL,
		LLM:         cfg.LLM,
	}, chunks, images, secondary, textEmb, imageEmb, tenantCache, tun, log)

	chunkParams := ingest.ChunkParams{
		Size:       cfg.Ingest.ChunkSize,
		Overlap:    cfg.Ingest.ChunkOverlap,
		Separators: ingest.DefaultSeparators,
	}
	pipeline := ingest.New(ingest.Config{
		Chunk:          chunkParams,
		EmbedBatchSize: cfg.Embedding.BatchSize,
	}, docs, chunks, images, secondary, textEmb, imageEmb, tenantCache, log)

	crawler := urlingest.New(cfg.URLIngest, chunkParams, externalDocs, textEmb, log)

	orchestrator := deepresearch.New(cfg.Research, cfg.LLM, engine, crawler, conversations, docs, tenantCache, log)

	return &application{
		cfg:           cfg,
		log:           log,
		db:            db,
		cache:         tenantCache,
		tuning:        tun,
		search:        handlers.NewSearchHandler(engine, docs, log),
		images:        handlers.NewImagesHandler(engine, log),
		research:      handlers.NewResearchHandler(orchestrator, log),
		conversations: handlers.NewConversationsHandler(conversations, log),
		admin:         handlers.NewAdminHandler(pipeline, tun, tenantCache, cfg.Search, cfg.Secondary, log),
	}, nil
}

// router assembles the chi middleware chain and route tree.
func (a *application) router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(chimiddleware.Timeout(a.cfg.Server.ReadTimeout))

	r.Get("/health", a.admin.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Identity)

		r.Post("/search", a.search.Query)
		r.Post("/image-search", a.images.Search)

		r.Post("/documents", a.admin.IngestDocument)
		r.Delete("/documents/{documentID}", a.admin.DeleteDocument)

		r.Route("/deep-research", func(r chi.Router) {
			r.Post("/start", a.research.Start)
			r.Post("/ask", a.research.Ask)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", a.conversations.List)
			r.Get("/{conversationID}", a.conversations.Detail)
			r.Post("/{conversationID}/title", a.conversations.UpdateTitle)
			r.Post("/{conversationID}/notebook", a.conversations.AddNotebookEntry)
		})
		r.Delete("/notebook/{entryID}", a.conversations.DeleteNotebookEntry)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reindex", a.admin.Reindex)
			r.Get("/runtime-config", a.admin.GetRuntimeConfig)
			r.Post("/runtime-config", a.admin.SetRuntimeConfig)
		})
	})

	return r
}

// close releases the database and cache connections.
func (a *application) close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn().Err(err).Msg("cache close failed")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn().Err(err).Msg("database close failed")
		}
	}
}
