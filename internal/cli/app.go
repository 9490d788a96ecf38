package cli

import (
	"fmt"
	"time"

	"ragpipe/internal/chunker"
	"ragpipe/internal/config"
	"ragpipe/internal/domain"
	"ragpipe/internal/embedding/openai"
	"ragpipe/internal/generation"
	"ragpipe/internal/ingest"
	jsmemory "ragpipe/internal/jobstore/memory"
	jsredis "ragpipe/internal/jobstore/redis"
	jssqlite "ragpipe/internal/jobstore/sqlite"
	"ragpipe/internal/rerank"
	"ragpipe/internal/retrieval"
	"ragpipe/internal/source"
	"ragpipe/internal/telemetry"
	vsmemory "ragpipe/internal/vectorstore/memory"
	vsqdrant "ragpipe/internal/vectorstore/qdrant"
)

// app holds the assembled pipeline components for one command run.
type app struct {
	cfg      *config.AppConfig
	source   domain.DocumentSource
	chunker  domain.Chunker
	embedder domain.Embedder
	store    domain.VectorStore
	jobs     domain.JobStore
	sink     domain.TelemetrySink
}

// buildApp assembles components from config. Each backend is selected
// by its type switch; config validation has already rejected unknown
// types, the defaults here are belt and braces.
func buildApp() (*app, error) {
	emb, err := openai.NewClient(openai.Config{
		BaseURL:    cfg.Embedder.BaseURL,
		APIKeyEnv:  cfg.Embedder.APIKeyEnv,
		Model:      cfg.Embedder.Model,
		Dimensions: cfg.Embedder.Dimensions,
		BatchSize:  cfg.Embedder.BatchSize,
		Timeout:    time.Duration(cfg.Embedder.TimeoutSecs) * time.Second,
		RatePerSec: cfg.Embedder.RatePerSec,
		MaxRetries: cfg.Embedder.MaxRetries,
	}, logger)
	if err != nil {
		return nil, err
	}

	ch, err := chunker.NewWindowChunker(cfg.Chunker.MaxSize, cfg.Chunker.Overlap)
	if err != nil {
		return nil, err
	}

	var store domain.VectorStore
	switch cfg.VectorStore.Type {
	case "qdrant":
		store = vsqdrant.NewStore(vsqdrant.Config{
			URL:        cfg.VectorStore.Qdrant.URL,
			APIKey:     cfg.VectorStore.Qdrant.APIKey,
			Collection: cfg.VectorStore.Collection,
			Timeout:    time.Duration(cfg.VectorStore.Qdrant.TimeoutSecs) * time.Second,
		})
	default:
		store = vsmemory.NewStore()
	}

	var jobs domain.JobStore
	switch cfg.JobStore.Type {
	case "redis":
		jobs = jsredis.NewStore(jsredis.Config{
			Addr:     cfg.JobStore.Redis.Addr,
			Password: cfg.JobStore.Redis.Password,
			DB:       cfg.JobStore.Redis.DB,
		})
	case "sqlite":
		jobs, err = jssqlite.NewStore(cfg.JobStore.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite job store: %w", err)
		}
	default:
		jobs = jsmemory.NewStore()
	}

	return &app{
		cfg:      cfg,
		source:   source.NewFilesystemSource(cfg.Source.Dir, cfg.Source.Extensions, logger),
		chunker:  ch,
		embedder: emb,
		store:    store,
		jobs:     jobs,
		sink:     telemetry.NewFileSink(cfg.Telemetry.LogDir, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.jobs.Close(); err != nil {
		logger.WithError(err).Warn("Closing job store failed")
	}
}

func (a *app) coordinator() *ingest.Coordinator {
	return ingest.NewCoordinator(ingest.Deps{
		Source:   a.source,
		Chunker:  a.chunker,
		Embedder: a.embedder,
		Store:    a.store,
		Jobs:     a.jobs,
		Sink:     a.sink,
		Logger:   logger,
	}, ingest.Config{
		Concurrency: a.cfg.Ingest.Concurrency,
		RetryLimit:  a.cfg.Ingest.RetryLimit,
	})
}

func (a *app) orchestrator() (*retrieval.Orchestrator, error) {
	if a.cfg.Generator.Endpoint == "" {
		return nil, &domain.ConfigError{Field: "generator.endpoint", Reason: "required for query"}
	}
	var reranker domain.Reranker
	if a.cfg.Reranker.Endpoint != "" {
		reranker = rerank.NewCrossEncoder(rerank.Config{
			Endpoint:  a.cfg.Reranker.Endpoint,
			Model:     a.cfg.Reranker.Model,
			APIKeyEnv: a.cfg.Reranker.APIKeyEnv,
			BatchSize: a.cfg.Reranker.BatchSize,
			Timeout:   time.Duration(a.cfg.Reranker.TimeoutSecs) * time.Second,
		}, logger)
	}
	generator := generation.NewClient(generation.Config{
		Endpoint:   a.cfg.Generator.Endpoint,
		Model:      a.cfg.Generator.Model,
		APIKeyEnv:  a.cfg.Generator.APIKeyEnv,
		Timeout:    time.Duration(a.cfg.Generator.TimeoutSecs) * time.Second,
		MaxRetries: a.cfg.Generator.MaxRetries,
	}, logger)

	return retrieval.NewOrchestrator(retrieval.Deps{
		Embedder:  a.embedder,
		Store:     a.store,
		Reranker:  reranker,
		Generator: generator,
		Logger:    logger,
	}, retrieval.Config{
		CandidateCount:      a.cfg.Retrieval.CandidateCount,
		NResults:            a.cfg.Retrieval.NResults,
		SimilarityThreshold: *a.cfg.Retrieval.SimilarityThreshold,
		ScoreThreshold:      a.cfg.Reranker.ScoreThreshold,
		MaxQATokens:         a.cfg.Retrieval.MaxQATokens,
	}), nil
}
