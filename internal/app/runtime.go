package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/botjuris/botjuris/internal/config"
	"github.com/botjuris/botjuris/internal/httpapi"
	"github.com/botjuris/botjuris/internal/knowledge"
	"github.com/botjuris/botjuris/internal/llm"
	"github.com/botjuris/botjuris/internal/llm/openai"
	"github.com/botjuris/botjuris/internal/maintenance"
	"github.com/botjuris/botjuris/internal/pipeline"
	"github.com/botjuris/botjuris/internal/store"
	"github.com/botjuris/botjuris/internal/whatsapp"
	"github.com/botjuris/botjuris/internal/worker"
)

// Runtime wires the store, the knowledge index, the LLM client, the
// Evolution sender, the worker pool and the HTTP surface into one
// supervised unit.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	store       *store.Store
	index       *knowledge.SearchIndex
	indexer     *knowledge.Indexer
	pool        *worker.Pool
	maintenance *maintenance.Service
	server      *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.AutoMigrate(migrateCtx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	embedder := knowledge.NewEmbeddingClient(knowledge.EmbeddingConfig{
		BaseURL: cfg.EmbeddingBaseURL,
		APIKey:  cfg.EmbeddingAPIKey,
		Model:   cfg.EmbeddingModel,
	})
	index, err := knowledge.NewSearchIndex(knowledge.IndexConfig{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		UseTLS:     cfg.QdrantUseTLS,
		Collection: cfg.Collection,
		TopK:       cfg.RetrievalTopK,
		ScoreFloor: cfg.RetrievalFloor,
	}, embedder, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open search index: %w", err)
	}
	indexer := knowledge.NewIndexer(cfg.CorpusDir, embedder, index, logger)

	prompts, err := llm.NewPromptBuilder(cfg.PromptTokenBudget)
	if err != nil {
		index.Close()
		st.Close()
		return nil, fmt.Errorf("prompt builder: %w", err)
	}
	generator := openai.New(openai.Config{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		Timeout: time.Duration(cfg.LLMTimeoutSec) * time.Second,
	}, logger)
	sender := whatsapp.New(whatsapp.Config{
		Host:              cfg.EvolutionHost,
		APIKey:            cfg.EvolutionAPIKey,
		MaxMessageLength:  cfg.MaxMessageLength,
		MaxTypingDelaySec: cfg.MaxTypingDelaySec,
	}, logger)

	processor := pipeline.New(pipeline.Config{
		SystemPrompt:      cfg.SystemPrompt,
		HistoryWindow:     cfg.HistoryWindow,
		RetrievalTopK:     cfg.RetrievalTopK,
		GenerationRetries: cfg.GenerationRetries,
		GenerationBackoff: time.Duration(cfg.GenerationBackoffMS) * time.Millisecond,
		DeliveryRetries:   cfg.DeliveryRetries,
		DeliveryBackoff:   time.Duration(cfg.DeliveryBackoffMS) * time.Millisecond,
		SummaryEveryTurns: cfg.SummaryEveryTurns,
	}, st, index, generator, sender, prompts, logger)

	pool := worker.New(worker.Config{
		Workers:           cfg.WorkerCount,
		PollInterval:      time.Duration(cfg.WorkerPollSec) * time.Second,
		JobDeadline:       time.Duration(cfg.JobDeadlineSec) * time.Second,
		VisibilityTimeout: time.Duration(cfg.VisibilityTimeoutSec) * time.Second,
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       time.Duration(cfg.BackoffBaseSec) * time.Second,
		BackoffCap:        time.Duration(cfg.BackoffCapSec) * time.Second,
	}, st, processor, logger)

	maint := maintenance.New(maintenance.Config{
		ReaperSchedule: cfg.ReaperSchedule,
		PruneSchedule:  cfg.PruneSchedule,
		ReportSchedule: cfg.ReportSchedule,
		DedupWindow:    time.Duration(cfg.DedupWindowSec) * time.Second,
		MaxAttempts:    cfg.MaxAttempts,
	}, st, logger)

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Dependencies{
			Config: cfg,
			Store:  st,
			Logger: logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Runtime{
		cfg:         cfg,
		logger:      logger.With("component", "app"),
		store:       st,
		index:       index,
		indexer:     indexer,
		pool:        pool,
		maintenance: maint,
		server:      server,
	}, nil
}

// Run starts the full runtime: webhook server, worker pool,
// maintenance cron and, when enabled, the corpus watcher. It blocks
// until the context is cancelled or a component fails.
func (r *Runtime) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		r.logger.Info("http server listening", "addr", r.cfg.HTTPAddr)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.server.Shutdown(shutdownCtx)
	})
	group.Go(func() error { return r.pool.Start(groupCtx) })
	group.Go(func() error { return r.maintenance.Start(groupCtx) })

	if r.cfg.WatchCorpus {
		watcher, err := knowledge.NewWatcher(
			r.cfg.CorpusDir,
			time.Duration(r.cfg.WatchDebounceS)*time.Second,
			r.logger,
			r.indexer.Reindex,
		)
		if err != nil {
			r.logger.Warn("corpus watcher disabled", "error", err)
		} else {
			group.Go(func() error { return watcher.Start(groupCtx) })
		}
	}

	err := group.Wait()
	r.close()
	return err
}

// RunWorker starts only the queue consumers and the maintenance cron.
// Useful when the webhook surface runs in another process.
func (r *Runtime) RunWorker(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return r.pool.Start(groupCtx) })
	group.Go(func() error { return r.maintenance.Start(groupCtx) })
	err := group.Wait()
	r.close()
	return err
}

// Reindex rebuilds the knowledge collection from the corpus directory
// and exits.
func (r *Runtime) Reindex(ctx context.Context) error {
	defer r.close()
	return r.indexer.Reindex(ctx)
}

func (r *Runtime) close() {
	if err := r.index.Close(); err != nil {
		r.logger.Warn("close search index failed", "error", err)
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("close store failed", "error", err)
	}
}
