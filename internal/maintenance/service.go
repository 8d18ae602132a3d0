package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Queue is the slice of the store the maintenance jobs touch.
type Queue interface {
	ReapExpiredLeases(ctx context.Context, maxAttempts int) (int64, error)
	PruneWebhookEvents(ctx context.Context, window time.Duration) (int64, error)
	QueueDepth(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

type Config struct {
	ReaperSchedule string
	PruneSchedule  string
	ReportSchedule string
	DedupWindow    time.Duration
	MaxAttempts    int
}

// Service runs the periodic housekeeping: requeueing jobs whose lease
// expired, pruning dedup records older than the window, and logging a
// queue report. Everything here is idempotent and safe to skip a beat.
type Service struct {
	cfg    Config
	queue  Queue
	logger *slog.Logger
	cron   *cron.Cron
}

func New(cfg Config, queue Queue, logger *slog.Logger) *Service {
	if cfg.ReaperSchedule == "" {
		cfg.ReaperSchedule = "@every 30s"
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = "@every 5m"
	}
	if cfg.ReportSchedule == "" {
		cfg.ReportSchedule = "@every 1m"
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 15 * time.Minute
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		queue:  queue,
		logger: logger.With("component", "maintenance"),
		cron:   cron.New(),
	}
}

func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.ReaperSchedule, func() { s.reap(ctx) }); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.PruneSchedule, func() { s.prune(ctx) }); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.ReportSchedule, func() { s.report(ctx) }); err != nil {
		return fmt.Errorf("schedule report: %w", err)
	}

	s.cron.Start()
	s.logger.Info("maintenance started",
		"reaper", s.cfg.ReaperSchedule,
		"prune", s.cfg.PruneSchedule,
		"report", s.cfg.ReportSchedule,
	)

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("maintenance stopped")
	return nil
}

func (s *Service) reap(ctx context.Context) {
	reaped, err := s.queue.ReapExpiredLeases(ctx, s.cfg.MaxAttempts)
	if err != nil {
		s.logger.Error("lease reap failed", "error", err)
		return
	}
	if reaped > 0 {
		s.logger.Warn("expired leases requeued", "count", reaped)
	}
}

func (s *Service) prune(ctx context.Context) {
	pruned, err := s.queue.PruneWebhookEvents(ctx, s.cfg.DedupWindow)
	if err != nil {
		s.logger.Error("dedup prune failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("dedup records pruned", "count", pruned)
	}
}

func (s *Service) report(ctx context.Context) {
	depth, err := s.queue.QueueDepth(ctx)
	if err != nil {
		s.logger.Error("queue depth query failed", "error", err)
		return
	}
	dead, err := s.queue.DeadLetterCount(ctx)
	if err != nil {
		s.logger.Error("dead letter count query failed", "error", err)
		return
	}
	s.logger.Info("queue report", "depth", depth, "dead_letters", dead)
}
