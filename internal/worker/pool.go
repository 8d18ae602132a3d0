package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/botjuris/botjuris/internal/boterr"
	"github.com/botjuris/botjuris/internal/store"
)

// Queue is the durable queue surface the pool drives.
type Queue interface {
	LeaseJob(ctx context.Context, visibilityTimeout time.Duration) (store.JobRecord, error)
	AckJob(ctx context.Context, id, leaseToken string) error
	NackJob(ctx context.Context, input store.NackJobInput) (bool, error)
	ReleaseJob(ctx context.Context, id, leaseToken string) error
}

// Processor runs one job; nil means the job completed.
type Processor interface {
	Process(ctx context.Context, job store.JobRecord) error
}

type Config struct {
	Workers           int
	PollInterval      time.Duration
	JobDeadline       time.Duration
	VisibilityTimeout time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

// Pool leases jobs and feeds them to the processor. Each worker holds
// at most one lease; on shutdown in-flight jobs are released back to
// the queue without burning an attempt.
type Pool struct {
	cfg       Config
	queue     Queue
	processor Processor
	logger    *slog.Logger
}

func New(cfg Config, queue Queue, processor Processor, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JobDeadline <= 0 {
		cfg.JobDeadline = 2 * time.Minute
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:       cfg,
		queue:     queue,
		processor: processor,
		logger:    logger.With("component", "worker"),
	}
}

func (p *Pool) Start(ctx context.Context) error {
	var workers sync.WaitGroup
	for index := 0; index < p.cfg.Workers; index++ {
		workers.Add(1)
		go func(workerID int) {
			defer workers.Done()
			p.run(ctx, workerID)
		}(index + 1)
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Workers)

	<-ctx.Done()
	workers.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) run(ctx context.Context, workerID int) {
	logger := p.logger.With("worker_id", workerID)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.LeaseJob(ctx, p.cfg.VisibilityTimeout)
		if err != nil {
			if !errors.Is(err, store.ErrNoJobAvailable) && ctx.Err() == nil {
				logger.Error("lease failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		p.handle(ctx, logger, job)
	}
}

func (p *Pool) handle(ctx context.Context, logger *slog.Logger, job store.JobRecord) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobDeadline)
	err := p.processor.Process(jobCtx, job)
	cancel()

	if err == nil {
		if ackErr := p.queue.AckJob(ctx, job.ID, job.LeaseToken); ackErr != nil {
			logger.Error("ack failed", "job_id", job.ID, "error", ackErr)
		}
		return
	}

	// Shutdown mid-job: hand the lease back untouched so another
	// worker picks it up immediately.
	if ctx.Err() != nil {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if releaseErr := p.queue.ReleaseJob(releaseCtx, job.ID, job.LeaseToken); releaseErr != nil {
			logger.Error("release on shutdown failed", "job_id", job.ID, "error", releaseErr)
		}
		return
	}

	maxAttempts := p.cfg.MaxAttempts
	if !boterr.IsTransient(err) {
		// Retrying a permanent failure only burns attempts; straight
		// to the dead letter table.
		maxAttempts = 1
	}
	dead, nackErr := p.queue.NackJob(ctx, store.NackJobInput{
		ID:          job.ID,
		LeaseToken:  job.LeaseToken,
		Reason:      err.Error(),
		MaxAttempts: maxAttempts,
		BackoffBase: p.cfg.BackoffBase,
		BackoffCap:  p.cfg.BackoffCap,
	})
	if nackErr != nil {
		logger.Error("nack failed", "job_id", job.ID, "error", nackErr)
		return
	}
	if dead {
		logger.Error("job dead-lettered", "job_id", job.ID, "attempts", job.Attempts+1, "error", err)
		return
	}
	logger.Warn("job requeued", "job_id", job.ID, "attempts", job.Attempts+1, "error", err)
}
