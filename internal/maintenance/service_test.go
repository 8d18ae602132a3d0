package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeMaintQueue struct {
	reaps       atomic.Int64
	prunes      atomic.Int64
	window      atomic.Int64
	maxAttempts atomic.Int64
}

func (f *fakeMaintQueue) ReapExpiredLeases(_ context.Context, maxAttempts int) (int64, error) {
	f.reaps.Add(1)
	f.maxAttempts.Store(int64(maxAttempts))
	return 1, nil
}

func (f *fakeMaintQueue) PruneWebhookEvents(_ context.Context, window time.Duration) (int64, error) {
	f.prunes.Add(1)
	f.window.Store(int64(window))
	return 0, nil
}

func (f *fakeMaintQueue) QueueDepth(_ context.Context) (int64, error)      { return 3, nil }
func (f *fakeMaintQueue) DeadLetterCount(_ context.Context) (int64, error) { return 0, nil }

func TestServiceRunsScheduledJobs(t *testing.T) {
	queue := &fakeMaintQueue{}
	service := New(Config{
		ReaperSchedule: "@every 100ms",
		PruneSchedule:  "@every 100ms",
		ReportSchedule: "@every 100ms",
		DedupWindow:    15 * time.Minute,
		MaxAttempts:    3,
	}, queue, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Start(ctx) }()

	deadline := time.After(3 * time.Second)
	for queue.reaps.Load() == 0 || queue.prunes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("scheduled jobs did not run: reaps=%d prunes=%d", queue.reaps.Load(), queue.prunes.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("service stopped with error: %v", err)
	}

	if got := time.Duration(queue.window.Load()); got != 15*time.Minute {
		t.Fatalf("prune must use the configured dedup window, got %s", got)
	}
	if got := queue.maxAttempts.Load(); got != 3 {
		t.Fatalf("reaper must use the configured attempt ceiling, got %d", got)
	}
}

func TestServiceRejectsBadSchedule(t *testing.T) {
	service := New(Config{ReaperSchedule: "not a schedule"}, &fakeMaintQueue{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := service.Start(ctx); err == nil {
		t.Fatalf("expected schedule parse error")
	}
}
