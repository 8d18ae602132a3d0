package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/botjuris/botjuris/internal/boterr"
	"github.com/botjuris/botjuris/internal/store"
)

type fakeQueue struct {
	mu       sync.Mutex
	jobs     []store.JobRecord
	acked    []string
	nacked   []store.NackJobInput
	released []string
}

func (f *fakeQueue) LeaseJob(_ context.Context, _ time.Duration) (store.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return store.JobRecord{}, store.ErrNoJobAvailable
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	job.LeaseToken = "lease-" + job.ID
	return job, nil
}

func (f *fakeQueue) AckJob(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeQueue) NackJob(_ context.Context, input store.NackJobInput) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, input)
	return input.MaxAttempts == 1, nil
}

func (f *fakeQueue) ReleaseJob(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

type fakeProcessor struct {
	mu        sync.Mutex
	errs      map[string]error
	processed []string
	done      chan struct{}
}

func (f *fakeProcessor) Process(_ context.Context, job store.JobRecord) error {
	f.mu.Lock()
	f.processed = append(f.processed, job.ID)
	err := f.errs[job.ID]
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return err
}

func startPool(t *testing.T, queue *fakeQueue, processor *fakeProcessor) (context.CancelFunc, chan error) {
	t.Helper()
	pool := New(Config{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		BackoffCap:   30 * time.Second,
	}, queue, processor, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()
	return cancel, done
}

func waitProcessed(t *testing.T, processor *fakeProcessor, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		select {
		case <-processor.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d of %d", i+1, count)
		}
	}
}

func TestPoolAcksCompletedJobs(t *testing.T) {
	queue := &fakeQueue{jobs: []store.JobRecord{{ID: "job-1"}, {ID: "job-2"}}}
	processor := &fakeProcessor{done: make(chan struct{}, 4)}
	cancel, done := startPool(t, queue, processor)
	defer cancel()

	waitProcessed(t, processor, 2)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool stopped with error: %v", err)
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.acked) != 2 {
		t.Fatalf("expected 2 acks, got %v", queue.acked)
	}
	if len(queue.nacked) != 0 {
		t.Fatalf("expected no nacks, got %v", queue.nacked)
	}
}

func TestPoolNacksTransientFailures(t *testing.T) {
	queue := &fakeQueue{jobs: []store.JobRecord{{ID: "job-1"}}}
	processor := &fakeProcessor{
		errs: map[string]error{"job-1": &boterr.GenerationError{Transient: true, Err: errors.New("upstream down")}},
		done: make(chan struct{}, 2),
	}
	cancel, done := startPool(t, queue, processor)
	defer cancel()

	waitProcessed(t, processor, 1)
	cancel()
	<-done

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.nacked) != 1 {
		t.Fatalf("expected 1 nack, got %v", queue.nacked)
	}
	if queue.nacked[0].MaxAttempts != 3 {
		t.Fatalf("transient failure must use the configured ceiling, got %d", queue.nacked[0].MaxAttempts)
	}
	if len(queue.acked) != 0 {
		t.Fatalf("failed job must not be acked")
	}
}

func TestPoolDeadLettersPermanentFailures(t *testing.T) {
	queue := &fakeQueue{jobs: []store.JobRecord{{ID: "job-1"}}}
	processor := &fakeProcessor{
		errs: map[string]error{"job-1": &boterr.ContentPolicyError{Reason: "filtered"}},
		done: make(chan struct{}, 2),
	}
	cancel, done := startPool(t, queue, processor)
	defer cancel()

	waitProcessed(t, processor, 1)
	cancel()
	<-done

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.nacked) != 1 {
		t.Fatalf("expected 1 nack, got %v", queue.nacked)
	}
	if queue.nacked[0].MaxAttempts != 1 {
		t.Fatalf("permanent failure must dead-letter immediately, got ceiling %d", queue.nacked[0].MaxAttempts)
	}
}
