// Package scheduler provides admission control for background jobs: a
// bounded number of jobs run concurrently while the rest wait in FIFO
// order, with their queue position observable.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/resello/inspect3d/internal/adapter/observability"
	"github.com/resello/inspect3d/internal/domain"
)

// Task is the unit of work handed to the scheduler. The context passed to it
// is not cancelled on shutdown; a running task is allowed to finish.
type Task func(ctx context.Context)

// Scheduler admits up to maxConcurrent tasks at a time. Waiting tasks are
// served strictly in enqueue order.
type Scheduler struct {
	sem   *semaphore.Weighted
	kind  domain.JobKind
	lg    *slog.Logger
	base  context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	mu    sync.Mutex
	order []string // product IDs waiting for a slot, FIFO
	// turn wakes waiters when the queue head changes.
	turn *sync.Cond
	// onEvicted is invoked for tasks still queued when Shutdown runs.
	onEvicted func(productID string)
}

// New constructs a Scheduler with the given concurrency limit. onEvicted may
// be nil.
func New(maxConcurrent int64, kind domain.JobKind, lg *slog.Logger, onEvicted func(productID string)) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	base, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		sem:       semaphore.NewWeighted(maxConcurrent),
		kind:      kind,
		lg:        lg,
		base:      base,
		stop:      stop,
		onEvicted: onEvicted,
	}
	s.turn = sync.NewCond(&s.mu)
	return s
}

// Enqueue registers the job and dispatches it once a slot frees up. It
// returns immediately; the 1-based queue position at enqueue time is the
// return value.
func (s *Scheduler) Enqueue(productID string, task Task) int {
	s.mu.Lock()
	s.order = append(s.order, productID)
	pos := len(s.order)
	s.mu.Unlock()

	observability.JobsEnqueuedTotal.WithLabelValues(string(s.kind)).Inc()
	s.lg.Info("job enqueued",
		slog.String("product_id", productID),
		slog.String("kind", string(s.kind)),
		slog.Int("position", pos))

	s.wg.Add(1)
	go s.run(productID, task)
	return pos
}

func (s *Scheduler) run(productID string, task Task) {
	defer s.wg.Done()

	if err := s.acquire(productID); err != nil {
		s.remove(productID)
		if s.onEvicted != nil {
			s.onEvicted(productID)
		}
		return
	}
	s.remove(productID)
	defer s.sem.Release(1)

	observability.JobsRunning.WithLabelValues(string(s.kind)).Inc()
	defer observability.JobsRunning.WithLabelValues(string(s.kind)).Dec()

	// Detached from the shutdown context: once admitted, a job runs to
	// completion.
	task(context.WithoutCancel(s.base))
}

// acquire waits for both a free slot and this job's turn at the queue head,
// so slot handout follows enqueue order even when the semaphore itself does
// not guarantee fairness.
func (s *Scheduler) acquire(productID string) error {
	s.mu.Lock()
	for len(s.order) > 0 && s.order[0] != productID {
		if s.base.Err() != nil {
			s.mu.Unlock()
			return s.base.Err()
		}
		s.turn.Wait()
	}
	s.mu.Unlock()

	if err := s.sem.Acquire(s.base, 1); err != nil {
		return err
	}
	return nil
}

// remove drops the job from the waiting list and wakes the next waiter.
func (s *Scheduler) remove(productID string) {
	s.mu.Lock()
	for i, id := range s.order {
		if id == productID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.turn.Broadcast()
}

// Position returns the 1-based queue position of a waiting job, or 0 if the
// job is not waiting (running, finished, or unknown).
func (s *Scheduler) Position(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.order {
		if id == productID {
			return i + 1
		}
	}
	return 0
}

// QueueDepth returns the number of jobs waiting for a slot.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Shutdown stops admitting queued jobs and waits for running ones to finish
// or ctx to expire. Queued jobs are handed to onEvicted.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stop()
	s.mu.Lock()
	s.turn.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(domain.ErrShutdown, ctx.Err())
	}
}
