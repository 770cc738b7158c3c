// Package memory implements the authoritative in-process JobStore.
//
// Jobs in flight at shutdown are lost by design and must be requeued
// externally, so the store keeps everything in memory and mirrors terminal
// states to the system-of-record through the reconciler.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/resello/inspect3d/internal/domain"
)

type record struct {
	job domain.Job
	seq uint64 // insertion order, tie-break for equal creation times
}

// JobStore is a mutex-guarded job table. Readers receive deep copies so a
// snapshot never observes a concurrent mutation.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]*record
	nextSeq uint64
	now     func() time.Time
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*record), now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the store clock; tests only.
func (s *JobStore) SetClock(now func() time.Time) { s.now = now }

// Create inserts a new job record. The job starts queued unless the caller
// filled in another status.
func (s *JobStore) Create(_ context.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ProductID]; ok {
		return fmt.Errorf("op=jobstore.create: product %s: %w", j.ProductID, domain.ErrInvalidInput)
	}
	if j.Status == "" {
		j.Status = domain.JobQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	cp := j
	cp.LogTail = append([]string(nil), j.LogTail...)
	s.jobs[j.ProductID] = &record{job: cp, seq: s.nextSeq}
	s.nextSeq++
	return nil
}

// Delete removes a job record. Only terminal jobs may be deleted; an active
// job still has an executor owning it.
func (s *JobStore) Delete(_ context.Context, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[productID]
	if !ok {
		return fmt.Errorf("op=jobstore.delete: product %s: %w", productID, domain.ErrNotFound)
	}
	if !r.job.Status.Terminal() {
		return fmt.Errorf("op=jobstore.delete: product %s still %s: %w", productID, r.job.Status, domain.ErrInvalidInput)
	}
	delete(s.jobs, productID)
	return nil
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(_ context.Context, productID string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.jobs[productID]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=jobstore.get: product %s: %w", productID, domain.ErrNotFound)
	}
	return snapshot(&r.job), nil
}

// SetStage records the current stage and progress checkpoint.
func (s *JobStore) SetStage(_ context.Context, productID string, stage domain.Stage, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[productID]
	if !ok {
		return fmt.Errorf("op=jobstore.set_stage: product %s: %w", productID, domain.ErrNotFound)
	}
	r.job.Stage = stage
	r.job.Progress = progress
	return nil
}

// SetStatus advances the job lifecycle. Transitions are monotone: terminal
// jobs reject further writes, and running is stamped with started_at.
func (s *JobStore) SetStatus(_ context.Context, productID string, status domain.JobStatus, jobErr *domain.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[productID]
	if !ok {
		return fmt.Errorf("op=jobstore.set_status: product %s: %w", productID, domain.ErrNotFound)
	}
	j := &r.job
	if j.Status.Terminal() {
		return fmt.Errorf("op=jobstore.set_status: product %s already %s: %w", productID, j.Status, domain.ErrInvalidInput)
	}
	now := s.now()
	switch status {
	case domain.JobRunning:
		j.StartedAt = &now
	case domain.JobDone:
		j.Progress = 100
		j.Stage = domain.StageDone
		j.CompletedAt = &now
		j.Err = nil
	case domain.JobFailed:
		j.CompletedAt = &now
		if jobErr != nil {
			cp := *jobErr
			j.Err = &cp
			j.Stage = domain.StageError
			j.Progress = 0
		}
	}
	j.Status = status
	return nil
}

// ListPending returns queued jobs in FIFO order by creation time, ties broken
// by insertion order.
func (s *JobStore) ListPending(_ context.Context) ([]domain.Job, error) {
	return s.list(domain.JobQueued), nil
}

// ListRunning returns currently running jobs in the same order.
func (s *JobStore) ListRunning(_ context.Context) ([]domain.Job, error) {
	return s.list(domain.JobRunning), nil
}

// AppendLogLine appends to the bounded log ring (last LogTailLines lines).
func (s *JobStore) AppendLogLine(_ context.Context, productID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[productID]
	if !ok {
		return fmt.Errorf("op=jobstore.append_log: product %s: %w", productID, domain.ErrNotFound)
	}
	r.job.LogTail = append(r.job.LogTail, line)
	if n := len(r.job.LogTail); n > domain.LogTailLines {
		r.job.LogTail = append([]string(nil), r.job.LogTail[n-domain.LogTailLines:]...)
	}
	return nil
}

func (s *JobStore) list(status domain.JobStatus) []domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type entry struct {
		job domain.Job
		seq uint64
	}
	entries := make([]entry, 0)
	for _, r := range s.jobs {
		if r.job.Status == status {
			entries = append(entries, entry{snapshot(&r.job), r.seq})
		}
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].job.CreatedAt.Equal(entries[b].job.CreatedAt) {
			return entries[a].seq < entries[b].seq
		}
		return entries[a].job.CreatedAt.Before(entries[b].job.CreatedAt)
	})
	out := make([]domain.Job, len(entries))
	for i, e := range entries {
		out[i] = e.job
	}
	return out
}

func snapshot(j *domain.Job) domain.Job {
	cp := *j
	cp.LogTail = append([]string(nil), j.LogTail...)
	if j.Err != nil {
		e := *j.Err
		cp.Err = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}
