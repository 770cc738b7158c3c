package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/resello/inspect3d/internal/adapter/objectstore"
	"github.com/resello/inspect3d/internal/adapter/observability"
	"github.com/resello/inspect3d/internal/adapter/recon"
	"github.com/resello/inspect3d/internal/domain"
	"github.com/resello/inspect3d/internal/scheduler"
)

// PipelineRunner runs the reconstruction stages for one product workspace.
type PipelineRunner interface {
	Run(ctx context.Context, productID string, ws recon.Workspace, iterations int) error
}

// ReconService owns the reconstruction job lifecycle: intake validation,
// admission through the scheduler, execution, and terminal reconciliation.
type ReconService struct {
	Jobs    domain.JobStore
	Sink    domain.TerminalSink
	Fetcher domain.ImageFetcher
	Runner  PipelineRunner
	Sched   *scheduler.Scheduler

	DataDir           string
	MinImages         int
	MaxImages         int
	DefaultIterations int
	MaxConcurrent     int

	lg *slog.Logger
}

// NewReconService constructs a ReconService. Wire the scheduler's eviction
// callback to FailEvicted so queued jobs fail cleanly at shutdown.
func NewReconService(jobs domain.JobStore, sink domain.TerminalSink, fetcher domain.ImageFetcher, runner PipelineRunner, sched *scheduler.Scheduler, dataDir string, minImages, maxImages, defaultIterations, maxConcurrent int, lg *slog.Logger) *ReconService {
	return &ReconService{
		Jobs:              jobs,
		Sink:              sink,
		Fetcher:           fetcher,
		Runner:            runner,
		Sched:             sched,
		DataDir:           dataDir,
		MinImages:         minImages,
		MaxImages:         maxImages,
		DefaultIterations: defaultIterations,
		MaxConcurrent:     maxConcurrent,
		lg:                lg,
	}
}

// Submit validates the request, creates the job record, and enqueues the
// pipeline. It returns once the job is admitted to the queue; fetching and
// reconstruction happen in the background.
func (s *ReconService) Submit(ctx context.Context, productID string, refs []string, iterations int) error {
	n := len(refs)
	if n < s.MinImages || n > s.MaxImages {
		return fmt.Errorf("이미지 %d~%d장만 허용합니다. (현재: %d장): %w",
			s.MinImages, s.MaxImages, n, domain.ErrInvalidInput)
	}
	if iterations <= 0 {
		iterations = s.DefaultIterations
	}

	// Resubmission of a finished product replaces the old record; an active
	// job keeps exclusive ownership of the workspace.
	if existing, err := s.Jobs.Get(ctx, productID); err == nil {
		if !existing.Status.Terminal() {
			return fmt.Errorf("job for product %s is already %s: %w", productID, existing.Status, domain.ErrInvalidInput)
		}
		if err := s.Jobs.Delete(ctx, productID); err != nil {
			return fmt.Errorf("op=recon.Submit: %w", err)
		}
	}
	if err := s.Jobs.Create(ctx, domain.Job{
		ProductID:  productID,
		Kind:       domain.KindRecon,
		Status:     domain.JobQueued,
		ImageCount: n,
		Iterations: iterations,
	}); err != nil {
		return fmt.Errorf("op=recon.Submit: %w", err)
	}

	if err := s.Sink.RecordQueued(ctx, productID, objectstore.InputPrefix(refs)); err != nil {
		s.lg.Error("queued reconcile failed", slog.String("product_id", productID), slog.Any("error", err))
	}

	s.Sched.Enqueue(productID, func(ctx context.Context) {
		s.execute(ctx, productID, refs, iterations)
	})
	s.lg.Info("reconstruction job queued",
		slog.String("product_id", productID), slog.Int("images", n), slog.Int("iterations", iterations))
	return nil
}

func (s *ReconService) execute(ctx context.Context, productID string, refs []string, iterations int) {
	ctx = observability.ContextWithLogger(ctx, s.lg.With(slog.String("product_id", productID)))

	if err := s.Jobs.SetStatus(ctx, productID, domain.JobRunning, nil); err != nil {
		s.lg.Error("job start transition failed", slog.String("product_id", productID), slog.Any("error", err))
		return
	}

	ws := recon.NewWorkspace(s.DataDir, productID)
	okCount, fetchErr := s.Fetcher.FetchToDir(ctx, refs, ws.ImagesDir())
	if okCount == 0 {
		err := fmt.Errorf("%w: no image could be downloaded", domain.ErrFetchFailed)
		if fetchErr != nil {
			err = fmt.Errorf("%w: %w", domain.ErrFetchFailed, fetchErr)
		}
		s.fail(ctx, productID, domain.StageDownload, err)
		return
	}
	if okCount < len(refs) {
		s.lg.Warn("proceeding with partial image set",
			slog.String("product_id", productID), slog.Int("ok", okCount), slog.Int("total", len(refs)))
	}

	if err := s.Runner.Run(ctx, productID, ws, iterations); err != nil {
		stage := domain.Stage("")
		var sf *recon.StageFailure
		if errors.As(err, &sf) {
			stage = sf.Stage
		}
		s.fail(ctx, productID, stage, err)
		return
	}

	if err := s.Jobs.SetStatus(ctx, productID, domain.JobDone, nil); err != nil {
		s.lg.Error("job done transition failed", slog.String("product_id", productID), slog.Any("error", err))
	}
	observability.JobsCompletedTotal.WithLabelValues(string(domain.KindRecon)).Inc()
	if err := s.Sink.RecordTerminal(context.WithoutCancel(ctx), productID, domain.KindRecon, domain.JobDone, nil); err != nil {
		s.lg.Error("terminal reconcile failed", slog.String("product_id", productID), slog.Any("error", err))
	}
	s.lg.Info("reconstruction job completed", slog.String("product_id", productID))
}

func (s *ReconService) fail(ctx context.Context, productID string, stage domain.Stage, err error) {
	kind := domain.Classify(err)
	jobErr := &domain.JobError{Kind: kind, Stage: stage, Message: err.Error()}
	s.lg.Error("reconstruction job failed",
		slog.String("product_id", productID),
		slog.String("error_kind", string(kind)),
		slog.String("stage", string(stage)),
		slog.Any("error", err))

	if serr := s.Jobs.SetStatus(ctx, productID, domain.JobFailed, jobErr); serr != nil {
		s.lg.Error("job fail transition failed", slog.String("product_id", productID), slog.Any("error", serr))
	}
	observability.JobsFailedTotal.WithLabelValues(string(domain.KindRecon), string(kind)).Inc()
	if serr := s.Sink.RecordTerminal(context.WithoutCancel(ctx), productID, domain.KindRecon, domain.JobFailed, jobErr); serr != nil {
		s.lg.Error("terminal reconcile failed", slog.String("product_id", productID), slog.Any("error", serr))
	}
}

// FailEvicted marks a still-queued job as failed with the shutdown kind.
// Wired as the scheduler's eviction callback.
func (s *ReconService) FailEvicted(productID string) {
	ctx := context.Background()
	jobErr := &domain.JobError{Kind: domain.KindShutdown, Message: "server shutting down before job started"}
	if err := s.Jobs.SetStatus(ctx, productID, domain.JobFailed, jobErr); err != nil {
		s.lg.Error("evicted job transition failed", slog.String("product_id", productID), slog.Any("error", err))
	}
	observability.JobsFailedTotal.WithLabelValues(string(domain.KindRecon), string(domain.KindShutdown)).Inc()
	if err := s.Sink.RecordTerminal(ctx, productID, domain.KindRecon, domain.JobFailed, jobErr); err != nil {
		s.lg.Error("terminal reconcile failed", slog.String("product_id", productID), slog.Any("error", err))
	}
}

// JobStatusView is the status snapshot served by the status endpoint.
type JobStatusView struct {
	Job           domain.Job
	QueuePosition int // 1-based; 0 when not waiting
	LogTail       []string
}

// Status assembles the job snapshot. Queued jobs get synthetic queue log
// lines instead of a process log, since the pipeline has not started yet.
func (s *ReconService) Status(ctx context.Context, productID string) (JobStatusView, error) {
	job, err := s.Jobs.Get(ctx, productID)
	if err != nil {
		return JobStatusView{}, err
	}
	view := JobStatusView{Job: job, LogTail: job.LogTail}

	if job.Status == domain.JobQueued {
		pos := s.Sched.Position(productID)
		view.QueuePosition = pos
		running, err := s.Jobs.ListRunning(ctx)
		if err != nil {
			s.lg.Error("running jobs lookup failed",
				slog.String("product_id", productID), slog.Any("error", err))
		}
		switch {
		case pos == 1 && len(running) < s.MaxConcurrent:
			view.LogTail = []string{">> [QUEUE] Job is next in queue. Starting soon..."}
		case pos > 0:
			view.LogTail = []string{
				fmt.Sprintf(">> [QUEUE] Position in queue: %d", pos),
				fmt.Sprintf(">> [QUEUE] Currently running: %d/%d jobs", len(running), s.MaxConcurrent),
				">> [QUEUE] Waiting for processing slot...",
			}
		default:
			view.LogTail = nil
		}
	}
	return view, nil
}

// QueueView is the snapshot served by the queue endpoint.
type QueueView struct {
	MaxConcurrent int
	Running       []domain.Job
	Pending       []domain.Job
}

// Queue returns the running and pending jobs in FIFO order.
func (s *ReconService) Queue(ctx context.Context) (QueueView, error) {
	running, err := s.Jobs.ListRunning(ctx)
	if err != nil {
		return QueueView{}, err
	}
	pending, err := s.Jobs.ListPending(ctx)
	if err != nil {
		return QueueView{}, err
	}
	return QueueView{MaxConcurrent: s.MaxConcurrent, Running: running, Pending: pending}, nil
}

// Workspace exposes the per-product directory layout to the HTTP layer for
// PLY serving and viewer camera lookup.
func (s *ReconService) Workspace(productID string) recon.Workspace {
	return recon.NewWorkspace(s.DataDir, productID)
}
