package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/resello/inspect3d/internal/adapter/observability"
	"github.com/resello/inspect3d/internal/domain"
)

// AnalysisService runs the full defect-analysis flow for one product:
// batched analyzer calls, trimmed-mean aggregation, markdown rendering, and
// best-effort mirroring into the fault_description table.
//
// It never fails: every outcome, including a hard timeout, is rendered as a
// ProductVerdict so the caller can always answer HTTP 200.
type AnalysisService struct {
	Batch         *BatchAnalyzer
	Sink          domain.TerminalSink
	KeepFraction  float64
	OuterDeadline time.Duration

	now func() time.Time
}

// NewAnalysisService constructs an AnalysisService.
func NewAnalysisService(batch *BatchAnalyzer, sink domain.TerminalSink, keepFraction float64, outerDeadline time.Duration) *AnalysisService {
	return &AnalysisService{
		Batch:         batch,
		Sink:          sink,
		KeepFraction:  keepFraction,
		OuterDeadline: outerDeadline,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock; tests only.
func (s *AnalysisService) SetClock(now func() time.Time) { s.now = now }

// AnalyzeProduct analyzes all images of a product under the outer deadline.
// The inner batch deadline normally stops work first; the outer supervisor
// is the backstop that guarantees a response even if a batch hangs.
func (s *AnalysisService) AnalyzeProduct(ctx context.Context, productID string, refs []string) domain.ProductVerdict {
	lg := observability.LoggerFromContext(ctx)
	lg.Info("starting product analysis",
		slog.String("product_id", productID), slog.Int("images", len(refs)))

	runCtx, cancel := context.WithTimeout(ctx, s.OuterDeadline)
	defer cancel()

	done := make(chan domain.ProductVerdict, 1)
	go func() {
		done <- s.process(runCtx, productID, refs)
	}()

	var verdict domain.ProductVerdict
	select {
	case verdict = <-done:
	case <-runCtx.Done():
		lg.Error("hard timeout reached", slog.String("product_id", productID))
		verdict = s.errorVerdict(productID, ErrorInput{
			TotalImages: len(refs),
			Skipped:     len(refs),
			TimedOut:    true,
			Now:         s.now(),
		})
	}

	s.record(ctx, productID, verdict)
	return verdict
}

func (s *AnalysisService) process(ctx context.Context, productID string, refs []string) domain.ProductVerdict {
	lg := observability.LoggerFromContext(ctx)
	res := s.Batch.Run(ctx, refs)

	if len(res.Verdicts) == 0 {
		lg.Warn("no image produced a verdict",
			slog.String("product_id", productID),
			slog.Int("failed", res.Failed), slog.Int("skipped", res.Skipped))
		return s.errorVerdict(productID, ErrorInput{
			TotalImages: len(refs),
			Processed:   res.Processed(),
			Failed:      res.Failed,
			Skipped:     res.Skipped,
			TimedOut:    res.TimedOut,
			Now:         s.now(),
		})
	}

	condition, adjustment := Aggregate(res.Verdicts, s.KeepFraction)
	now := s.now()
	markdown := RenderSummaryMarkdown(SummaryInput{
		Condition:       condition,
		PriceAdjustment: adjustment,
		Verdicts:        res.Verdicts,
		Analyzed:        len(res.Verdicts),
		Failed:          res.Failed,
		Skipped:         res.Skipped,
		TimedOut:        res.TimedOut,
		ModelName:       s.Batch.Analyzer.ModelName(),
		Now:             now,
	})

	lg.Info("product analysis complete",
		slog.String("product_id", productID),
		slog.String("condition", string(condition)),
		slog.Int("defects", TotalDefects(res.Verdicts)))

	return domain.ProductVerdict{
		ProductID:       productID,
		Verdicts:        res.Verdicts,
		Condition:       condition,
		PriceAdjustment: adjustment,
		TotalDefects:    TotalDefects(res.Verdicts),
		Markdown:        markdown,
		CompletedAt:     now,
	}
}

func (s *AnalysisService) errorVerdict(productID string, in ErrorInput) domain.ProductVerdict {
	return domain.ProductVerdict{
		ProductID:       productID,
		Verdicts:        []domain.ImageVerdict{},
		Condition:       domain.CondD,
		PriceAdjustment: -100,
		TotalDefects:    0,
		Markdown:        RenderErrorMarkdown(in),
		CompletedAt:     in.Now,
	}
}

// record mirrors the verdict to the external database. Failures are logged
// and dropped: the HTTP response carries the verdict regardless.
func (s *AnalysisService) record(ctx context.Context, productID string, v domain.ProductVerdict) {
	lg := observability.LoggerFromContext(ctx)
	// Outlive the request deadline; reconciliation has its own retry budget.
	ctx = context.WithoutCancel(ctx)

	status := domain.JobDone
	errMsg := ""
	if len(v.Verdicts) == 0 {
		status = domain.JobFailed
		errMsg = "all image analyses failed"
	}
	if err := s.Sink.RecordFaultDescription(ctx, productID, v.Markdown, status, errMsg); err != nil {
		lg.Error("fault_description reconcile failed",
			slog.String("product_id", productID), slog.Any("error", err))
	}
	// Only success counts toward product activation. A failed analysis keeps
	// the listing alive; the FAILED fault_description row is the signal.
	if status == domain.JobDone {
		if err := s.Sink.RecordTerminal(ctx, productID, domain.KindAnalysis, status, nil); err != nil {
			lg.Error("terminal reconcile failed",
				slog.String("product_id", productID), slog.Any("error", err))
		}
	}
}
