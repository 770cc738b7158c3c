// Package usecase contains the orchestration logic of both pipelines:
// batched defect analysis with aggregation and markdown rendering, and the
// reconstruction job lifecycle.
package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/resello/inspect3d/internal/adapter/observability"
	"github.com/resello/inspect3d/internal/domain"
)

// BatchResult is the outcome of one batched analysis run. Verdicts holds
// only successful analyses, in input order.
type BatchResult struct {
	Verdicts []domain.ImageVerdict
	Failed   int
	Skipped  int
	TimedOut bool
}

// Processed is the number of images an analyzer call was attempted for.
func (r BatchResult) Processed() int { return len(r.Verdicts) + r.Failed }

// BatchAnalyzer fans images out to the vision model in paced batches. Batch
// size and the inter-batch pause together bound the request rate against the
// upstream limit (~15 requests per minute); the inner deadline stops new
// batches once the wall-clock budget is nearly spent.
type BatchAnalyzer struct {
	Fetcher  domain.ImageFetcher
	Analyzer domain.Analyzer

	BatchSize     int
	Pace          time.Duration
	InnerDeadline time.Duration
	Category      string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewBatchAnalyzer constructs a BatchAnalyzer with the real clock.
func NewBatchAnalyzer(fetcher domain.ImageFetcher, analyzer domain.Analyzer, batchSize int, pace, innerDeadline time.Duration, category string) *BatchAnalyzer {
	return &BatchAnalyzer{
		Fetcher:       fetcher,
		Analyzer:      analyzer,
		BatchSize:     batchSize,
		Pace:          pace,
		InnerDeadline: innerDeadline,
		Category:      category,
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

// SetClock overrides the clock and sleeper; tests only.
func (b *BatchAnalyzer) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration)) {
	b.now = now
	b.sleep = sleep
}

// Run analyzes all refs in batches. Per-image failures are counted, never
// fatal; images not attempted before the deadline are counted as skipped.
func (b *BatchAnalyzer) Run(ctx context.Context, refs []string) BatchResult {
	start := b.now()
	lg := observability.LoggerFromContext(ctx)

	var res BatchResult
	batches := (len(refs) + b.BatchSize - 1) / b.BatchSize

	for i := 0; i < len(refs); i += b.BatchSize {
		if elapsed := b.now().Sub(start); elapsed >= b.InnerDeadline {
			lg.Warn("analysis deadline approaching, stopping early",
				slog.Duration("elapsed", elapsed), slog.Int("remaining", len(refs)-i))
			res.TimedOut = true
			res.Skipped = len(refs) - i
			observability.BatchImagesSkippedTotal.Add(float64(res.Skipped))
			break
		}
		if ctx.Err() != nil {
			res.TimedOut = true
			res.Skipped = len(refs) - i
			break
		}

		batch := refs[i:min(i+b.BatchSize, len(refs))]
		lg.Info("processing analysis batch",
			slog.Int("batch", i/b.BatchSize+1), slog.Int("batches", batches), slog.Int("size", len(batch)))

		verdicts := make([]*domain.ImageVerdict, len(batch))
		var wg sync.WaitGroup
		for j, ref := range batch {
			j, ref := j, ref
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := b.analyzeOne(ctx, ref)
				if err != nil {
					lg.Error("image analysis failed", slog.String("ref", ref), slog.Any("error", err))
					return
				}
				verdicts[j] = &v
			}()
		}
		wg.Wait()

		for _, v := range verdicts {
			if v == nil {
				res.Failed++
				continue
			}
			res.Verdicts = append(res.Verdicts, *v)
		}

		if i+b.BatchSize < len(refs) {
			b.sleep(ctx, b.Pace)
		}
	}
	return res
}

func (b *BatchAnalyzer) analyzeOne(ctx context.Context, ref string) (domain.ImageVerdict, error) {
	img, err := b.Fetcher.FetchPayload(ctx, ref, domain.ProfileAnalysis)
	if err != nil {
		return domain.ImageVerdict{}, err
	}
	return b.Analyzer.AnalyzeImage(ctx, img, b.Category)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
