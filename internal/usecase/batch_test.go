package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resello/inspect3d/internal/domain"
)

// fakeFetcher returns a payload for every ref, or an error for refs listed
// in failRefs.
type fakeFetcher struct {
	failRefs map[string]bool
}

func (f *fakeFetcher) FetchPayload(_ context.Context, ref string, _ domain.FetchProfile) (domain.ImagePayload, error) {
	if f.failRefs[ref] {
		return domain.ImagePayload{}, fmt.Errorf("%w: %s", domain.ErrFetchFailed, ref)
	}
	return domain.ImagePayload{Ref: ref, Data: []byte{0xFF}, MediaType: "image/jpeg"}, nil
}

func (f *fakeFetcher) FetchToDir(_ context.Context, refs []string, _ string) (int, error) {
	return len(refs), nil
}

// fakeAnalyzer returns canned verdicts keyed by ref; unknown refs get a
// clean A verdict. Refs in failRefs error out.
type fakeAnalyzer struct {
	mu       sync.Mutex
	verdicts map[string]domain.ImageVerdict
	failRefs map[string]bool
	calls    int
}

func (a *fakeAnalyzer) AnalyzeImage(_ context.Context, img domain.ImagePayload, _ string) (domain.ImageVerdict, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.failRefs[img.Ref] {
		return domain.ImageVerdict{}, fmt.Errorf("%w: 503", domain.ErrUpstreamTransient)
	}
	if v, ok := a.verdicts[img.Ref]; ok {
		v.ImageRef = img.Ref
		return v, nil
	}
	return domain.ImageVerdict{ImageRef: img.Ref, Defects: []domain.Defect{}, Condition: domain.CondA, PriceAdjustment: -5, Confidence: 0.9}, nil
}

func (a *fakeAnalyzer) DescribeImage(_ context.Context, _ domain.ImagePayload, productName string) (string, error) {
	return productName + " 상태가 좋은 제품입니다.", nil
}

func (a *fakeAnalyzer) ModelName() string { return "claude-3-5-haiku-latest" }

// fakeClock drives BatchAnalyzer deterministically: sleeps advance the
// clock instead of waiting.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{t: fixedNow} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
}

func newTestBatch(analyzer *fakeAnalyzer, fetcher *fakeFetcher, clock *fakeClock) *BatchAnalyzer {
	b := NewBatchAnalyzer(fetcher, analyzer, 5, 4*time.Second, 85*time.Second, "물품")
	b.SetClock(clock.now, clock.sleep)
	return b
}

func refs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("s3://bucket/products/p1/%02d.jpg", i)
	}
	return out
}

func TestBatchRunPreservesOrderAndCounts(t *testing.T) {
	t.Parallel()
	analyzer := &fakeAnalyzer{failRefs: map[string]bool{"s3://bucket/products/p1/02.jpg": true}}
	b := newTestBatch(analyzer, &fakeFetcher{}, newFakeClock())

	res := b.Run(context.Background(), refs(7))

	assert.Equal(t, 6, len(res.Verdicts))
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Skipped)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 7, res.Processed())
	// Input order survives batching and in-batch concurrency.
	assert.Equal(t, "s3://bucket/products/p1/00.jpg", res.Verdicts[0].ImageRef)
	assert.Equal(t, "s3://bucket/products/p1/03.jpg", res.Verdicts[2].ImageRef)
}

func TestBatchRunPacesBetweenBatches(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newTestBatch(&fakeAnalyzer{}, &fakeFetcher{}, clock)

	res := b.Run(context.Background(), refs(12))

	require.Equal(t, 12, len(res.Verdicts))
	// ceil(12/5)=3 batches -> 2 pacing sleeps of 4s each.
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, clock.sleeps)
}

func TestBatchRunStopsAtDeadline(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	analyzer := &fakeAnalyzer{}
	b := newTestBatch(analyzer, &fakeFetcher{}, clock)
	b.InnerDeadline = 15 * time.Second
	b.Pace = 10 * time.Second

	// Batch 1 at t=0, sleep to 10s, batch 2 at 10s, sleep to 20s, batch 3
	// check fails (20 >= 15): 5 images skipped.
	res := b.Run(context.Background(), refs(15))

	assert.Equal(t, 10, len(res.Verdicts))
	assert.Equal(t, 5, res.Skipped)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 10, analyzer.calls)
}

func TestBatchRunFetchFailureCountsAsFailed(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{failRefs: map[string]bool{"s3://bucket/products/p1/00.jpg": true}}
	analyzer := &fakeAnalyzer{}
	b := newTestBatch(analyzer, fetcher, newFakeClock())

	res := b.Run(context.Background(), refs(3))

	assert.Equal(t, 2, len(res.Verdicts))
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, analyzer.calls)
}
