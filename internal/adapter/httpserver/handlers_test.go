package httpserver_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resello/inspect3d/internal/adapter/httpserver"
	"github.com/resello/inspect3d/internal/adapter/recon"
	"github.com/resello/inspect3d/internal/adapter/repo/memory"
	"github.com/resello/inspect3d/internal/app"
	"github.com/resello/inspect3d/internal/config"
	"github.com/resello/inspect3d/internal/domain"
	"github.com/resello/inspect3d/internal/scheduler"
	"github.com/resello/inspect3d/internal/usecase"
)

type fakeAnalyzer struct {
	verdict     domain.ImageVerdict
	analyzeErr  error
	description string
	describeErr error
}

func (f *fakeAnalyzer) AnalyzeImage(_ context.Context, img domain.ImagePayload, _ string) (domain.ImageVerdict, error) {
	if f.analyzeErr != nil {
		return domain.ImageVerdict{}, f.analyzeErr
	}
	v := f.verdict
	v.ImageRef = img.Ref
	return v, nil
}

func (f *fakeAnalyzer) DescribeImage(context.Context, domain.ImagePayload, string) (string, error) {
	return f.description, f.describeErr
}

func (f *fakeAnalyzer) ModelName() string { return "claude-3-5-haiku-latest" }

type fakeFetcher struct{}

func (fakeFetcher) FetchPayload(_ context.Context, ref string, _ domain.FetchProfile) (domain.ImagePayload, error) {
	return domain.ImagePayload{Ref: ref, Data: []byte("jpg"), MediaType: "image/jpeg"}, nil
}

func (fakeFetcher) FetchToDir(_ context.Context, refs []string, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, err
	}
	return len(refs), nil
}

type fakeSink struct{}

func (fakeSink) RecordQueued(context.Context, string, string) error { return nil }
func (fakeSink) RecordTerminal(context.Context, string, domain.JobKind, domain.JobStatus, *domain.JobError) error {
	return nil
}
func (fakeSink) RecordFaultDescription(context.Context, string, string, domain.JobStatus, string) error {
	return nil
}

// fakeRunner completes immediately; prepare may fabricate workspace output
// the way a real pipeline run would.
type fakeRunner struct {
	prepare func(ws recon.Workspace, iterations int) error
	err     error
}

func (f *fakeRunner) Run(_ context.Context, _ string, ws recon.Workspace, iterations int) error {
	if f.err != nil {
		return f.err
	}
	if f.prepare != nil {
		return f.prepare(ws, iterations)
	}
	return nil
}

type fixture struct {
	cfg      config.Config
	handler  http.Handler
	jobs     *memory.JobStore
	analyzer *fakeAnalyzer
	runner   *fakeRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Config{
		AppEnv:                "test",
		Port:                  8080,
		BaseURL:               "http://api.test",
		DataDir:               t.TempDir(),
		MaxConcurrentJobs:     1,
		MinImages:             3,
		MaxImages:             20,
		TrainingIterations:    7000,
		AnalysisBatchSize:     5,
		AnalysisPace:          0,
		AnalysisInnerDeadline: 5 * time.Second,
		AnalysisOuterDeadline: 10 * time.Second,
		TrimKeepFraction:      0.70,
		ItemCategory:          "물품",
		CORSAllowOrigins:      "*",
		RateLimitPerMin:       1000,
	}
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	analyzer := &fakeAnalyzer{
		verdict: domain.ImageVerdict{
			Defects:         []domain.Defect{{Type: "스크래치", Severity: "하", Location: "좌측", Description: "1cm 스크래치", Confidence: 0.9}},
			Condition:       domain.CondA,
			PriceAdjustment: -5,
			Confidence:      0.9,
		},
		description: "가죽 소재의 검정색 가방입니다.",
	}
	runner := &fakeRunner{}

	batch := usecase.NewBatchAnalyzer(fakeFetcher{}, analyzer, cfg.AnalysisBatchSize, cfg.AnalysisPace, cfg.AnalysisInnerDeadline, cfg.ItemCategory)
	analysisSvc := usecase.NewAnalysisService(batch, fakeSink{}, cfg.TrimKeepFraction, cfg.AnalysisOuterDeadline)
	descSvc := usecase.NewDescriptionService(fakeFetcher{}, analyzer)

	jobs := memory.NewJobStore()
	reconSvc := usecase.NewReconService(jobs, fakeSink{}, fakeFetcher{}, runner, nil,
		cfg.DataDir, cfg.MinImages, cfg.MaxImages, cfg.TrainingIterations, int(cfg.MaxConcurrentJobs), lg)
	sched := scheduler.New(cfg.MaxConcurrentJobs, domain.KindRecon, lg, reconSvc.FailEvicted)
	reconSvc.Sched = sched
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	srv := httpserver.NewServer(cfg, analysisSvc, descSvc, reconSvc, nil)
	return &fixture{
		cfg:      cfg,
		handler:  app.BuildRouter(cfg, srv),
		jobs:     jobs,
		analyzer: analyzer,
		runner:   runner,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, rd)
	r.Header.Set("Content-Type", "application/json")
	rw := httptest.NewRecorder()
	f.handler.ServeHTTP(rw, r)
	return rw
}

func decodeBody(t *testing.T, rw *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&out))
	return out
}

func (f *fixture) waitDone(t *testing.T, productID string) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		j, err := f.jobs.Get(context.Background(), productID)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func refs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("s3://bucket/products/p1/%02d.jpg", i+1)
	}
	return out
}

func TestFaultDescHandler_ValidationError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rw := f.do(t, http.MethodPost, "/inspect/fault_desc", map[string]any{"product_id": "p1"})
	require.Equal(t, http.StatusBadRequest, rw.Code)
	body := decodeBody(t, rw)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INVALID_INPUT", errObj["code"])
}

func TestFaultDescHandler_Success(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rw := f.do(t, http.MethodPost, "/inspect/fault_desc", map[string]any{
		"product_id": "p1",
		"image_refs": refs(3),
	})
	require.Equal(t, http.StatusOK, rw.Code)
	body := decodeBody(t, rw)
	assert.Equal(t, "p1", body["product_id"])
	assert.Equal(t, "A", body["aggregated_condition"])
	assert.Equal(t, float64(-5), body["aggregated_price_adjustment"])
	assert.Equal(t, float64(3), body["total_defects_count"])
	assert.Contains(t, body["markdown_summary"], "# 결함 분석 결과")
	assert.Len(t, body["inspection_results"], 3)
}

func TestFaultDescHandler_PipelineFailureStill200(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.analyzer.analyzeErr = errors.New("model unavailable")

	rw := f.do(t, http.MethodPost, "/inspect/fault_desc", map[string]any{
		"product_id": "p1",
		"image_refs": refs(3),
	})
	require.Equal(t, http.StatusOK, rw.Code)
	body := decodeBody(t, rw)
	assert.Equal(t, "D", body["aggregated_condition"])
	assert.Equal(t, float64(-100), body["aggregated_price_adjustment"])
	assert.Contains(t, body["markdown_summary"], "❌ **분석 실패**")
}

func TestAnalyzeDescHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rw := f.do(t, http.MethodPost, "/inspect/analyze_desc", map[string]any{
		"image_ref":    "s3://bucket/products/p1/01.jpg",
		"product_name": "토트백",
	})
	require.Equal(t, http.StatusOK, rw.Code)
	body := decodeBody(t, rw)
	assert.Equal(t, "가죽 소재의 검정색 가방입니다.", body["description"])
}

func TestAnalyzeDescHandler_UpstreamFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.analyzer.describeErr = errors.New("model unavailable")

	rw := f.do(t, http.MethodPost, "/inspect/analyze_desc", map[string]any{
		"image_ref":    "s3://bucket/products/p1/01.jpg",
		"product_name": "토트백",
	})
	require.Equal(t, http.StatusInternalServerError, rw.Code)
	body := decodeBody(t, rw)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INTERNAL", errObj["code"])
	assert.Contains(t, errObj["message"], "제품 설명 생성 실패")
}

func TestCreateReconJobHandler_ImageCountRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rw := f.do(t, http.MethodPost, "/recon/jobs", map[string]any{
		"product_id": "p1",
		"s3_images":  refs(2),
	})
	require.Equal(t, http.StatusBadRequest, rw.Code)
	body := decodeBody(t, rw)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INVALID_INPUT", errObj["code"])
	assert.Contains(t, errObj["message"], "이미지 3~20장만 허용합니다. (현재: 2장)")
}

func TestCreateReconJobHandler_Accepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rw := f.do(t, http.MethodPost, "/recon/jobs", map[string]any{
		"product_id": "p1",
		"s3_images":  refs(5),
	})
	require.Equal(t, http.StatusAccepted, rw.Code)
	body := decodeBody(t, rw)
	assert.Equal(t, "p1", body["product_id"])
	assert.Equal(t, "queued", body["status"])

	f.waitDone(t, "p1")
}

func TestReconStatusHandler_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rw := f.do(t, http.MethodGet, "/recon/jobs/nope/status", nil)
	require.Equal(t, http.StatusNotFound, rw.Code)
	body := decodeBody(t, rw)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", errObj["code"])
}

func TestReconStatusHandler_CompletedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rw := f.do(t, http.MethodPost, "/recon/jobs", map[string]any{
		"product_id": "p1",
		"s3_images":  refs(5),
		"iterations": 3000,
	})
	require.Equal(t, http.StatusAccepted, rw.Code)
	f.waitDone(t, "p1")

	rw = f.do(t, http.MethodGet, "/recon/jobs/p1/status", nil)
	require.Equal(t, http.StatusOK, rw.Code)
	body := decodeBody(t, rw)
	assert.Equal(t, "p1", body["product_id"])
	assert.Equal(t, "done", body["status"])
	assert.Equal(t, "done", body["stage"])
	assert.Equal(t, float64(100), body["progress"])
	assert.Equal(t, float64(5), body["image_count"])
	assert.Equal(t, float64(3000), body["iterations"])
	assert.Equal(t, "http://api.test/v/p1", body["viewer_url"])
	assert.NotNil(t, body["log_tail"], "log_tail must serialize as an array, never null")
	assert.NotContains(t, body, "queue_position")
	assert.NotContains(t, body, "error_kind")
}

func TestReconStatusHandler_FailedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.runner.err = &recon.StageFailure{Stage: domain.StageColmapValidate, Err: fmt.Errorf("%w: registered images 1 < 3", domain.ErrInsufficientRecon)}

	rw := f.do(t, http.MethodPost, "/recon/jobs", map[string]any{
		"product_id": "p1",
		"s3_images":  refs(5),
	})
	require.Equal(t, http.StatusAccepted, rw.Code)
	f.waitDone(t, "p1")

	rw = f.do(t, http.MethodGet, "/recon/jobs/p1/status", nil)
	require.Equal(t, http.StatusOK, rw.Code)
	body := decodeBody(t, rw)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, string(domain.KindInsufficientRecon), body["error_kind"])
	assert.Equal(t, string(domain.StageColmapValidate), body["error_stage"])
	assert.Contains(t, body["error_message"], "registered images")
	assert.NotContains(t, body, "viewer_url")
}

func TestReconQueueHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rw := f.do(t, http.MethodGet, "/recon/queue", nil)
	require.Equal(t, http.StatusOK, rw.Code)
	body := decodeBody(t, rw)
	assert.Equal(t, float64(1), body["max_concurrent"])
	assert.Equal(t, float64(0), body["running_count"])
	assert.Equal(t, float64(0), body["pending_count"])
	assert.NotNil(t, body["running_jobs"])
	assert.NotNil(t, body["pending_jobs"])
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rw := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "ok", decodeBody(t, rw)["status"])
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	cfg := config.Config{BaseURL: "http://api.test", CORSAllowOrigins: "*", RateLimitPerMin: 1000}

	t.Run("ready without db check", func(t *testing.T) {
		t.Parallel()
		srv := httpserver.NewServer(cfg, nil, nil, nil, nil)
		rw := httptest.NewRecorder()
		srv.ReadyzHandler()(rw, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusOK, rw.Code)
	})

	t.Run("degraded when db unreachable", func(t *testing.T) {
		t.Parallel()
		srv := httpserver.NewServer(cfg, nil, nil, nil, func(context.Context) error {
			return errors.New("connection refused")
		})
		rw := httptest.NewRecorder()
		srv.ReadyzHandler()(rw, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusServiceUnavailable, rw.Code)
		body := decodeBody(t, rw)
		assert.Equal(t, "degraded", body["status"])
	})
}

// binaryPLY fabricates a minimal binary point cloud with n xyz vertices.
func binaryPLY(n int) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ply\nformat binary_little_endian 1.0\nelement vertex %d\n", n)
	buf.WriteString("property float x\nproperty float y\nproperty float z\nend_header\n")
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			_ = binary.Write(&buf, binary.LittleEndian, float32(i))
		}
	}
	return buf.Bytes()
}

// preparePointClouds writes the full and medium variants, deliberately
// omitting the light one so fallback can be exercised.
func preparePointClouds(ws recon.Workspace, iterations int) error {
	if err := os.MkdirAll(ws.IterationDir(iterations), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(ws.PLYPath(iterations, ""), binaryPLY(100), 0o640); err != nil {
		return err
	}
	return os.WriteFile(ws.PLYPath(iterations, "_medium"), binaryPLY(20), 0o640)
}

func TestPointCloudHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.runner.prepare = preparePointClouds

	rw := f.do(t, http.MethodPost, "/recon/jobs", map[string]any{
		"product_id": "p1",
		"s3_images":  refs(5),
	})
	require.Equal(t, http.StatusAccepted, rw.Code)
	job := f.waitDone(t, "p1")
	require.Equal(t, domain.JobDone, job.Status)

	t.Run("full", func(t *testing.T) {
		rw := f.do(t, http.MethodGet, "/recon/pub/p1/cloud.ply", nil)
		require.Equal(t, http.StatusOK, rw.Code)
		assert.Equal(t, "application/octet-stream", rw.Header().Get("Content-Type"))
		assert.Equal(t, "public, max-age=86400", rw.Header().Get("Cache-Control"))
		assert.Equal(t, `inline; filename=point_cloud.ply`, rw.Header().Get("Content-Disposition"))
		assert.Equal(t, binaryPLY(100), rw.Body.Bytes())
	})

	t.Run("medium", func(t *testing.T) {
		rw := f.do(t, http.MethodGet, "/recon/pub/p1/cloud.ply?quality=medium", nil)
		require.Equal(t, http.StatusOK, rw.Code)
		assert.Equal(t, binaryPLY(20), rw.Body.Bytes())
	})

	t.Run("missing variant falls back to full", func(t *testing.T) {
		rw := f.do(t, http.MethodGet, "/recon/pub/p1/cloud.ply?quality=light", nil)
		require.Equal(t, http.StatusOK, rw.Code)
		assert.Equal(t, binaryPLY(100), rw.Body.Bytes())
	})

	t.Run("unknown quality", func(t *testing.T) {
		rw := f.do(t, http.MethodGet, "/recon/pub/p1/cloud.ply?quality=huge", nil)
		require.Equal(t, http.StatusBadRequest, rw.Code)
	})

	t.Run("unknown product", func(t *testing.T) {
		rw := f.do(t, http.MethodGet, "/recon/pub/p2/cloud.ply", nil)
		require.Equal(t, http.StatusNotFound, rw.Code)
	})
}

func TestPointCloudHandler_JobNotDone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.jobs.Create(context.Background(), domain.Job{ProductID: "p1", Kind: domain.KindRecon}))

	rw := f.do(t, http.MethodGet, "/recon/pub/p1/cloud.ply", nil)
	require.Equal(t, http.StatusNotFound, rw.Code)
}

// prepareSparseModel fabricates a converted sparse model with a single
// identity-rotation camera at t=(0.5,-0.2,2.0).
func prepareSparseModel(ws recon.Workspace, iterations int) error {
	if err := preparePointClouds(ws, iterations); err != nil {
		return err
	}
	if err := os.MkdirAll(ws.SparseDir(), 0o750); err != nil {
		return err
	}
	images := "# Image list\n1 1 0 0 0 0.5 -0.2 2.0 1 image_0001.jpg\n100.0 200.0 1\n"
	return os.WriteFile(filepath.Join(ws.SparseDir(), "images.txt"), []byte(images), 0o640)
}

func TestViewerHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.runner.prepare = prepareSparseModel

	rw := f.do(t, http.MethodPost, "/recon/jobs", map[string]any{
		"product_id": "p1",
		"s3_images":  refs(5),
	})
	require.Equal(t, http.StatusAccepted, rw.Code)
	f.waitDone(t, "p1")

	rw = f.do(t, http.MethodGet, "/v/p1", nil)
	require.Equal(t, http.StatusFound, rw.Code)
	loc := rw.Header().Get("Location")
	assert.Equal(t, "/viewer/?load=http://api.test/recon/pub/p1/cloud.ply&cameraPosition=0.500,0.200,2.000", loc)
}

func TestViewerRotateHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.runner.prepare = prepareSparseModel

	rw := f.do(t, http.MethodPost, "/recon/jobs", map[string]any{
		"product_id": "p1",
		"s3_images":  refs(5),
	})
	require.Equal(t, http.StatusAccepted, rw.Code)
	f.waitDone(t, "p1")

	rw = f.do(t, http.MethodGet, "/v/rotate/p1", nil)
	require.Equal(t, http.StatusFound, rw.Code)
	loc := rw.Header().Get("Location")
	assert.Equal(t, "/viewer/?load=http://api.test/recon/pub/p1/cloud.ply?quality=medium&cameraPosition=3.000,1.200,12.000&autoRotate=45&disableInput=true", loc)
}

func TestViewerHandler_JobStates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rw := f.do(t, http.MethodGet, "/v/missing", nil)
	require.Equal(t, http.StatusNotFound, rw.Code)

	require.NoError(t, f.jobs.Create(context.Background(), domain.Job{ProductID: "p1", Kind: domain.KindRecon}))
	rw = f.do(t, http.MethodGet, "/v/p1", nil)
	require.Equal(t, http.StatusBadRequest, rw.Code)
}
