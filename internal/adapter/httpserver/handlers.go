package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"log/slog"

	"github.com/resello/inspect3d/internal/config"
	"github.com/resello/inspect3d/internal/domain"
	"github.com/resello/inspect3d/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Analysis    *usecase.AnalysisService
	Description *usecase.DescriptionService
	Recon       *usecase.ReconService
	DBCheck     func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, analysis *usecase.AnalysisService, description *usecase.DescriptionService, recon *usecase.ReconService, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Analysis: analysis, Description: description, Recon: recon, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed json: %v", domain.ErrInvalidInput, err)
	}
	if err := getValidator().Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

type faultDescRequest struct {
	ProductID   string   `json:"product_id" validate:"required"`
	ImageRefs   []string `json:"image_refs" validate:"required,min=1"`
	ProductName string   `json:"product_name"`
}

// FaultDescHandler analyzes all images of a product. The response is always
// 200 with a ProductVerdict; pipeline failures surface as the error markdown
// inside the verdict, never as an HTTP error.
func (s *Server) FaultDescHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req faultDescRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		verdict := s.Analysis.AnalyzeProduct(r.Context(), req.ProductID, req.ImageRefs)
		writeJSON(w, http.StatusOK, verdict)
	}
}

type describeRequest struct {
	ImageRef    string `json:"image_ref" validate:"required"`
	ProductName string `json:"product_name" validate:"required"`
}

type describeResponse struct {
	Description string `json:"description"`
}

// AnalyzeDescHandler generates a product description from one image.
func (s *Server) AnalyzeDescHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req describeRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		text, err := s.Description.Describe(r.Context(), req.ImageRef, req.ProductName)
		if err != nil {
			LoggerFrom(r).Error("description generation failed", slog.Any("error", err))
			writeError(w, r, fmt.Errorf("제품 설명 생성 실패: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, describeResponse{Description: text})
	}
}

type createJobRequest struct {
	ProductID  string   `json:"product_id" validate:"required"`
	S3Images   []string `json:"s3_images" validate:"required,min=1"`
	Iterations int      `json:"iterations"`
}

// CreateReconJobHandler accepts a reconstruction job. 202 means admitted to
// the queue; everything after that is observable through the status
// endpoint.
func (s *Server) CreateReconJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Recon.Submit(r.Context(), req.ProductID, req.S3Images, req.Iterations); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"product_id": req.ProductID,
			"status":     string(domain.JobQueued),
			"message":    "재구성 작업이 큐에 추가되었습니다. 상태는 status 엔드포인트에서 확인할 수 있습니다.",
		})
	}
}

type jobStatusResponse struct {
	ProductID     string   `json:"product_id"`
	Status        string   `json:"status"`
	Stage         string   `json:"stage"`
	Progress      int      `json:"progress"`
	LogTail       []string `json:"log_tail"`
	QueuePosition *int     `json:"queue_position,omitempty"`
	ImageCount    int      `json:"image_count"`
	Iterations    int      `json:"iterations"`
	ViewerURL     string   `json:"viewer_url,omitempty"`
	ErrorKind     string   `json:"error_kind,omitempty"`
	ErrorStage    string   `json:"error_stage,omitempty"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	CreatedAt     string   `json:"created_at"`
	StartedAt     *string  `json:"started_at,omitempty"`
	CompletedAt   *string  `json:"completed_at,omitempty"`
}

// ReconStatusHandler returns the full job snapshot.
func (s *Server) ReconStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID := chi.URLParam(r, "productID")
		view, err := s.Recon.Status(r.Context(), productID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		job := view.Job
		resp := jobStatusResponse{
			ProductID:   job.ProductID,
			Status:      string(job.Status),
			Stage:       string(job.Stage),
			Progress:    job.Progress,
			LogTail:     view.LogTail,
			ImageCount:  job.ImageCount,
			Iterations:  job.Iterations,
			CreatedAt:   job.CreatedAt.Format(time.RFC3339),
			StartedAt:   formatTimePtr(job.StartedAt),
			CompletedAt: formatTimePtr(job.CompletedAt),
		}
		if resp.LogTail == nil {
			resp.LogTail = []string{}
		}
		if view.QueuePosition > 0 {
			pos := view.QueuePosition
			resp.QueuePosition = &pos
		}
		if job.Status == domain.JobDone {
			resp.ViewerURL = fmt.Sprintf("%s/v/%s", s.Cfg.BaseURL, job.ProductID)
		}
		if job.Err != nil {
			resp.ErrorKind = string(job.Err.Kind)
			resp.ErrorStage = string(job.Err.Stage)
			resp.ErrorMessage = job.Err.Message
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// ReconQueueHandler returns the scheduler snapshot.
func (s *Server) ReconQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := s.Recon.Queue(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		running := make([]map[string]any, 0, len(q.Running))
		for _, job := range q.Running {
			running = append(running, map[string]any{
				"product_id": job.ProductID,
				"created_at": job.CreatedAt.Format(time.RFC3339),
				"started_at": formatTimePtr(job.StartedAt),
			})
		}
		pending := make([]map[string]any, 0, len(q.Pending))
		for i, job := range q.Pending {
			pending = append(pending, map[string]any{
				"product_id": job.ProductID,
				"position":   i + 1,
				"created_at": job.CreatedAt.Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"max_concurrent": q.MaxConcurrent,
			"running_count":  len(q.Running),
			"pending_count":  len(q.Pending),
			"running_jobs":   running,
			"pending_jobs":   pending,
		})
	}
}

// qualitySuffixes maps the quality query value to the PLY filename suffix.
var qualitySuffixes = map[string]string{
	"light":  "_light",
	"medium": "_medium",
	"full":   "",
	"":       "",
}

// PointCloudHandler streams the reconstructed point cloud. A missing
// downsampled variant falls back to the full file rather than 404ing, so
// viewers always get something renderable.
func (s *Server) PointCloudHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID := chi.URLParam(r, "productID")
		job, err := s.Recon.Jobs.Get(r.Context(), productID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job.Status != domain.JobDone {
			writeError(w, r, fmt.Errorf("%w: point cloud not ready (status %s)", domain.ErrNotFound, job.Status), nil)
			return
		}

		quality := r.URL.Query().Get("quality")
		suffix, ok := qualitySuffixes[quality]
		if !ok {
			writeError(w, r, fmt.Errorf("%w: unknown quality %q", domain.ErrInvalidInput, quality), nil)
			return
		}

		ws := s.Recon.Workspace(productID)
		path := ws.PLYPath(job.Iterations, suffix)
		if _, statErr := os.Stat(path); statErr != nil && suffix != "" {
			path = ws.PLYPath(job.Iterations, "")
		}
		if _, statErr := os.Stat(path); statErr != nil {
			writeError(w, r, fmt.Errorf("%w: point cloud file missing", domain.ErrNotFound), nil)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Header().Set("Content-Disposition", `inline; filename=point_cloud.ply`)
		http.ServeFile(w, r, path)
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler is the readiness probe: ready once the external database
// answers.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
