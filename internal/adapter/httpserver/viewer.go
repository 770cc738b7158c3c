package httpserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"log/slog"

	"github.com/resello/inspect3d/internal/adapter/recon"
	"github.com/resello/inspect3d/internal/domain"
)

// rotateDistanceFactor pushes the auto-rotate camera back so the whole
// object stays in frame while spinning.
const rotateDistanceFactor = 6

// ViewerHandler redirects to the point-cloud viewer positioned at the first
// registered camera. Without a readable camera pose the viewer falls back to
// its default framing.
func (s *Server) ViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID := chi.URLParam(r, "productID")
		if _, err := s.completedJob(r, productID); err != nil {
			writeError(w, r, err, nil)
			return
		}

		plyURL := fmt.Sprintf("%s/recon/pub/%s/cloud.ply", s.Cfg.BaseURL, productID)
		target := fmt.Sprintf("/viewer/?load=%s", plyURL)
		if pos, err := recon.FirstCameraPosition(s.Recon.Workspace(productID).SparseDir()); err == nil {
			target = fmt.Sprintf("/viewer/?load=%s&cameraPosition=%s", plyURL, pos.Format())
		} else {
			LoggerFrom(r).Warn("camera position unavailable, using default view",
				slog.String("product_id", productID), slog.Any("error", err))
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

// ViewerRotateHandler redirects to the viewer in thumbnail mode: medium
// quality, auto-rotation, input disabled, camera pulled back.
func (s *Server) ViewerRotateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID := chi.URLParam(r, "productID")
		if _, err := s.completedJob(r, productID); err != nil {
			writeError(w, r, err, nil)
			return
		}

		plyURL := fmt.Sprintf("%s/recon/pub/%s/cloud.ply?quality=medium", s.Cfg.BaseURL, productID)
		target := fmt.Sprintf("/viewer/?load=%s&autoRotate=45&disableInput=true", plyURL)
		if pos, err := recon.FirstCameraPosition(s.Recon.Workspace(productID).SparseDir()); err == nil {
			far := pos.Scale(rotateDistanceFactor)
			target = fmt.Sprintf("/viewer/?load=%s&cameraPosition=%s&autoRotate=45&disableInput=true", plyURL, far.Format())
		} else {
			LoggerFrom(r).Warn("camera position unavailable, using default rotate view",
				slog.String("product_id", productID), slog.Any("error", err))
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func (s *Server) completedJob(r *http.Request, productID string) (domain.Job, error) {
	job, err := s.Recon.Jobs.Get(r.Context(), productID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobDone {
		return domain.Job{}, fmt.Errorf("%w: job not completed yet (status %s)", domain.ErrInvalidInput, job.Status)
	}
	return job, nil
}
