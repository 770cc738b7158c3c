package recon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/resello/inspect3d/internal/adapter/observability"
	"github.com/resello/inspect3d/internal/domain"
)

// StageFailure wraps a pipeline error with the stage it happened in so the
// executor can record both the failure kind and the failing stage.
type StageFailure struct {
	Stage domain.Stage
	Err   error
}

func (e *StageFailure) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageFailure) Unwrap() error { return e.Err }

// Pipeline runs the reconstruction stages for one product. Stages execute
// sequentially; cancellation is honored between stages and inside running
// subprocesses.
type Pipeline struct {
	Tool      Toolchain
	Jobs      domain.JobStore
	Validator Validator
}

// NewPipeline constructs a Pipeline.
func NewPipeline(tool Toolchain, jobs domain.JobStore, validator Validator) *Pipeline {
	return &Pipeline{Tool: tool, Jobs: jobs, Validator: validator}
}

type stageDef struct {
	stage    domain.Stage
	progress int
	header   string
	run      func(ctx context.Context, log io.Writer) error
}

// Run executes the full pipeline. It writes the process log under the
// workspace and mirrors every line into the job's log tail. A non-nil return
// is always a *StageFailure.
func (p *Pipeline) Run(ctx context.Context, productID string, ws Workspace, iterations int) error {
	if err := ws.Prepare(); err != nil {
		return &StageFailure{Stage: domain.StageColmapFeatures, Err: fmt.Errorf("%w: %w", domain.ErrInternal, err)}
	}
	log, err := newJobLog(ctx, ws.LogPath(), p.Jobs, productID)
	if err != nil {
		return &StageFailure{Stage: domain.StageColmapFeatures, Err: fmt.Errorf("%w: %w", domain.ErrInternal, err)}
	}
	defer log.Close()

	log.Printf(">> [Job %s] Starting reconstruction pipeline", productID)

	stages := []stageDef{
		{domain.StageColmapFeatures, 15, ">> [COLMAP_FEAT] Extracting features...", func(ctx context.Context, w io.Writer) error {
			return p.Tool.ExtractFeatures(ctx, ws, w)
		}},
		{domain.StageColmapMatch, 30, ">> [COLMAP_MATCH] Matching features...", func(ctx context.Context, w io.Writer) error {
			return p.Tool.MatchFeatures(ctx, ws, w)
		}},
		{domain.StageColmapMap, 45, ">> [COLMAP_MAP] Reconstructing sparse model...", func(ctx context.Context, w io.Writer) error {
			return p.Tool.Reconstruct(ctx, ws, w)
		}},
		{domain.StageColmapUndist, 55, ">> [COLMAP_UNDIST] Undistorting images...", func(ctx context.Context, w io.Writer) error {
			if err := p.Tool.Undistort(ctx, ws, w); err != nil {
				return err
			}
			log.Printf(">> [COLMAP] Converting to text format...")
			return p.Tool.ConvertToText(ctx, ws, w)
		}},
		{domain.StageColmapValidate, 60, ">> [COLMAP_VALIDATE] Validating reconstruction quality...", func(ctx context.Context, w io.Writer) error {
			res, err := p.Validator.Validate(ws.SparseDir())
			if err != nil {
				return fmt.Errorf("%w: %w", domain.ErrStageFailed, err)
			}
			log.Printf("%s", res.Summary())
			if err := p.Validator.Check(res); err != nil {
				return err
			}
			log.Printf(">> [COLMAP_VALIDATE] Reconstruction quality is acceptable, proceeding to training...")
			return nil
		}},
		{domain.StageGSTrain, 65, ">> [GS_TRAIN] Starting Gaussian Splatting training...", func(ctx context.Context, w io.Writer) error {
			return p.Tool.Train(ctx, ws, iterations, w)
		}},
		{domain.StageExportPLY, 95, ">> [EXPORT_PLY] Post-processing results...", func(ctx context.Context, w io.Writer) error {
			return p.export(log, ws, iterations)
		}},
	}

	for _, s := range stages {
		if ctx.Err() != nil {
			return &StageFailure{Stage: s.stage, Err: fmt.Errorf("%w: %w", domain.ErrShutdown, ctx.Err())}
		}
		if err := p.Jobs.SetStage(ctx, productID, s.stage, s.progress); err != nil {
			return &StageFailure{Stage: s.stage, Err: fmt.Errorf("%w: %w", domain.ErrInternal, err)}
		}
		log.Printf("%s", s.header)

		start := time.Now()
		err := s.run(ctx, log)
		observability.StageDuration.WithLabelValues(string(s.stage)).Observe(time.Since(start).Seconds())
		if err != nil {
			log.Printf(">> [ERROR] %v", err)
			return &StageFailure{Stage: s.stage, Err: err}
		}
	}
	return nil
}

// export writes the lightweight PLY variants and logs the gaussian count.
// Variant failures degrade: the endpoint falls back to the full file.
func (p *Pipeline) export(log *jobLog, ws Workspace, iterations int) error {
	full := ws.PLYPath(iterations, "")
	if _, err := os.Stat(full); err != nil {
		return fmt.Errorf("%w: trainer produced no point cloud: %w", domain.ErrStageFailed, err)
	}

	count, err := GaussianCount(full)
	if err != nil {
		log.Printf(">> [EXPORT_PLY] Could not read gaussian count: %v", err)
	}

	log.Printf(">> [OPTIMIZE] Creating lightweight PLY versions...")
	mediumErr, lightErr := WriteLightweightVersions(full)
	if mediumErr != nil {
		log.Printf(">> [OPTIMIZE] Medium version failed: %v", mediumErr)
	}
	if lightErr != nil {
		log.Printf(">> [OPTIMIZE] Light version failed: %v", lightErr)
	}

	log.Printf(">> [SUCCESS] Job completed! Generated %d Gaussians", count)
	return nil
}

// jobLog appends to the on-disk process log and mirrors complete lines into
// the JobStore log tail, including subprocess output.
type jobLog struct {
	ctx       context.Context
	file      *os.File
	jobs      domain.JobStore
	productID string
	partial   []byte
}

func newJobLog(ctx context.Context, path string, jobs domain.JobStore, productID string) (*jobLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304 -- path is workspace-derived
	if err != nil {
		return nil, fmt.Errorf("op=jobLog open: %w", err)
	}
	return &jobLog{ctx: ctx, file: f, jobs: jobs, productID: productID}, nil
}

func (l *jobLog) Printf(format string, args ...any) {
	fmt.Fprintf(l, format+"\n", args...)
}

func (l *jobLog) Write(p []byte) (int, error) {
	n, err := l.file.Write(p)
	l.partial = append(l.partial, p[:n]...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(l.partial[:i], "\r"))
		l.partial = l.partial[i+1:]
		if line == "" {
			continue
		}
		// Log-tail mirroring is best effort.
		_ = l.jobs.AppendLogLine(l.ctx, l.productID, line)
	}
	return n, err
}

func (l *jobLog) Close() error {
	if len(l.partial) > 0 {
		_ = l.jobs.AppendLogLine(l.ctx, l.productID, string(l.partial))
		l.partial = nil
	}
	return l.file.Close()
}
