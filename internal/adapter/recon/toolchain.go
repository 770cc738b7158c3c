package recon

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/resello/inspect3d/internal/domain"
)

// Toolchain abstracts the external reconstruction binaries so tests can swap
// in a fake that writes canned outputs instantly.
type Toolchain interface {
	ExtractFeatures(ctx context.Context, ws Workspace, log io.Writer) error
	MatchFeatures(ctx context.Context, ws Workspace, log io.Writer) error
	Reconstruct(ctx context.Context, ws Workspace, log io.Writer) error
	Undistort(ctx context.Context, ws Workspace, log io.Writer) error
	ConvertToText(ctx context.Context, ws Workspace, log io.Writer) error
	Train(ctx context.Context, ws Workspace, iterations int, log io.Writer) error
}

// ExecToolchain invokes COLMAP and the splat trainer as subprocesses. Stdout
// and stderr of every process are inherited into the job log.
type ExecToolchain struct {
	ColmapBin  string
	TrainerBin string
}

// NewExecToolchain constructs an ExecToolchain from binary paths.
func NewExecToolchain(colmapBin, trainerBin string) *ExecToolchain {
	return &ExecToolchain{ColmapBin: colmapBin, TrainerBin: trainerBin}
}

func (t *ExecToolchain) ExtractFeatures(ctx context.Context, ws Workspace, log io.Writer) error {
	return t.run(ctx, log, t.ColmapBin, "feature_extractor",
		"--database_path", ws.DatabasePath(),
		"--image_path", ws.ImagesDir(),
		"--ImageReader.single_camera", "1")
}

func (t *ExecToolchain) MatchFeatures(ctx context.Context, ws Workspace, log io.Writer) error {
	return t.run(ctx, log, t.ColmapBin, "exhaustive_matcher",
		"--database_path", ws.DatabasePath())
}

func (t *ExecToolchain) Reconstruct(ctx context.Context, ws Workspace, log io.Writer) error {
	return t.run(ctx, log, t.ColmapBin, "mapper",
		"--database_path", ws.DatabasePath(),
		"--image_path", ws.ImagesDir(),
		"--output_path", ws.WorkDir()+"/sparse")
}

func (t *ExecToolchain) Undistort(ctx context.Context, ws Workspace, log io.Writer) error {
	return t.run(ctx, log, t.ColmapBin, "image_undistorter",
		"--image_path", ws.ImagesDir(),
		"--input_path", ws.SparseDir(),
		"--output_path", ws.WorkDir(),
		"--output_type", "COLMAP")
}

func (t *ExecToolchain) ConvertToText(ctx context.Context, ws Workspace, log io.Writer) error {
	return t.run(ctx, log, t.ColmapBin, "model_converter",
		"--input_path", ws.SparseDir(),
		"--output_path", ws.SparseDir(),
		"--output_type", "TXT")
}

func (t *ExecToolchain) Train(ctx context.Context, ws Workspace, iterations int, log io.Writer) error {
	return t.run(ctx, log, t.TrainerBin,
		"-s", ws.WorkDir(),
		"-m", ws.OutputDir(),
		"--iterations", strconv.Itoa(iterations))
}

func (t *ExecToolchain) run(ctx context.Context, log io.Writer, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = log
	cmd.Stderr = log
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("op=toolchain.run %s: %w: %w", bin, domain.ErrShutdown, ctx.Err())
		}
		return fmt.Errorf("op=toolchain.run %s %v: %w: %w", bin, args[:1], domain.ErrStageFailed, err)
	}
	return nil
}
