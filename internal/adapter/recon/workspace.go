// Package recon runs the photogrammetry and splat-training toolchain over a
// product's images and publishes the resulting point clouds.
package recon

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the per-product directory layout. One job owns the whole tree
// exclusively between admission and its terminal transition; HTTP handlers
// read output/ only after the job is done.
type Workspace struct {
	Root string
}

// NewWorkspace roots a workspace for one product under dataDir.
func NewWorkspace(dataDir, productID string) Workspace {
	return Workspace{Root: filepath.Join(dataDir, productID)}
}

func (w Workspace) ImagesDir() string    { return filepath.Join(w.Root, "upload", "images") }
func (w Workspace) WorkDir() string      { return filepath.Join(w.Root, "work") }
func (w Workspace) SparseDir() string    { return filepath.Join(w.Root, "work", "sparse", "0") }
func (w Workspace) DatabasePath() string { return filepath.Join(w.Root, "work", "database.db") }
func (w Workspace) OutputDir() string    { return filepath.Join(w.Root, "output") }
func (w Workspace) LogPath() string      { return filepath.Join(w.Root, "logs", "process.log") }

// IterationDir is where the trainer drops its checkpoint for the given
// iteration count.
func (w Workspace) IterationDir(iterations int) string {
	return filepath.Join(w.OutputDir(), "point_cloud", fmt.Sprintf("iteration_%d", iterations))
}

// PLYPath resolves a point-cloud file by quality suffix ("" for full,
// "_medium", "_light").
func (w Workspace) PLYPath(iterations int, suffix string) string {
	return filepath.Join(w.IterationDir(iterations), "point_cloud"+suffix+".ply")
}

// Prepare creates the directories the pipeline writes into.
func (w Workspace) Prepare() error {
	for _, dir := range []string{
		w.ImagesDir(),
		w.WorkDir(),
		w.OutputDir(),
		filepath.Dir(w.LogPath()),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("op=workspace.Prepare %s: %w", dir, err)
		}
	}
	return nil
}
