package recon

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/resello/inspect3d/internal/domain"
)

// ValidationResult summarizes the sparse-model quality check run after
// mapping and before training.
type ValidationResult struct {
	RegisteredImages int
	Points3D         int
	Errors           []string
}

// Valid reports whether the reconstruction clears all thresholds.
func (r ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// Summary renders the result for the job log.
func (r ValidationResult) Summary() string {
	if r.Valid() {
		return fmt.Sprintf("Validation passed: %d registered images, %d 3D points", r.RegisteredImages, r.Points3D)
	}
	return "Validation failed: " + strings.Join(r.Errors, "; ")
}

// Validator checks the text-format sparse model against minimum thresholds.
type Validator struct {
	MinRegisteredImages int
	MinPoints3D         int
}

// Validate counts registered images and 3D points in sparseDir.
func (v Validator) Validate(sparseDir string) (ValidationResult, error) {
	images, err := countRecords(filepath.Join(sparseDir, "images.txt"), 2)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("op=validator.Validate images: %w", err)
	}
	points, err := countRecords(filepath.Join(sparseDir, "points3D.txt"), 1)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("op=validator.Validate points: %w", err)
	}

	res := ValidationResult{RegisteredImages: images, Points3D: points}
	if images < v.MinRegisteredImages {
		res.Errors = append(res.Errors,
			fmt.Sprintf("registered images %d below minimum %d", images, v.MinRegisteredImages))
	}
	if points < v.MinPoints3D {
		res.Errors = append(res.Errors,
			fmt.Sprintf("3D points %d below minimum %d", points, v.MinPoints3D))
	}
	return res, nil
}

// Check returns an insufficient-reconstruction error when the result fails.
func (v Validator) Check(res ValidationResult) error {
	if res.Valid() {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrInsufficientRecon, strings.Join(res.Errors, "; "))
}

// countRecords counts non-comment, non-blank lines in a COLMAP text file.
// images.txt stores two lines per image (pose line plus observations), so
// linesPerRecord is 2 there and 1 for points3D.txt.
func countRecords(path string, linesPerRecord int) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- path is workspace-derived
	if err != nil {
		return 0, err
	}
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		lines++
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return lines / linesPerRecord, nil
}
