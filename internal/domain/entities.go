// Package domain holds the core entities and ports of the inspection and
// reconstruction pipelines. Adapters implement the ports; usecases consume
// them. The package depends on nothing but the standard library.
package domain

import (
	"context"
	"time"
)

// JobKind discriminates the two pipelines sharing the orchestrator.
type JobKind string

const (
	KindAnalysis JobKind = "analysis"
	KindRecon    JobKind = "recon"
)

// JobStatus is the lifecycle state of a job. Transitions are monotone:
// queued -> running -> {done, failed}, or queued -> failed on shutdown.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool { return s == JobDone || s == JobFailed }

// Stage labels a checkpoint in the recon pipeline. The analysis pipeline
// uses only StageAnalyze.
type Stage string

const (
	StageAnalyze        Stage = "analyze"
	StageDownload       Stage = "download"
	StageColmapFeatures Stage = "colmap_features"
	StageColmapMatch    Stage = "colmap_match"
	StageColmapMap      Stage = "colmap_map"
	StageColmapUndist   Stage = "colmap_undistort"
	StageColmapValidate Stage = "colmap_validate"
	StageGSTrain        Stage = "gs_train"
	StageExportPLY      Stage = "export_ply"
	StageDone           Stage = "done"
	StageError          Stage = "error"
)

// LogTailLines bounds the per-job log ring kept by the JobStore.
const LogTailLines = 50

// JobError captures the failure taxonomy entry attached to a failed job.
type JobError struct {
	Kind    ErrorKind
	Stage   Stage
	Message string
}

// Job is the persistent per-job record. A single executor owns all mutations
// of a job between creation and its terminal transition.
type Job struct {
	ProductID   string
	Kind        JobKind
	Status      JobStatus
	Stage       Stage
	Progress    int // 0..100
	ImageCount  int
	Iterations  int // recon only
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Err         *JobError
	LogTail     []string
}

// ImagePayload is a fetched, optionally recompressed image ready for the
// analyzer.
type ImagePayload struct {
	Ref       string
	Data      []byte
	MediaType string
}

// Defect is a single defect found in one image.
type Defect struct {
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Location    string  `json:"location"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// ImageVerdict is the structured judgement of one image. Defaulted marks
// verdicts synthesized by the parse fallback rather than parsed from the
// model output.
type ImageVerdict struct {
	ImageRef        string    `json:"image_path"`
	Defects         []Defect  `json:"defects"`
	Condition       Condition `json:"overall_condition"`
	PriceAdjustment int       `json:"recommended_price_adjustment"`
	Confidence      float64   `json:"analysis_confidence"`
	Defaulted       bool      `json:"-"`
	DefaultReason   string    `json:"-"`
}

// ProductVerdict is the aggregated product-level result of pipeline A.
type ProductVerdict struct {
	ProductID       string         `json:"product_id"`
	Verdicts        []ImageVerdict `json:"inspection_results"`
	Condition       Condition      `json:"aggregated_condition"`
	PriceAdjustment int            `json:"aggregated_price_adjustment"`
	TotalDefects    int            `json:"total_defects_count"`
	Markdown        string         `json:"markdown_summary"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// FetchProfile selects the resize/recompress parameters of the object
// fetcher.
type FetchProfile int

const (
	ProfileRecon       FetchProfile = iota // 1600px, JPEG quality 95
	ProfileAnalysis                        // 1200px, JPEG quality 85
	ProfileDescription                     // 800px, JPEG quality 70
)

// JobStore persists per-job state. Single writer per job; readers get
// consistent snapshots.
type JobStore interface {
	Create(ctx context.Context, j Job) error
	// Delete removes a terminal job so the product can be resubmitted.
	Delete(ctx context.Context, productID string) error
	Get(ctx context.Context, productID string) (Job, error)
	SetStage(ctx context.Context, productID string, stage Stage, progress int) error
	SetStatus(ctx context.Context, productID string, status JobStatus, jobErr *JobError) error
	ListPending(ctx context.Context) ([]Job, error)
	ListRunning(ctx context.Context) ([]Job, error)
	AppendLogLine(ctx context.Context, productID, line string) error
}

// TerminalSink mirrors job state into the system-of-record database with
// at-least-once semantics. Implementations must be idempotent under retry
// and must never surface failures into the in-memory job state.
type TerminalSink interface {
	RecordQueued(ctx context.Context, productID, inputRef string) error
	RecordTerminal(ctx context.Context, productID string, kind JobKind, status JobStatus, jobErr *JobError) error
	RecordFaultDescription(ctx context.Context, productID, markdown string, status JobStatus, errMsg string) error
}

// ObjectStore fetches raw object bytes. Keys are NFC-normalized by callers.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// ImageFetcher downloads, normalizes, and recompresses product images.
type ImageFetcher interface {
	// FetchPayload returns a single image prepared per profile. Decode or
	// resize failures degrade to the raw bytes, never to an error.
	FetchPayload(ctx context.Context, ref string, profile FetchProfile) (ImagePayload, error)
	// FetchToDir downloads all refs into dir as image_NNNN.ext preserving
	// input order. It returns the success count and the first error seen.
	FetchToDir(ctx context.Context, refs []string, dir string) (int, error)
}

// Analyzer is the external vision model.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, img ImagePayload, category string) (ImageVerdict, error)
	DescribeImage(ctx context.Context, img ImagePayload, productName string) (string, error)
	ModelName() string
}
