package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/resello/inspect3d/internal/domain"
)

// Reconciler mirrors terminal job state to the external database with
// bounded retries. Every write is idempotent: terminal updates are
// conditional on the row not already being terminal, so at-least-once
// delivery cannot regress a row.
type Reconciler struct {
	Pool                PgxPool
	ActivationThreshold int
	MaxElapsed          time.Duration
	InitialInterval     time.Duration
	now                 func() time.Time
}

// NewReconciler constructs a Reconciler with the given pool and activation
// threshold (job_count needed to flip sell_status to ACTIVE).
func NewReconciler(pool PgxPool, activationThreshold int, maxElapsed, initialInterval time.Duration) *Reconciler {
	return &Reconciler{
		Pool:                pool,
		ActivationThreshold: activationThreshold,
		MaxElapsed:          maxElapsed,
		InitialInterval:     initialInterval,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the reconciler clock; tests only.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// The external schema stores statuses uppercase.
func external(status domain.JobStatus) string { return strings.ToUpper(string(status)) }

// RecordQueued upserts the job_3dgs row with status QUEUED. A duplicate
// product_id resets the row back to QUEUED, which is the resubmission/retry
// behavior the schema has always had.
func (r *Reconciler) RecordQueued(ctx context.Context, productID, inputRef string) error {
	return r.retry(ctx, "record_queued", func(ctx context.Context) error {
		now := r.now()
		_, err := r.Pool.Exec(ctx, `
			INSERT INTO job_3dgs (product_id, status, s3_input_prefix, created_at, updated_at)
			VALUES ($1, 'QUEUED', $2, $3, $3)
			ON CONFLICT (product_id) DO UPDATE SET
				status = EXCLUDED.status,
				s3_input_prefix = EXCLUDED.s3_input_prefix,
				updated_at = EXCLUDED.updated_at`,
			productID, inputRef, now)
		return err
	})
}

// RecordTerminal sets the external row for the job to DONE or FAILED and
// drives the product activation counter. Done increments job_count and flips
// sell_status to ACTIVE once the threshold is reached; failed sets
// sell_status to FAILED unconditionally.
func (r *Reconciler) RecordTerminal(ctx context.Context, productID string, kind domain.JobKind, status domain.JobStatus, jobErr *domain.JobError) error {
	if !status.Terminal() {
		return fmt.Errorf("op=reconciler.record_terminal: non-terminal status %q: %w", status, domain.ErrInvalidInput)
	}
	return r.retry(ctx, "record_terminal", func(ctx context.Context) error {
		now := r.now()
		if kind == domain.KindRecon {
			errMsg := ""
			if jobErr != nil {
				errMsg = jobErr.Message
			}
			if _, err := r.Pool.Exec(ctx, `
				UPDATE job_3dgs
				SET status = $2, error_msg = NULLIF($3, ''), completed_at = $4, updated_at = $4
				WHERE product_id = $1 AND status NOT IN ('DONE', 'FAILED')`,
				productID, external(status), errMsg, now); err != nil {
				return err
			}
		}
		if status == domain.JobDone {
			_, err := r.Pool.Exec(ctx, `
				UPDATE product
				SET job_count = job_count + 1,
				    sell_status = CASE WHEN job_count + 1 >= $2 THEN 'ACTIVE' ELSE sell_status END,
				    updated_at = $3
				WHERE product_id = $1`,
				productID, r.ActivationThreshold, now)
			return err
		}
		_, err := r.Pool.Exec(ctx, `
			UPDATE product SET sell_status = 'FAILED', updated_at = $2 WHERE product_id = $1`,
			productID, now)
		return err
	})
}

// RecordFaultDescription upserts the rendered defect markdown for the
// analysis pipeline.
func (r *Reconciler) RecordFaultDescription(ctx context.Context, productID, markdown string, status domain.JobStatus, errMsg string) error {
	return r.retry(ctx, "record_fault_description", func(ctx context.Context) error {
		now := r.now()
		_, err := r.Pool.Exec(ctx, `
			INSERT INTO fault_description (product_id, markdown, status, error_msg, created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $5, $5)
			ON CONFLICT (product_id) DO UPDATE SET
				markdown = EXCLUDED.markdown,
				status = EXCLUDED.status,
				error_msg = EXCLUDED.error_msg,
				updated_at = EXCLUDED.updated_at,
				completed_at = EXCLUDED.completed_at`,
			productID, markdown, external(status), errMsg, now)
		return err
	})
}

func (r *Reconciler) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	tracer := otel.Tracer("repo.reconciler")
	ctx, span := tracer.Start(ctx, "reconciler."+op)
	defer span.End()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.InitialInterval
	bo.MaxElapsedTime = r.MaxElapsed
	err := backoff.Retry(func() error { return fn(ctx) }, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("op=reconciler.%s: %w", op, err)
	}
	return nil
}
