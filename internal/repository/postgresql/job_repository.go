package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"footprint-service/internal/entity"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrNotRunnable is returned when an update is refused because the job is
	// already terminal (completed, failed or cancelled).
	ErrNotRunnable = errors.New("job is terminal")
)

// JobRepository is the Job Store: the single source of truth for job state.
// Every mutation is an atomic keyed UPDATE whose WHERE clause enforces the
// legal status transitions, so concurrent workers cannot move a job backwards
// or resurrect a cancelled one.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, kind entity.PayloadKind, subjectRef string, inputs json.RawMessage, opts entity.Options) (uuid.UUID, error) {
	if len(inputs) == 0 {
		inputs = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO calculation_jobs (kind, subject_ref, status, inputs, method, allocation_method, factor_version)
VALUES ($1, $2, 'pending', $3, $4, $5, $6)
RETURNING id;
`
	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, q, string(kind), subjectRef, inputs, opts.Method, opts.AllocationMethod, opts.FactorVersion).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	const q = `
SELECT id, kind, subject_ref, status, progress, inputs, method, allocation_method, factor_version,
       result, error, attempt, created_at, started_at, completed_at
FROM calculation_jobs
WHERE id = $1;
`

	var (
		job         entity.Job
		kind        string
		status      string
		inputBytes  []byte
		resultBytes []byte
		errText     *string
	)

	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&job.ID,
		&kind,
		&job.SubjectRef,
		&status,
		&job.Progress,
		&inputBytes,
		&job.Options.Method,
		&job.Options.AllocationMethod,
		&job.Options.FactorVersion,
		&resultBytes, // NULL => nil
		&errText,     // NULL => nil
		&job.Attempt,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	job.Kind = entity.PayloadKind(kind)
	job.Status = entity.JobStatus(status)
	job.Inputs = json.RawMessage(inputBytes)
	if resultBytes != nil {
		job.Result = json.RawMessage(resultBytes)
	}
	job.Error = errText

	return &job, nil
}

// MarkProcessing claims the job for execution. Re-claiming a job already in
// processing is allowed (at-least-once delivery re-runs after a crash);
// claiming a terminal job is refused with ErrNotRunnable.
func (r *JobRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE calculation_jobs
SET status='processing', started_at=COALESCE(started_at, now())
WHERE id=$1 AND status IN ('pending','processing');
`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyRefusal(ctx, id)
	}
	return nil
}

// SetProgress is monotonic: GREATEST keeps a late, smaller write from moving
// progress backwards. Only a processing job has visible progress.
func (r *JobRepository) SetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	const q = `
UPDATE calculation_jobs
SET progress=GREATEST(progress, $2)
WHERE id=$1 AND status='processing';
`
	_, err := r.pool.Exec(ctx, q, id, progress)
	return err
}

func (r *JobRepository) IncAttempt(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE calculation_jobs SET attempt=attempt+1 WHERE id=$1;`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// SetResultCompleted commits the footprint. Replaying the write after the job
// already completed is a no-op; writing after cancellation is refused.
func (r *JobRepository) SetResultCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}

	const q = `
UPDATE calculation_jobs
SET status='completed', progress=100, result=$2, error=NULL, completed_at=now()
WHERE id=$1 AND status='processing';
`
	tag, err := r.pool.Exec(ctx, q, id, result)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.refusedUnless(ctx, id, entity.StatusCompleted)
	}
	return nil
}

func (r *JobRepository) SetResultFailed(ctx context.Context, id uuid.UUID, errText string) error {
	const q = `
UPDATE calculation_jobs
SET status='failed', error=$2, completed_at=now()
WHERE id=$1 AND status IN ('pending','processing');
`
	tag, err := r.pool.Exec(ctx, q, id, errText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.refusedUnless(ctx, id, entity.StatusFailed)
	}
	return nil
}

// MarkCancelled flips a pending or processing job to cancelled. The status
// row is the cancellation flag workers re-read at their checkpoints. Returns
// false when the job is already terminal.
func (r *JobRepository) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `
UPDATE calculation_jobs
SET status='cancelled', completed_at=now()
WHERE id=$1 AND status IN ('pending','processing');
`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		// distinguish "already terminal" from "no such job"
		if _, err := r.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// FailStuck is the reconciliation sweep: jobs left in processing past the
// cutoff belong to crashed workers and are force-failed so pollers still
// reach a terminal state in bounded time.
func (r *JobRepository) FailStuck(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	const q = `
UPDATE calculation_jobs
SET status='failed', error=$2, completed_at=now()
WHERE status='processing' AND started_at < $1;
`
	tag, err := r.pool.Exec(ctx, q, cutoff, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// classifyRefusal explains a zero-row conditional update: the job either does
// not exist or sits in a status the update does not accept.
func (r *JobRepository) classifyRefusal(ctx context.Context, id uuid.UUID) error {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrNotRunnable
	}
	return nil
}

// refusedUnless makes a refused terminal write idempotent: replaying a write
// that already landed (job sits in want) is a no-op, anything else is an
// error.
func (r *JobRepository) refusedUnless(ctx context.Context, id uuid.UUID, want entity.JobStatus) error {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == want {
		return nil
	}
	return ErrNotRunnable
}
