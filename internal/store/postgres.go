package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/churnguard/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == 0 {
		job.Status = models.JobStatusQueued
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (tenant_id, job_id, input_blob_key, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.TenantID, job.JobID, job.InputBlobKey, job.Status.String(), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID, tenantID string) (*models.Job, error) {
	var (
		j            models.Job
		status       string
		metrics      []byte
		errorKind    *string
		errorMessage *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, tenant_id, input_blob_key, output_blob_key, status, rows_processed, metrics,
		        error_kind, error_message, lease_owner, created_at, updated_at
		 FROM jobs WHERE job_id = $1 AND tenant_id = $2`, jobID, tenantID,
	).Scan(&j.JobID, &j.TenantID, &j.InputBlobKey, &j.OutputBlobKey, &status, &j.RowsProcessed, &metrics,
		&errorKind, &errorMessage, &j.LeaseOwner, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	if j.Status, err = models.ParseJobStatus(status); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(metrics) > 0 {
		j.Metrics = json.RawMessage(metrics)
	}
	if errorKind != nil {
		kind, err := models.ParseErrorKind(*errorKind)
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		j.Error = &models.JobError{Kind: kind}
		if errorMessage != nil {
			j.Error.Message = *errorMessage
		}
	}
	return &j, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, jobID, tenantID, leaseOwner string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'RUNNING', lease_owner = $3, updated_at = $4
		 WHERE job_id = $1 AND tenant_id = $2
		   AND (status = 'QUEUED' OR (status = 'RUNNING' AND lease_owner = $3))`,
		jobID, tenantID, leaseOwner, s.now())
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := s.currentStatus(ctx, jobID, tenantID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job is %s", ErrNotQueued, current)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, jobID, tenantID string, c Completion) error {
	if c.OutputBlobKey == "" {
		return fmt.Errorf("mark completed: output blob key is required")
	}
	if c.RowsProcessed < 0 {
		return fmt.Errorf("mark completed: negative rows processed")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'COMPLETED', output_blob_key = $3, rows_processed = $4,
		        metrics = $5, error_kind = NULL, error_message = NULL, updated_at = $6
		 WHERE job_id = $1 AND tenant_id = $2 AND status = 'RUNNING'`,
		jobID, tenantID, c.OutputBlobKey, c.RowsProcessed, jsonOrNil(c.Metrics), s.now())
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := s.currentStatus(ctx, jobID, tenantID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job is %s, not RUNNING", ErrConflict, current)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, jobID, tenantID string, jobErr models.JobError, opts ...FailOption) error {
	params := ApplyFailOptions(opts...)

	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (tenant_id, job_id, input_blob_key, status, error_kind, error_message, metrics, created_at, updated_at)
		 VALUES ($1, $2, $3, 'FAILED', $4, $5, $6, $7, $7)
		 ON CONFLICT (tenant_id, job_id) DO UPDATE SET
		   status = 'FAILED',
		   error_kind = EXCLUDED.error_kind,
		   error_message = EXCLUDED.error_message,
		   metrics = COALESCE(EXCLUDED.metrics, jobs.metrics),
		   updated_at = EXCLUDED.updated_at
		 WHERE jobs.status IN ('QUEUED', 'RUNNING')`,
		tenantID, jobID, params.InputBlobKey, jobErr.Kind.String(), jobErr.Message, jsonOrNil(params.Metrics), now)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := s.currentStatus(ctx, jobID, tenantID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job is already %s", ErrConflict, current)
}

func (s *PostgresStore) RecordOutputFailure(ctx context.Context, jobID, tenantID string) (int, error) {
	var failures int
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET output_failures = output_failures + 1, updated_at = $3
		 WHERE job_id = $1 AND tenant_id = $2 AND status = 'RUNNING'
		 RETURNING output_failures`,
		jobID, tenantID, s.now(),
	).Scan(&failures)
	if err == nil {
		return failures, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("record output failure: %w", err)
	}

	current, err := s.currentStatus(ctx, jobID, tenantID)
	if err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: job is %s, not RUNNING", ErrConflict, current)
}

func (s *PostgresStore) currentStatus(ctx context.Context, jobID, tenantID string) (models.JobStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM jobs WHERE job_id = $1 AND tenant_id = $2`, jobID, tenantID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get job status: %w", err)
	}
	return models.ParseJobStatus(status)
}

// jsonOrNil keeps empty metrics as SQL NULL.
func jsonOrNil(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
