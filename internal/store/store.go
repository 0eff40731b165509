package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kiranshivaraju/churnguard/pkg/models"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrNotQueued    = errors.New("job not in QUEUED state")
	ErrConflict     = errors.New("job state conflict")
	ErrDuplicateKey = errors.New("duplicate key violation")
)

// Store is the job store interface. Every write is a conditional update keyed
// on the current status; there are no locks and no multi-row transactions.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID, tenantID string) (*models.Job, error)

	// MarkRunning moves QUEUED -> RUNNING. Repeating the call with the same
	// leaseOwner while RUNNING succeeds; any other caller gets ErrNotQueued.
	MarkRunning(ctx context.Context, jobID, tenantID, leaseOwner string) error
	// MarkCompleted moves RUNNING -> COMPLETED or returns ErrConflict.
	MarkCompleted(ctx context.Context, jobID, tenantID string, c Completion) error
	// MarkFailed moves QUEUED or RUNNING -> FAILED or returns ErrConflict.
	// A job with no row yet is recorded as FAILED.
	MarkFailed(ctx context.Context, jobID, tenantID string, jobErr models.JobError, opts ...FailOption) error
	// RecordOutputFailure counts a failed output write against a RUNNING job
	// and returns the total so far. Other states return ErrConflict.
	RecordOutputFailure(ctx context.Context, jobID, tenantID string) (int, error)
}

// Completion carries the outcome of a successful run.
type Completion struct {
	OutputBlobKey string
	RowsProcessed int
	Metrics       json.RawMessage
}

// FailParams are the optional inputs of MarkFailed.
type FailParams struct {
	Metrics      json.RawMessage
	InputBlobKey string
}

type FailOption func(*FailParams)

// ApplyFailOptions folds opts into a FailParams.
func ApplyFailOptions(opts ...FailOption) FailParams {
	var p FailParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithMetrics attaches metrics (e.g. a mapping report) to the failure record.
func WithMetrics(m json.RawMessage) FailOption {
	return func(p *FailParams) {
		p.Metrics = m
	}
}

// WithInputBlobKey sets the input key used if the row has to be created.
func WithInputBlobKey(key string) FailOption {
	return func(p *FailParams) {
		p.InputBlobKey = key
	}
}
