// Package models contains shared data models used across the churn scoring worker.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a scoring job.
type JobStatus int

const (
	JobStatusQueued JobStatus = iota + 1
	JobStatusRunning
	JobStatusCompleted
	JobStatusFailed
)

var jobStatusNames = map[JobStatus]string{
	JobStatusQueued:    "QUEUED",
	JobStatusRunning:   "RUNNING",
	JobStatusCompleted: "COMPLETED",
	JobStatusFailed:    "FAILED",
}

func (s JobStatus) String() string {
	if n, ok := jobStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

// ParseJobStatus converts the stored string form back to a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	for st, n := range jobStatusNames {
		if n == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether from -> to is an edge of the lattice
// QUEUED -> RUNNING -> {COMPLETED, FAILED}, plus QUEUED -> FAILED for
// jobs rejected before they start.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *JobStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseJobStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Job is the durable per-tenant record of one scoring task. Rows are created
// QUEUED by the upload service and only mutated by the worker.
type Job struct {
	JobID         string          `db:"job_id"          json:"job_id"`
	TenantID      string          `db:"tenant_id"       json:"tenant_id"`
	InputBlobKey  string          `db:"input_blob_key"  json:"input_blob_key"`
	OutputBlobKey *string         `db:"output_blob_key" json:"output_blob_key,omitempty"`
	Status        JobStatus       `db:"status"          json:"status"`
	RowsProcessed int             `db:"rows_processed"  json:"rows_processed"`
	Metrics       json.RawMessage `db:"metrics"         json:"metrics,omitempty"`
	Error         *JobError       `db:"error"           json:"error,omitempty"`
	LeaseOwner    *string         `db:"lease_owner"     json:"-"`
	CreatedAt     time.Time       `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"      json:"updated_at"`
}

// JobError is the user-visible failure recorded on a FAILED job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e JobError) String() string {
	return e.Kind.String() + ": " + e.Message
}
