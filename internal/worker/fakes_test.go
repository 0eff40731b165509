package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kiranshivaraju/churnguard/internal/blob"
	"github.com/kiranshivaraju/churnguard/internal/cache"
	"github.com/kiranshivaraju/churnguard/internal/queue"
	"github.com/kiranshivaraju/churnguard/internal/store"
	"github.com/kiranshivaraju/churnguard/pkg/models"
)

var (
	_ store.Store  = (*fakeStore)(nil)
	_ queue.Queue  = (*fakeQueue)(nil)
	_ cache.Cache  = (*fakeCache)(nil)
	_ blob.Gateway = (*fakeBlobs)(nil)
)

// --- store ---

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	// history records every status a job has been in, in order.
	history map[string][]models.JobStatus
	// failNext makes the next call of the named operation return the error.
	failNext       map[string]error
	completions    int
	outputFailures map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:           map[string]*models.Job{},
		history:        map[string][]models.JobStatus{},
		failNext:       map[string]error{},
		outputFailures: map[string]int{},
	}
}

func storeKey(tenantID, jobID string) string { return tenantID + "/" + jobID }

func (s *fakeStore) injected(op string) error {
	if err, ok := s.failNext[op]; ok {
		delete(s.failNext, op)
		return err
	}
	return nil
}

func (s *fakeStore) setStatus(j *models.Job, st models.JobStatus) {
	j.Status = st
	k := storeKey(j.TenantID, j.JobID)
	s.history[k] = append(s.history[k], st)
}

func (s *fakeStore) Ping(context.Context) error { return nil }

func (s *fakeStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey(job.TenantID, job.JobID)
	if _, ok := s.jobs[k]; ok {
		return store.ErrDuplicateKey
	}
	cp := *job
	s.jobs[k] = &cp
	s.history[k] = []models.JobStatus{job.Status}
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, jobID, tenantID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[storeKey(tenantID, jobID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) MarkRunning(_ context.Context, jobID, tenantID, leaseOwner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("running"); err != nil {
		return err
	}
	j, ok := s.jobs[storeKey(tenantID, jobID)]
	if !ok {
		return store.ErrNotFound
	}
	switch {
	case j.Status == models.JobStatusQueued:
		s.setStatus(j, models.JobStatusRunning)
		j.LeaseOwner = &leaseOwner
		return nil
	case j.Status == models.JobStatusRunning && j.LeaseOwner != nil && *j.LeaseOwner == leaseOwner:
		return nil
	}
	return fmt.Errorf("%w: job is %s", store.ErrNotQueued, j.Status)
}

func (s *fakeStore) MarkCompleted(_ context.Context, jobID, tenantID string, c store.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("completed"); err != nil {
		return err
	}
	j, ok := s.jobs[storeKey(tenantID, jobID)]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusRunning {
		return fmt.Errorf("%w: job is %s, not RUNNING", store.ErrConflict, j.Status)
	}
	s.setStatus(j, models.JobStatusCompleted)
	key := c.OutputBlobKey
	j.OutputBlobKey = &key
	j.RowsProcessed = c.RowsProcessed
	j.Metrics = c.Metrics
	s.completions++
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, jobID, tenantID string, jobErr models.JobError, opts ...store.FailOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("failed"); err != nil {
		return err
	}
	k := storeKey(tenantID, jobID)
	j, ok := s.jobs[k]
	if !ok {
		j = &models.Job{JobID: jobID, TenantID: tenantID, Status: models.JobStatusQueued}
		s.jobs[k] = j
	}
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job is already %s", store.ErrConflict, j.Status)
	}
	s.setStatus(j, models.JobStatusFailed)
	e := jobErr
	j.Error = &e
	params := store.ApplyFailOptions(opts...)
	if len(params.Metrics) > 0 {
		j.Metrics = params.Metrics
	}
	if j.InputBlobKey == "" {
		j.InputBlobKey = params.InputBlobKey
	}
	return nil
}

func (s *fakeStore) RecordOutputFailure(_ context.Context, jobID, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("output"); err != nil {
		return 0, err
	}
	k := storeKey(tenantID, jobID)
	j, ok := s.jobs[k]
	if !ok {
		return 0, store.ErrNotFound
	}
	if j.Status != models.JobStatusRunning {
		return 0, fmt.Errorf("%w: job is %s, not RUNNING", store.ErrConflict, j.Status)
	}
	s.outputFailures[k]++
	return s.outputFailures[k], nil
}

func (s *fakeStore) job(tenantID, jobID string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[storeKey(tenantID, jobID)]
	if j == nil {
		return nil
	}
	cp := *j
	return &cp
}

func (s *fakeStore) statuses(tenantID, jobID string) []models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.JobStatus(nil), s.history[storeKey(tenantID, jobID)]...)
}

// --- queue ---

type fakeQueue struct {
	mu       sync.Mutex
	pending  []*queue.Delivery
	deleted  []string
	released []string
}

func (q *fakeQueue) push(d *queue.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, d)
}

func (q *fakeQueue) Receive(ctx context.Context, wait time.Duration) (*queue.Delivery, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		d := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		return d, nil
	}
	q.mu.Unlock()

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

func (q *fakeQueue) Delete(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, d.ID)
	return nil
}

func (q *fakeQueue) Release(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, d.ID)
	return nil
}

func (q *fakeQueue) Ping(context.Context) error { return nil }

func (q *fakeQueue) counts() (deleted, released int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deleted), len(q.released)
}

// --- cache ---

type fakeCache struct {
	mu       sync.Mutex
	statuses map[string]models.JobStatus
	err      error
}

func newFakeCache() *fakeCache {
	return &fakeCache{statuses: map[string]models.JobStatus{}}
}

func (c *fakeCache) Ping(context.Context) error { return nil }

func (c *fakeCache) SetJobStatus(_ context.Context, tenantID, jobID string, status models.JobStatus, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.statuses[cache.JobStatusKey(tenantID, jobID)] = status
	return nil
}

func (c *fakeCache) status(tenantID, jobID string) (models.JobStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.statuses[cache.JobStatusKey(tenantID, jobID)]
	return st, ok
}

// --- blobs ---

type fakeBlobs struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	fetches      int
	puts         int
	fetchErr     error
	putErr       error
	// blockFetch makes Fetch wait for the context to end.
	blockFetch bool
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (b *fakeBlobs) Fetch(ctx context.Context, tenantID, key string) ([]byte, error) {
	if err := blob.CheckInputKey(tenantID, key); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.fetches++
	block, fetchErr := b.blockFetch, b.fetchErr
	data, ok := b.objects[key]
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", blob.ErrUnavailable, ctx.Err())
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, key)
	}
	return data, nil
}

func (b *fakeBlobs) Put(_ context.Context, tenantID, key string, body []byte, contentType string) error {
	if err := blob.CheckOutputKey(tenantID, key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.putErr != nil {
		return b.putErr
	}
	b.objects[key] = append([]byte(nil), body...)
	b.contentTypes[key] = contentType
	return nil
}

func (b *fakeBlobs) Ping(context.Context) error { return nil }

func (b *fakeBlobs) object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

var errInjected = errors.New("injected failure")
