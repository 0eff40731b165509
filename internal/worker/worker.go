// Package worker runs the scoring loop: receive a job message, claim the job,
// score its input, publish predictions, and record the terminal state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/churnguard/internal/blob"
	"github.com/kiranshivaraju/churnguard/internal/cache"
	"github.com/kiranshivaraju/churnguard/internal/config"
	"github.com/kiranshivaraju/churnguard/internal/contract"
	"github.com/kiranshivaraju/churnguard/internal/explain"
	"github.com/kiranshivaraju/churnguard/internal/features"
	"github.com/kiranshivaraju/churnguard/internal/jobmsg"
	"github.com/kiranshivaraju/churnguard/internal/mapper"
	"github.com/kiranshivaraju/churnguard/internal/model"
	"github.com/kiranshivaraju/churnguard/internal/queue"
	"github.com/kiranshivaraju/churnguard/internal/store"
	"github.com/kiranshivaraju/churnguard/internal/table"
	"github.com/kiranshivaraju/churnguard/internal/telemetry"
	"github.com/kiranshivaraju/churnguard/pkg/models"
)

const storeTimeout = config.StoreCallTimeout

// maxReleaseDelay caps the pause after a transient failure.
const maxReleaseDelay = 30 * time.Second

// Config holds the worker's runtime settings.
type Config struct {
	ID           string
	JobBudget    time.Duration
	PollWait     time.Duration
	ReleaseDelay time.Duration
	Limits       table.Limits
}

// Worker processes one job at a time. It is not safe for concurrent use;
// run more processes to scale out.
type Worker struct {
	cfg      Config
	queue    queue.Queue
	store    store.Store
	cache    cache.Cache
	blobs    blob.Gateway
	bundle   *model.Bundle
	mapper   *mapper.Mapper
	preparer *features.Preparer
	emitter  *explain.Emitter
	tel      *telemetry.Sink
	logger   *slog.Logger

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)
	release backoff.BackOff
}

// New wires a worker around a loaded bundle. An error means the bundle does
// not fit the v1 feature contract and wraps model.ErrLoad.
func New(cfg Config, q queue.Queue, st store.Store, ca cache.Cache, blobs blob.Gateway, bundle *model.Bundle, tel *telemetry.Sink) (*Worker, error) {
	m, err := mapper.New(contract.V1, mapper.WithMaxColumns(cfg.Limits.MaxColumns))
	if err != nil {
		return nil, fmt.Errorf("%w: alias catalogue: %v", model.ErrLoad, err)
	}
	p, err := features.New(contract.V1, bundle)
	if err != nil {
		return nil, err
	}

	rb := backoff.NewExponentialBackOff()
	rb.InitialInterval = cfg.ReleaseDelay
	rb.MaxInterval = maxReleaseDelay
	rb.MaxElapsedTime = 0

	return &Worker{
		cfg:      cfg,
		queue:    q,
		store:    st,
		cache:    ca,
		blobs:    blobs,
		bundle:   bundle,
		mapper:   m,
		preparer: p,
		emitter:  explain.New(bundle),
		tel:      tel,
		logger:   slog.Default().With("component", "worker", "worker_id", cfg.ID),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
		release:  rb,
	}, nil
}

// Run polls for messages until ctx is cancelled. The in-flight job always
// runs to completion or to its budget before Run returns. A non-nil error
// is unrecoverable and the process should exit.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker polling",
		"model_version", w.bundle.Version,
		"job_budget", w.cfg.JobBudget.String(),
		"poll_wait", w.cfg.PollWait.String())

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker drained")
			return nil
		}

		d, err := w.queue.Receive(ctx, w.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("queue receive failed", "error", err)
			w.pause(ctx)
			continue
		}
		if d == nil {
			continue
		}

		if err := w.handle(ctx, d); err != nil {
			return err
		}
	}
}

// handle runs one delivery through the state machine. It returns an error
// only for fatal failures.
func (w *Worker) handle(parent context.Context, d *queue.Delivery) error {
	base := context.WithoutCancel(parent)
	ctx, cancel := context.WithTimeout(base, w.cfg.JobBudget)
	defer cancel()

	msg, err := jobmsg.Parse(d.Body, w.now())
	ref := jobRef{}
	if err == nil {
		ref = jobRef{jobID: msg.JobID, tenantID: msg.TenantID, inputKey: msg.InputBlobKey}
		err = blob.CheckInputKey(msg.TenantID, msg.InputBlobKey)
	} else {
		var invalid *jobmsg.InvalidError
		if errors.As(err, &invalid) {
			ref = jobRef{jobID: invalid.JobID, tenantID: invalid.TenantID, inputKey: invalid.BlobKey}
		}
	}

	w.tel.Job(telemetry.EventReceived, ref.jobID, ref.tenantID, 0)
	if err != nil {
		w.logger.Warn("message rejected", "message_id", d.ID, "job_id", ref.jobID, "error", err)
		if ref.jobID == "" || ref.tenantID == "" {
			w.tel.Job(telemetry.EventFailed, ref.jobID, ref.tenantID, models.ErrorKindMessageInvalid)
			w.delete(base, d)
			return nil
		}
		return w.fail(base, d, ref, models.ErrorKindMessageInvalid, err, nil)
	}
	w.tel.Job(telemetry.EventValidated, ref.jobID, ref.tenantID, 0)

	if err := w.claim(base, d, ref); err != nil {
		return w.resolve(base, d, ref, err, nil)
	}

	completion, metrics, err := w.process(ctx, ref)
	if err != nil {
		return w.resolve(base, d, ref, err, metrics)
	}
	return w.complete(base, d, ref, completion)
}

type jobRef struct {
	jobID    string
	tenantID string
	inputKey string
}

var errAlreadyClaimed = errors.New("job already claimed")

// claim moves the job to RUNNING under the message's lease.
func (w *Worker) claim(ctx context.Context, d *queue.Delivery, ref jobRef) error {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	err := w.store.MarkRunning(sctx, ref.jobID, ref.tenantID, d.ID)
	switch {
	case err == nil:
		w.mirror(ctx, ref, models.JobStatusRunning)
		w.tel.Job(telemetry.EventStarted, ref.jobID, ref.tenantID, 0)
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", errUnregistered, ref.jobID)
	case errors.Is(err, store.ErrNotQueued):
		return fmt.Errorf("%w: %v", errAlreadyClaimed, err)
	default:
		return storeErr(err)
	}
}

// resolve applies the error-kind decision table to a failed delivery.
func (w *Worker) resolve(ctx context.Context, d *queue.Delivery, ref jobRef, err error, metrics json.RawMessage) error {
	if errors.Is(err, errAlreadyClaimed) {
		w.logger.Info("job claimed elsewhere or already finished; dropping message",
			"job_id", ref.jobID, "message_id", d.ID, "error", err)
		w.delete(ctx, d)
		return nil
	}

	kind := classify(err)
	recovery := kind.Recovery()
	if kind == models.ErrorKindOutputWriteFailed {
		recovery = w.outputRecovery(ctx, ref)
	}

	switch recovery {
	case models.RecoveryTransient:
		w.logger.Warn("transient failure; releasing message",
			"job_id", ref.jobID, "message_id", d.ID, "error_kind", kind.String(),
			"receive_count", d.ReceiveCount, "error", err)
		w.releaseAndPause(ctx, d)
		return nil
	case models.RecoveryFatal:
		w.logger.Error("fatal failure; recording and stopping", "job_id", ref.jobID, "error_kind", kind.String(), "error", err)
		if ferr := w.fail(ctx, d, ref, kind, err, metrics); ferr != nil {
			w.logger.Error("recording fatal failure", "job_id", ref.jobID, "error", ferr)
		}
		return fmt.Errorf("job %s: %s: %w", ref.jobID, kind, err)
	default:
		return w.fail(ctx, d, ref, kind, err, metrics)
	}
}

// outputRecovery retries a failed output write once per job. The count lives
// in the job store so earlier releases for other causes do not use it up.
func (w *Worker) outputRecovery(ctx context.Context, ref jobRef) models.Recovery {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	n, err := w.store.RecordOutputFailure(sctx, ref.jobID, ref.tenantID)
	switch {
	case errors.Is(err, store.ErrConflict):
		return models.RecoveryTerminal
	case err != nil:
		w.logger.Warn("could not count output failure", "job_id", ref.jobID, "error", err)
		return models.RecoveryTransient
	case n > 1:
		return models.RecoveryTerminal
	}
	return models.RecoveryTransient
}

// fail records a terminal failure and deletes the message. If the store is
// unreachable the message is released so the failure is recorded later.
func (w *Worker) fail(ctx context.Context, d *queue.Delivery, ref jobRef, kind models.ErrorKind, cause error, metrics json.RawMessage) error {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	jobErr := models.JobError{Kind: kind, Message: userMessage(kind, cause)}
	err := w.store.MarkFailed(sctx, ref.jobID, ref.tenantID, jobErr,
		store.WithMetrics(metrics), store.WithInputBlobKey(ref.inputKey))
	switch {
	case err == nil:
		w.mirror(ctx, ref, models.JobStatusFailed)
		w.tel.Job(telemetry.EventFailed, ref.jobID, ref.tenantID, kind)
		w.logger.Warn("job failed", "job_id", ref.jobID, "tenant_bucket", telemetry.TenantBucket(ref.tenantID),
			"error_kind", kind.String())
		w.logger.Debug("job failure detail", "job_id", ref.jobID, "error", cause)
	case errors.Is(err, store.ErrConflict):
		w.logger.Info("job already terminal; failure not recorded", "job_id", ref.jobID, "error_kind", kind.String())
	default:
		w.logger.Warn("could not record failure; releasing message", "job_id", ref.jobID, "error", err)
		w.releaseAndPause(ctx, d)
		return nil
	}
	w.delete(ctx, d)
	return nil
}

func (w *Worker) complete(ctx context.Context, d *queue.Delivery, ref jobRef, c *store.Completion) error {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	err := w.store.MarkCompleted(sctx, ref.jobID, ref.tenantID, *c)
	switch {
	case err == nil:
		w.mirror(ctx, ref, models.JobStatusCompleted)
		w.tel.Job(telemetry.EventCompleted, ref.jobID, ref.tenantID, 0)
	case errors.Is(err, store.ErrConflict):
		w.logger.Info("job completed by an earlier delivery", "job_id", ref.jobID, "message_id", d.ID)
	default:
		return w.resolve(ctx, d, ref, storeErr(err), nil)
	}
	w.delete(ctx, d)
	return nil
}

func (w *Worker) delete(ctx context.Context, d *queue.Delivery) {
	qctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := w.queue.Delete(qctx, d); err != nil {
		w.logger.Error("deleting message failed; it will be redelivered", "message_id", d.ID, "error", err)
		return
	}
	w.release.Reset()
}

func (w *Worker) releaseAndPause(ctx context.Context, d *queue.Delivery) {
	qctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := w.queue.Release(qctx, d); err != nil {
		w.logger.Error("releasing message failed", "message_id", d.ID, "error", err)
	}
	w.pause(ctx)
}

func (w *Worker) pause(ctx context.Context) {
	w.sleep(ctx, w.release.NextBackOff())
}

// mirror writes the status to the cache; failures are ignored.
func (w *Worker) mirror(ctx context.Context, ref jobRef, status models.JobStatus) {
	cctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := w.cache.SetJobStatus(cctx, ref.tenantID, ref.jobID, status, cache.StatusTTL); err != nil {
		w.logger.Debug("status mirror failed", "job_id", ref.jobID, "error", err)
	}
}

func userMessage(kind models.ErrorKind, err error) string {
	var invalid *jobmsg.InvalidError
	var missing *mapper.MissingColumnsError
	var prep *features.PreparationError
	switch {
	case errors.As(err, &invalid):
		return invalid.Error()
	case errors.As(err, &missing):
		return missing.Error()
	case errors.As(err, &prep):
		return prep.Error()
	}

	detail := err.Error()
	var se *stageError
	if errors.As(err, &se) {
		detail = se.err.Error()
	}

	switch kind {
	case models.ErrorKindMessageInvalid:
		if errors.Is(err, errUnregistered) {
			return "job is not registered"
		}
		return "input key is outside the tenant namespace"
	case models.ErrorKindInputNotFound:
		return "input file not found"
	case models.ErrorKindInputTooLarge, models.ErrorKindInputUnparseable:
		return detail
	case models.ErrorKindScoringFailed:
		return "model could not score the prepared input"
	case models.ErrorKindOutputWriteFailed:
		return "predictions could not be written"
	case models.ErrorKindTimeout:
		return "job exceeded its time budget"
	}
	return kind.String()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
