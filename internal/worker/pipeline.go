package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kiranshivaraju/churnguard/internal/blob"
	"github.com/kiranshivaraju/churnguard/internal/contract"
	"github.com/kiranshivaraju/churnguard/internal/features"
	"github.com/kiranshivaraju/churnguard/internal/mapper"
	"github.com/kiranshivaraju/churnguard/internal/model"
	"github.com/kiranshivaraju/churnguard/internal/store"
	"github.com/kiranshivaraju/churnguard/internal/table"
	"github.com/kiranshivaraju/churnguard/internal/telemetry"
	"github.com/kiranshivaraju/churnguard/pkg/models"
)

// CompletedMetrics is stored on a COMPLETED job.
type CompletedMetrics struct {
	ModelVersion          string           `json:"model_version"`
	Mapping               *mapper.Report   `json:"mapping"`
	Warnings              []string         `json:"warnings"`
	RowsScored            int              `json:"rows_scored"`
	MeanProbability       float64          `json:"mean_probability"`
	MeanConfidence        float64          `json:"mean_confidence"`
	LowConfidenceFraction float64          `json:"low_confidence_fraction"`
	RiskBands             map[string]int   `json:"risk_bands"`
	StageMillis           map[string]int64 `json:"stage_ms"`
}

// FailedMetrics is stored on a job that failed after mapping started.
type FailedMetrics struct {
	ModelVersion string         `json:"model_version"`
	Mapping      *mapper.Report `json:"mapping,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
}

type run struct {
	w      *Worker
	ctx    context.Context
	ref    jobRef
	timing map[string]int64
}

// stage runs fn as one timed pipeline step. A failure after the job
// budget has expired is reported as a timeout.
func (r *run) stage(s telemetry.Stage, fn func() error) error {
	if err := r.ctx.Err(); err != nil {
		return r.failed(s, &stageError{stage: s, kind: models.ErrorKindTimeout, err: err})
	}

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	r.timing[string(s)] = elapsed.Milliseconds()
	r.w.tel.StageDone(r.ref.jobID, s, elapsed)
	if err == nil {
		return nil
	}

	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		return r.failed(s, &stageError{stage: s, kind: models.ErrorKindTimeout, err: err})
	}
	var se *stageError
	if !errors.As(err, &se) {
		err = &stageError{stage: s, err: err}
	}
	return r.failed(s, err)
}

func (r *run) failed(s telemetry.Stage, err error) error {
	r.w.tel.StageFailed(r.ref.jobID, s, classify(err))
	return err
}

// process runs fetch, parse, map, prepare, score and write for one job.
// On failure it may return metrics to store with the failure.
func (w *Worker) process(ctx context.Context, ref jobRef) (*store.Completion, json.RawMessage, error) {
	r := &run{w: w, ctx: ctx, ref: ref, timing: make(map[string]int64)}

	var data []byte
	if err := r.stage(telemetry.StageFetch, func() (err error) {
		data, err = w.blobs.Fetch(ctx, ref.tenantID, ref.inputKey)
		return err
	}); err != nil {
		return nil, nil, err
	}

	var tbl *table.Table
	if err := r.stage(telemetry.StageParse, func() (err error) {
		tbl, err = table.Parse(data, w.cfg.Limits)
		return err
	}); err != nil {
		return nil, nil, err
	}
	data = nil

	var mapping *mapper.Result
	var mapped *mapper.Mapped
	if err := r.stage(telemetry.StageMap, func() (err error) {
		mapping, err = w.mapper.Map(tbl, contract.IndustryUnknown)
		if err != nil {
			return err
		}
		mapped = mapping.Apply(tbl)
		return nil
	}); err != nil {
		var missing *mapper.MissingColumnsError
		if errors.As(err, &missing) {
			return nil, w.failedMetrics(missing.Report, nil), err
		}
		return nil, nil, err
	}
	report := mapping.Report
	w.tel.MappingConfidence(ref.jobID, report.OverallConfidence)
	if n := len(report.Warnings); n > 0 {
		w.logger.Warn("column mapping warnings", "job_id", ref.jobID,
			"tenant_bucket", telemetry.TenantBucket(ref.tenantID), "count", n)
	}

	var prepared *features.Result
	if err := r.stage(telemetry.StagePrepare, func() (err error) {
		prepared, err = w.preparer.Prepare(mapped)
		return err
	}); err != nil {
		return nil, w.failedMetrics(report, nil), err
	}
	matrix := prepared.Matrix
	w.tel.PreparedRows(ref.jobID, len(matrix.Rows))
	if n := len(prepared.Warnings); n > 0 {
		w.logger.Warn("feature preparation warnings", "job_id", ref.jobID,
			"tenant_bucket", telemetry.TenantBucket(ref.tenantID), "count", n)
	}

	var scores *model.Scores
	var preds []models.Prediction
	if err := r.stage(telemetry.StageScore, func() (err error) {
		scores, err = w.bundle.Score(matrix.Rows)
		if err != nil {
			return err
		}
		preds = w.predictions(matrix, scores)
		return nil
	}); err != nil {
		return nil, w.failedMetrics(report, prepared.Warnings), err
	}
	w.tel.Predictions(ref.jobID, scores.MeanConfidence, scores.LowConfidenceFraction)

	outputKey := blob.OutputKey(ref.tenantID, ref.jobID)
	if err := r.stage(telemetry.StageWrite, func() error {
		body, err := table.EncodePredictions(preds)
		if err != nil {
			return err
		}
		if err := w.blobs.Put(ctx, ref.tenantID, outputKey, body, blob.OutputContentType); err != nil {
			return &stageError{stage: telemetry.StageWrite, kind: models.ErrorKindOutputWriteFailed, err: err}
		}
		return nil
	}); err != nil {
		return nil, w.failedMetrics(report, prepared.Warnings), err
	}

	metrics, err := json.Marshal(CompletedMetrics{
		ModelVersion:          w.bundle.Version,
		Mapping:               report,
		Warnings:              nonNil(prepared.Warnings),
		RowsScored:            len(preds),
		MeanProbability:       scores.MeanProbability,
		MeanConfidence:        scores.MeanConfidence,
		LowConfidenceFraction: scores.LowConfidenceFraction,
		RiskBands:             bandCounts(preds),
		StageMillis:           r.timing,
	})
	if err != nil {
		return nil, nil, err
	}
	return &store.Completion{
		OutputBlobKey: outputKey,
		RowsProcessed: len(preds),
		Metrics:       metrics,
	}, nil, nil
}

func (w *Worker) predictions(m *features.Matrix, s *model.Scores) []models.Prediction {
	cutoffs := w.bundle.Cutoffs()
	out := make([]models.Prediction, len(m.Rows))
	for i, row := range m.Rows {
		p := s.Probabilities[i]
		risk, protective := w.emitter.Explain(row)
		out[i] = models.Prediction{
			CustomerID:           m.CustomerIDs[i],
			ChurnProbability:     p,
			RetentionProbability: 1 - p,
			RiskBand:             cutoffs.Band(p),
			RiskFactors:          risk,
			ProtectiveFactors:    protective,
		}
	}
	return out
}

func (w *Worker) failedMetrics(report *mapper.Report, warnings []string) json.RawMessage {
	data, err := json.Marshal(FailedMetrics{
		ModelVersion: w.bundle.Version,
		Mapping:      report,
		Warnings:     warnings,
	})
	if err != nil {
		w.logger.Error("encoding failure metrics", "error", err)
		return nil
	}
	return data
}

func bandCounts(preds []models.Prediction) map[string]int {
	counts := map[string]int{
		models.RiskBandLow.String():    0,
		models.RiskBandMedium.String(): 0,
		models.RiskBandHigh.String():   0,
	}
	for _, p := range preds {
		counts[p.RiskBand.String()]++
	}
	return counts
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
