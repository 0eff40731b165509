// Package telemetry emits job events as structured logs and Prometheus
// metrics. Emission never returns an error and never panics into the caller.
package telemetry

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/kiranshivaraju/churnguard/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/blake2b"
)

// Event is a job lifecycle event.
type Event string

const (
	EventReceived  Event = "job_received"
	EventValidated Event = "job_validated"
	EventStarted   Event = "job_started"
	EventCompleted Event = "job_completed"
	EventFailed    Event = "job_failed"
)

// Stage is one step of the per-job pipeline.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageParse   Stage = "parse"
	StageMap     Stage = "map"
	StagePrepare Stage = "prepare"
	StageScore   Stage = "score"
	StageWrite   Stage = "write"
)

const namespace = "churnguard"

// Sink records telemetry for the worker.
type Sink struct {
	logger *slog.Logger

	jobs              *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	stageFailures     *prometheus.CounterVec
	mappingConfidence prometheus.Histogram
	preparedRows      prometheus.Histogram
	meanConfidence    prometheus.Histogram
	lowConfidence     prometheus.Histogram
	modelLoadSeconds  prometheus.Gauge
}

// New creates a Sink and registers its collectors on reg. A nil logger
// means slog.Default().
func New(reg prometheus.Registerer, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		logger: logger.With("component", "telemetry"),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Job lifecycle events by event, error kind and tenant bucket.",
		}, []string{"event", "error_kind", "tenant_bucket"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Pipeline stage failures by error kind.",
		}, []string{"stage", "error_kind"}),
		mappingConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mapping_confidence",
			Help:      "Overall column-mapping confidence per job (0-100).",
			Buckets:   []float64{50, 70, 75, 80, 85, 90, 95, 99, 100},
		}),
		preparedRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prepared_rows",
			Help:      "Rows in the prepared matrix per job.",
			Buckets:   prometheus.ExponentialBuckets(1, 10, 6),
		}),
		meanConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_mean_confidence",
			Help:      "Mean of max(p, 1-p) per job.",
			Buckets:   prometheus.LinearBuckets(0.5, 0.05, 11),
		}),
		lowConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_low_confidence_fraction",
			Help:      "Fraction of rows with churn probability in (0.35, 0.65) per job.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		modelLoadSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_load_seconds",
			Help:      "Time taken to load the model bundle at startup.",
		}),
	}

	for _, c := range []prometheus.Collector{
		s.jobs, s.stageDuration, s.stageFailures, s.mappingConfidence,
		s.preparedRows, s.meanConfidence, s.lowConfidence, s.modelLoadSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Job records a lifecycle event. kind is only meaningful for EventFailed.
func (s *Sink) Job(ev Event, jobID, tenantID string, kind models.ErrorKind) {
	s.guard(func() {
		bucket := TenantBucket(tenantID)
		attrs := []any{"event", string(ev), "job_id", jobID, "tenant_bucket", bucket}
		kindLabel := ""
		if ev == EventFailed {
			kindLabel = kind.String()
			attrs = append(attrs, "error_kind", kindLabel)
		}
		s.jobs.WithLabelValues(string(ev), kindLabel, strconv.Itoa(bucket)).Inc()
		if ev == EventFailed {
			s.logger.Warn("job event", attrs...)
			return
		}
		s.logger.Info("job event", attrs...)
	})
}

// StageDone records how long a stage took.
func (s *Sink) StageDone(jobID string, stage Stage, d time.Duration) {
	s.guard(func() {
		s.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
		s.logger.Debug("stage completed", "job_id", jobID, "stage", string(stage), "duration_ms", d.Milliseconds())
	})
}

// StageFailed records a stage failure.
func (s *Sink) StageFailed(jobID string, stage Stage, kind models.ErrorKind) {
	s.guard(func() {
		s.stageFailures.WithLabelValues(string(stage), kind.String()).Inc()
		s.logger.Warn("stage failed", "job_id", jobID, "stage", string(stage), "error_kind", kind.String())
	})
}

// MappingConfidence records the overall mapping confidence of a job.
func (s *Sink) MappingConfidence(jobID string, confidence float64) {
	s.guard(func() {
		s.mappingConfidence.Observe(confidence)
		s.logger.Info("column mapping", "job_id", jobID, "confidence", confidence)
	})
}

// PreparedRows records the prepared row count of a job.
func (s *Sink) PreparedRows(jobID string, n int) {
	s.guard(func() {
		s.preparedRows.Observe(float64(n))
		s.logger.Info("rows prepared", "job_id", jobID, "rows", RowBucket(n))
	})
}

// Predictions records the per-job prediction aggregates.
func (s *Sink) Predictions(jobID string, meanConfidence, lowConfidenceFraction float64) {
	s.guard(func() {
		s.meanConfidence.Observe(meanConfidence)
		s.lowConfidence.Observe(lowConfidenceFraction)
		s.logger.Info("predictions scored", "job_id", jobID,
			"mean_confidence", meanConfidence, "low_confidence_fraction", lowConfidenceFraction)
	})
}

// ModelLoaded records the startup model load.
func (s *Sink) ModelLoaded(version string, d time.Duration) {
	s.guard(func() {
		s.modelLoadSeconds.Set(d.Seconds())
		s.logger.Info("model loaded", "model_version", version, "duration_ms", d.Milliseconds())
	})
}

func (s *Sink) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("telemetry emission failed", "error", r)
		}
	}()
	fn()
}

// TenantBucket hashes a tenant id into one of 256 buckets.
func TenantBucket(tenantID string) int {
	sum := blake2b.Sum256([]byte(tenantID))
	return int(sum[0])
}

// RowBucket ranges a row count into a decade label.
func RowBucket(n int) string {
	switch {
	case n <= 0:
		return "0"
	case n <= 10:
		return "1-10"
	case n <= 100:
		return "11-100"
	case n <= 1000:
		return "101-1000"
	case n <= 10000:
		return "1001-10000"
	case n <= 100000:
		return "10001-100000"
	}
	return ">100000"
}
