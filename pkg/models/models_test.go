package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	all := []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed}
	allowed := map[[2]JobStatus]bool{
		{JobStatusQueued, JobStatusRunning}:    true,
		{JobStatusQueued, JobStatusFailed}:     true,
		{JobStatusRunning, JobStatusCompleted}: true,
		{JobStatusRunning, JobStatusFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]JobStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestJobStatus_JSON(t *testing.T) {
	b, err := json.Marshal(JobStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, `"COMPLETED"`, string(b))

	var s JobStatus
	require.NoError(t, json.Unmarshal([]byte(`"RUNNING"`), &s))
	assert.Equal(t, JobStatusRunning, s)

	// Aliases used by other services are not accepted.
	assert.Error(t, json.Unmarshal([]byte(`"PROCESSING"`), &s))
	assert.Error(t, json.Unmarshal([]byte(`"PENDING"`), &s))
}

func TestErrorKind_Recovery(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want Recovery
	}{
		{ErrorKindMessageInvalid, RecoveryTerminal},
		{ErrorKindInputNotFound, RecoveryTerminal},
		{ErrorKindStorageUnavailable, RecoveryTransient},
		{ErrorKindInputTooLarge, RecoveryTerminal},
		{ErrorKindInputUnparseable, RecoveryTerminal},
		{ErrorKindMissingRequiredColumns, RecoveryTerminal},
		{ErrorKindFeaturePreparationFailed, RecoveryTerminal},
		{ErrorKindModelLoadFailed, RecoveryFatal},
		{ErrorKindScoringFailed, RecoveryTerminal},
		{ErrorKindOutputWriteFailed, RecoveryTransient},
		{ErrorKindJobStoreUnavailable, RecoveryTransient},
		{ErrorKindTimeout, RecoveryTerminal},
		{ErrorKindInternalInvariant, RecoveryFatal},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Recovery())

			parsed, err := ParseErrorKind(tt.kind.String())
			require.NoError(t, err)
			assert.Equal(t, tt.kind, parsed)
		})
	}
}

func TestBandCutoffs_Band(t *testing.T) {
	c := DefaultBandCutoffs
	assert.Equal(t, RiskBandLow, c.Band(0))
	assert.Equal(t, RiskBandLow, c.Band(0.399999))
	assert.Equal(t, RiskBandMedium, c.Band(0.4))
	assert.Equal(t, RiskBandMedium, c.Band(0.699999))
	assert.Equal(t, RiskBandHigh, c.Band(0.7))
	assert.Equal(t, RiskBandHigh, c.Band(1))
}

func TestJobError_JSON(t *testing.T) {
	b, err := json.Marshal(JobError{Kind: ErrorKindTimeout, Message: "job exceeded 5m0s budget"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"Timeout","message":"job exceeded 5m0s budget"}`, string(b))
}
