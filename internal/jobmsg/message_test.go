package jobmsg_test

import (
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/churnguard/internal/jobmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)

func TestParse_Valid(t *testing.T) {
	msg, err := jobmsg.Parse([]byte(`{
		"job_id": "J1",
		"tenant_id": "T1",
		"input_blob_key": "inputs/T1/a.csv",
		"enqueued_at": "2025-01-01T00:00:00Z"
	}`), now)
	require.NoError(t, err)

	assert.Equal(t, "J1", msg.JobID)
	assert.Equal(t, "T1", msg.TenantID)
	assert.Equal(t, "inputs/T1/a.csv", msg.InputBlobKey)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), msg.EnqueuedAt)
	assert.Equal(t, jobmsg.PriorityNormal, msg.Priority)
}

func TestParse_CanonicalisesWhitespaceAndTimezone(t *testing.T) {
	msg, err := jobmsg.Parse([]byte(`{
		"job_id": "  J-2_x ",
		"tenant_id": "\tT1",
		"input_blob_key": " inputs/T1/uploads/b.csv ",
		"enqueued_at": "2025-01-02T14:00:00+02:00",
		"priority": "high"
	}`), now)
	require.NoError(t, err)

	assert.Equal(t, "J-2_x", msg.JobID)
	assert.Equal(t, "T1", msg.TenantID)
	assert.Equal(t, "inputs/T1/uploads/b.csv", msg.InputBlobKey)
	assert.Equal(t, time.UTC, msg.EnqueuedAt.Location())
	assert.Equal(t, 12, msg.EnqueuedAt.Hour())
	assert.Equal(t, jobmsg.PriorityHigh, msg.Priority)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{
			name:    "malformed JSON",
			payload: `{"job_id":`,
		},
		{
			name:    "empty payload",
			payload: ``,
		},
		{
			name:    "unknown top-level field",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z","owner":"x"}`,
		},
		{
			name:    "case-variant job_id",
			payload: `{"JOB_ID":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z"}`,
		},
		{
			name:    "mixed-case key overriding job_id",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z","Job_Id":"J9"}`,
		},
		{
			name:    "duplicate job_id",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z","job_id":"J9"}`,
			field:   "job_id",
		},
		{
			name:    "not an object",
			payload: `["J1"]`,
		},
		{
			name:    "trailing data",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z"} {}`,
		},
		{
			name:    "missing job_id",
			payload: `{"tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z"}`,
			field:   "job_id",
		},
		{
			name:    "job_id with path traversal",
			payload: `{"job_id":"../J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z"}`,
			field:   "job_id",
		},
		{
			name:    "tenant_id too long",
			payload: `{"job_id":"J1","tenant_id":"` + strings.Repeat("t", 129) + `","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z"}`,
			field:   "tenant_id",
		},
		{
			name:    "blob key traversal",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"../etc/passwd","enqueued_at":"2025-01-01T00:00:00Z"}`,
			field:   "input_blob_key",
		},
		{
			name:    "absolute blob key",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"/inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z"}`,
			field:   "input_blob_key",
		},
		{
			name:    "backslash in blob key",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs\\T1\\a.csv","enqueued_at":"2025-01-01T00:00:00Z"}`,
			field:   "input_blob_key",
		},
		{
			name:    "blob key in another tenant",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs/T2/a.csv","enqueued_at":"2025-01-01T00:00:00Z"}`,
			field:   "input_blob_key",
		},
		{
			name:    "enqueued_at not RFC3339",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"01/01/2025"}`,
			field:   "enqueued_at",
		},
		{
			name:    "enqueued_at older than 7 days",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2024-12-20T00:00:00Z"}`,
			field:   "enqueued_at",
		},
		{
			name:    "enqueued_at in the future",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-02T12:06:00Z"}`,
			field:   "enqueued_at",
		},
		{
			name:    "unknown priority",
			payload: `{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z","priority":"urgent"}`,
			field:   "priority",
		},
		{
			name:    "wrong type",
			payload: `{"job_id":7,"tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := jobmsg.Parse([]byte(tt.payload), now)
			require.Error(t, err)
			assert.Nil(t, msg)

			var invalid *jobmsg.InvalidError
			require.ErrorAs(t, err, &invalid)
			if tt.field != "" {
				assert.Equal(t, tt.field, invalid.Field)
			}
		})
	}
}

func TestParse_SquattedKeysNeverReachTheJob(t *testing.T) {
	for _, payload := range []string{
		`{"JOB_ID":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z"}`,
		`{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z","Job_Id":"J9"}`,
	} {
		msg, err := jobmsg.Parse([]byte(payload), now)
		require.Error(t, err, payload)
		assert.Nil(t, msg)

		var invalid *jobmsg.InvalidError
		require.ErrorAs(t, err, &invalid)
		assert.False(t, invalid.Identified())
		assert.Contains(t, invalid.Reason, "unknown field")
	}
}

func TestParse_FutureWithinSkewAccepted(t *testing.T) {
	_, err := jobmsg.Parse([]byte(`{"job_id":"J1","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-02T12:04:00Z"}`), now)
	require.NoError(t, err)
}

func TestParse_InvalidErrorKeepsIdentity(t *testing.T) {
	_, err := jobmsg.Parse([]byte(`{"job_id":"J6","tenant_id":"T1","input_blob_key":"../etc/passwd","enqueued_at":"2025-01-01T00:00:00Z"}`), now)

	var invalid *jobmsg.InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.True(t, invalid.Identified())
	assert.Equal(t, "J6", invalid.JobID)
	assert.Equal(t, "T1", invalid.TenantID)
}

func TestParse_InvalidErrorDropsBadIdentity(t *testing.T) {
	_, err := jobmsg.Parse([]byte(`{"job_id":"J 6","tenant_id":"T1","input_blob_key":"inputs/T1/a.csv","enqueued_at":"2025-01-01T00:00:00Z"}`), now)

	var invalid *jobmsg.InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.False(t, invalid.Identified())
}

func TestEncode_RoundTrip(t *testing.T) {
	in := &jobmsg.Message{
		JobID:        "J1",
		TenantID:     "T1",
		InputBlobKey: "inputs/T1/a.csv",
		EnqueuedAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Priority:     jobmsg.PriorityHigh,
	}
	data, err := jobmsg.Encode(in)
	require.NoError(t, err)

	out, err := jobmsg.Parse(data, now)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
