// Package jobmsg parses and validates the work items placed on the job queue.
package jobmsg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxAge is how far in the past enqueued_at may lie.
	MaxAge = 7 * 24 * time.Hour
	// MaxClockSkew is how far in the future enqueued_at may lie.
	MaxClockSkew = 5 * time.Minute

	maxIdentifierLen = 128
	maxBlobKeyLen    = 1024
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	blobKeyPattern    = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
)

// Priority is the optional scheduling hint carried by a message.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// Message is a validated, canonical job message.
type Message struct {
	JobID        string
	TenantID     string
	InputBlobKey string
	EnqueuedAt   time.Time
	Priority     Priority
}

// wireMessage mirrors the queue payload. Keys are checked by checkKeys first.
type wireMessage struct {
	JobID        string `json:"job_id"         validate:"required,max=128,identifier"`
	TenantID     string `json:"tenant_id"      validate:"required,max=128,identifier"`
	InputBlobKey string `json:"input_blob_key" validate:"required,max=1024,blobkey"`
	EnqueuedAt   string `json:"enqueued_at"    validate:"required"`
	Priority     string `json:"priority"       validate:"omitempty,oneof=normal high"`
}

// InvalidError is returned for any payload that fails parsing or validation.
// JobID and TenantID are filled in when those fields were themselves valid,
// so the caller can still record the failure against the job.
type InvalidError struct {
	Field    string
	Reason   string
	JobID    string
	TenantID string
	BlobKey  string
}

func (e *InvalidError) Error() string {
	if e.Field == "" {
		return "message invalid: " + e.Reason
	}
	return fmt.Sprintf("message invalid: %s: %s", e.Field, e.Reason)
}

// Identified reports whether the failing message still names a job.
func (e *InvalidError) Identified() bool {
	return e.JobID != "" && e.TenantID != ""
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "identifier", func(fl validator.FieldLevel) bool {
		return ValidIdentifier(fl.Field().String())
	})
	mustRegister(v, "blobkey", func(fl validator.FieldLevel) bool {
		return validBlobKey(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

// ValidIdentifier reports whether s is a legal job or tenant identifier.
func ValidIdentifier(s string) bool {
	return len(s) <= maxIdentifierLen && identifierPattern.MatchString(s)
}

func validBlobKey(s string) bool {
	if len(s) > maxBlobKeyLen || strings.HasPrefix(s, "/") || strings.Contains(s, "..") {
		return false
	}
	return blobKeyPattern.MatchString(s)
}

// Parse decodes and validates a queue payload. now anchors the enqueued_at
// window check. The returned error is always an *InvalidError.
func Parse(data []byte, now time.Time) (*Message, error) {
	if err := checkKeys(data); err != nil {
		return nil, err
	}
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &InvalidError{Reason: decodeReason(err)}
	}

	w.JobID = strings.TrimSpace(w.JobID)
	w.TenantID = strings.TrimSpace(w.TenantID)
	w.InputBlobKey = strings.TrimSpace(w.InputBlobKey)
	w.EnqueuedAt = strings.TrimSpace(w.EnqueuedAt)
	w.Priority = strings.TrimSpace(w.Priority)

	invalid := func(field, reason string) *InvalidError {
		e := &InvalidError{Field: field, Reason: reason}
		if ValidIdentifier(w.JobID) && ValidIdentifier(w.TenantID) {
			e.JobID, e.TenantID, e.BlobKey = w.JobID, w.TenantID, w.InputBlobKey
		}
		return e
	}

	if err := validate.Struct(w); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, invalid(fe.Field(), failedRule(fe))
		}
		return nil, invalid("", err.Error())
	}

	// Keys must stay inside the submitting tenant's input namespace.
	prefix := "inputs/" + w.TenantID + "/"
	if !strings.HasPrefix(w.InputBlobKey, prefix) || len(w.InputBlobKey) == len(prefix) {
		return nil, invalid("input_blob_key", "must be under "+prefix)
	}

	enqueuedAt, err := time.Parse(time.RFC3339, w.EnqueuedAt)
	if err != nil {
		return nil, invalid("enqueued_at", "must be RFC3339")
	}
	enqueuedAt = enqueuedAt.UTC()
	if now.Sub(enqueuedAt) > MaxAge {
		return nil, invalid("enqueued_at", "older than 7 days")
	}
	if enqueuedAt.Sub(now) > MaxClockSkew {
		return nil, invalid("enqueued_at", "in the future beyond clock-skew tolerance")
	}

	msg := &Message{
		JobID:        w.JobID,
		TenantID:     w.TenantID,
		InputBlobKey: w.InputBlobKey,
		EnqueuedAt:   enqueuedAt,
	}
	if w.Priority == "high" {
		msg.Priority = PriorityHigh
	}
	return msg, nil
}

// wireKeys are the only top-level keys a payload may carry, matched exactly.
var wireKeys = map[string]bool{
	"job_id":         true,
	"tenant_id":      true,
	"input_blob_key": true,
	"enqueued_at":    true,
	"priority":       true,
}

// checkKeys walks the top-level object token by token and rejects keys that
// are not an exact wireKeys match or that repeat.
func checkKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return &InvalidError{Reason: decodeReason(err)}
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return &InvalidError{Reason: "payload must be a JSON object"}
	}

	seen := make(map[string]bool, len(wireKeys))
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return &InvalidError{Reason: decodeReason(err)}
		}
		key, _ := tok.(string)
		if !wireKeys[key] {
			return &InvalidError{Reason: fmt.Sprintf("unknown field %q", key)}
		}
		if seen[key] {
			return &InvalidError{Field: key, Reason: "appears more than once"}
		}
		seen[key] = true

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return &InvalidError{Reason: decodeReason(err)}
		}
	}
	if _, err := dec.Token(); err != nil {
		return &InvalidError{Reason: decodeReason(err)}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return &InvalidError{Reason: "trailing data after JSON object"}
	}
	return nil
}

// Encode renders m in its wire form. Used by producers and tests.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(wireMessage{
		JobID:        m.JobID,
		TenantID:     m.TenantID,
		InputBlobKey: m.InputBlobKey,
		EnqueuedAt:   m.EnqueuedAt.UTC().Format(time.RFC3339),
		Priority:     m.Priority.String(),
	})
}

func failedRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "exceeds " + fe.Param() + " characters"
	case "identifier":
		return "must match [A-Za-z0-9_-]{1,128}"
	case "blobkey":
		return "must be a relative key of [A-Za-z0-9._/-] without '..'"
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "failed " + fe.Tag()
}

func decodeReason(err error) string {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		return "malformed JSON"
	case errors.As(err, &typeErr):
		return fmt.Sprintf("field %q has wrong type", typeErr.Field)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "malformed JSON"
	case errors.Is(err, io.EOF):
		return "empty payload"
	}
	return err.Error()
}
