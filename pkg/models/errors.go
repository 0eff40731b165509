package models

import (
	"encoding/json"
	"fmt"
)

// ErrorKind classifies every pipeline failure. Each failure maps to exactly one kind.
type ErrorKind int

const (
	ErrorKindMessageInvalid ErrorKind = iota + 1
	ErrorKindInputNotFound
	ErrorKindStorageUnavailable
	ErrorKindInputTooLarge
	ErrorKindInputUnparseable
	ErrorKindMissingRequiredColumns
	ErrorKindFeaturePreparationFailed
	ErrorKindModelLoadFailed
	ErrorKindScoringFailed
	ErrorKindOutputWriteFailed
	ErrorKindJobStoreUnavailable
	ErrorKindTimeout
	ErrorKindInternalInvariant
)

var errorKindNames = map[ErrorKind]string{
	ErrorKindMessageInvalid:           "MessageInvalid",
	ErrorKindInputNotFound:            "InputNotFound",
	ErrorKindStorageUnavailable:       "StorageUnavailable",
	ErrorKindInputTooLarge:            "InputTooLarge",
	ErrorKindInputUnparseable:         "InputUnparseable",
	ErrorKindMissingRequiredColumns:   "MissingRequiredColumns",
	ErrorKindFeaturePreparationFailed: "FeaturePreparationFailed",
	ErrorKindModelLoadFailed:          "ModelLoadFailed",
	ErrorKindScoringFailed:            "ScoringFailed",
	ErrorKindOutputWriteFailed:        "OutputWriteFailed",
	ErrorKindJobStoreUnavailable:      "JobStoreUnavailable",
	ErrorKindTimeout:                  "Timeout",
	ErrorKindInternalInvariant:        "InternalInvariant",
}

func (k ErrorKind) String() string {
	if n, ok := errorKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ParseErrorKind converts a kind name back to an ErrorKind.
func ParseErrorKind(s string) (ErrorKind, error) {
	for k, n := range errorKindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown error kind %q", s)
}

func (k ErrorKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ErrorKind) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseErrorKind(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Recovery is what the worker does with a message after a failure.
type Recovery int

const (
	// RecoveryTerminal marks the job FAILED and deletes the message.
	RecoveryTerminal Recovery = iota + 1
	// RecoveryTransient leaves the message for redelivery.
	RecoveryTransient
	// RecoveryFatal stops the worker process.
	RecoveryFatal
)

func (r Recovery) String() string {
	switch r {
	case RecoveryTerminal:
		return "terminal"
	case RecoveryTransient:
		return "transient"
	case RecoveryFatal:
		return "fatal"
	}
	return "unknown"
}

// Recovery returns the default recovery for k. OutputWriteFailed is
// transient here; the worker downgrades it to terminal on a repeat delivery.
func (k ErrorKind) Recovery() Recovery {
	switch k {
	case ErrorKindStorageUnavailable, ErrorKindJobStoreUnavailable, ErrorKindOutputWriteFailed:
		return RecoveryTransient
	case ErrorKindModelLoadFailed, ErrorKindInternalInvariant:
		return RecoveryFatal
	default:
		return RecoveryTerminal
	}
}
