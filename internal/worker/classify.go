package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/churnguard/internal/blob"
	"github.com/kiranshivaraju/churnguard/internal/features"
	"github.com/kiranshivaraju/churnguard/internal/jobmsg"
	"github.com/kiranshivaraju/churnguard/internal/mapper"
	"github.com/kiranshivaraju/churnguard/internal/model"
	"github.com/kiranshivaraju/churnguard/internal/store"
	"github.com/kiranshivaraju/churnguard/internal/table"
	"github.com/kiranshivaraju/churnguard/internal/telemetry"
	"github.com/kiranshivaraju/churnguard/pkg/models"
)

// stageError tags a pipeline failure with the stage that raised it. Kind is
// set when the stage decides the kind itself (output writes).
type stageError struct {
	stage telemetry.Stage
	kind  models.ErrorKind
	err   error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error { return e.err }

// classify maps a component error to exactly one error kind.
func classify(err error) models.ErrorKind {
	var se *stageError
	if errors.As(err, &se) && se.kind != 0 {
		return se.kind
	}

	var invalid *jobmsg.InvalidError
	var missing *mapper.MissingColumnsError
	var prep *features.PreparationError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindTimeout
	case errors.As(err, &invalid), errors.Is(err, blob.ErrKeyOutsideTenant), errors.Is(err, errUnregistered):
		return models.ErrorKindMessageInvalid
	case errors.Is(err, blob.ErrNotFound):
		return models.ErrorKindInputNotFound
	case errors.Is(err, blob.ErrUnavailable):
		return models.ErrorKindStorageUnavailable
	case errors.Is(err, table.ErrTooLarge), errors.Is(err, mapper.ErrTooManyColumns):
		return models.ErrorKindInputTooLarge
	case errors.Is(err, table.ErrUnparseable):
		return models.ErrorKindInputUnparseable
	case errors.As(err, &missing):
		return models.ErrorKindMissingRequiredColumns
	case errors.As(err, &prep):
		return models.ErrorKindFeaturePreparationFailed
	case errors.Is(err, model.ErrLoad):
		return models.ErrorKindModelLoadFailed
	case errors.Is(err, model.ErrScoring):
		return models.ErrorKindScoringFailed
	case errors.Is(err, errStore):
		return models.ErrorKindJobStoreUnavailable
	default:
		return models.ErrorKindInternalInvariant
	}
}

var (
	// errStore wraps job store infrastructure failures.
	errStore = errors.New("job store unavailable")
	// errUnregistered is a message naming a job the store has never seen.
	errUnregistered = errors.New("job is not registered")
)

// storeErr wraps a job store error that is not a state conflict.
func storeErr(err error) error {
	if err == nil || errors.Is(err, store.ErrNotQueued) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", errStore, err)
}
