package engine

import (
	"errors"
	"fmt"

	"inferd/internal/constraint"
	"inferd/internal/pipeline"
)

// unsupportedModalityError rejects requests that need a capability the
// loaded pipeline lacks.
type unsupportedModalityError struct{ what, variant string }

func (e unsupportedModalityError) Error() string {
	return fmt.Sprintf("unsupported modality: %s (pipeline %s)", e.what, e.variant)
}

// IsUnsupportedModality reports whether err rejects a capability.
func IsUnsupportedModality(err error) bool {
	var e unsupportedModalityError
	return errors.As(err, &e)
}

// queueFullError signals admission backpressure (429 mapping).
type queueFullError struct{ depth int }

func (e queueFullError) Error() string { return fmt.Sprintf("queue full (depth %d)", e.depth) }

// IsQueueFull reports whether err indicates backpressure.
func IsQueueFull(err error) bool {
	var e queueFullError
	return errors.As(err, &e)
}

// ErrClosed is returned by Submit after the scheduler stopped.
var ErrClosed = errors.New("engine: scheduler closed")

// IsClosed reports whether err indicates a stopped scheduler.
func IsClosed(err error) bool { return errors.Is(err, ErrClosed) }

// cacheExhaustedError fails an admission that cannot fit in the cache pool.
type cacheExhaustedError struct{ need, pool int }

func (e cacheExhaustedError) Error() string {
	return fmt.Sprintf("cache exhausted: need %d rows of %d", e.need, e.pool)
}

// IsCacheExhausted reports whether err is a cache admission failure.
func IsCacheExhausted(err error) bool {
	var e cacheExhaustedError
	return errors.As(err, &e)
}

var errAlreadyRunning = errors.New("engine: scheduler already running")

// ErrCancelled is carried by Final responses of cancelled sequences.
var ErrCancelled = errors.New("engine: cancelled")

// IsCancelled reports whether err indicates cancellation.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// constraintError reports a sequence that reached a dead end under its
// constraint.
type constraintError struct{ msg string }

func (e constraintError) Error() string { return "constraint: " + e.msg }

// IsConstraintError reports whether err is a constraint dead end.
func IsConstraintError(err error) bool {
	var e constraintError
	return errors.As(err, &e)
}

// invalidRequestError rejects a malformed API request before submission.
type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return "invalid request: " + e.msg }

// IsInvalidRequest reports whether err rejects malformed input.
func IsInvalidRequest(err error) bool {
	var e invalidRequestError
	return errors.As(err, &e)
}

// IsInvalidConstraint reports whether err rejects a constraint at Submit.
func IsInvalidConstraint(err error) bool {
	var e *constraint.Error
	return errors.As(err, &e)
}

// unknownTagError is returned by CancelTag for tags that are not live.
type unknownTagError struct{ tag string }

func (e unknownTagError) Error() string { return "unknown request: " + e.tag }

// IsUnknownTag reports whether err names a request that is not live.
func IsUnknownTag(err error) bool {
	var e unknownTagError
	return errors.As(err, &e)
}

// IsPreprocessError and IsExecutionError are re-exported for callers that
// only import engine.
func IsPreprocessError(err error) bool { return pipeline.IsPreprocessError(err) }
func IsExecutionError(err error) bool  { return pipeline.IsExecutionError(err) }
