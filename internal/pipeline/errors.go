package pipeline

import (
	"errors"
	"fmt"
)

// Preprocess failure kinds.
const (
	KindModality        = "modality_mismatch"
	KindContextOverflow = "context_overflow"
	KindTokenize        = "tokenize"
	KindTemplate        = "template"
	KindImage           = "image"
	KindTooManyTiles    = "too_many_tiles"
	KindPlaceholders    = "placeholder_mismatch"
	KindAdapter         = "adapter"
)

// PreprocessError reports a request that cannot be turned into model input.
type PreprocessError struct {
	Kind string
	Msg  string
}

func (e *PreprocessError) Error() string { return "preprocess " + e.Kind + ": " + e.Msg }

func preprocessErrorf(kind, format string, args ...any) error {
	return &PreprocessError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsPreprocessError reports whether err is a PreprocessError.
func IsPreprocessError(err error) bool {
	var pe *PreprocessError
	return errors.As(err, &pe)
}

// ExecutionError reports a device or resource fault during Step. It is fatal
// to the affected sequence only.
type ExecutionError struct {
	SeqID uint64
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution seq=%d: %v", e.SeqID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsExecutionError reports whether err is an ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// dependencyUnavailableError signals a runtime that is not built in.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependency error.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err is a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var de dependencyUnavailableError
	return errors.As(err, &de)
}
