package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for retry and surfacing decisions.
type ErrorKind string

const (
	KindInvalidInput ErrorKind = "invalid_input" // Malformed URL, bad cron, bad config. Never retried.
	KindNotFound     ErrorKind = "not_found"     // Job, page, or file missing.
	KindConflict     ErrorKind = "conflict"      // Optimistic-concurrency clash.
	KindTransient    ErrorKind = "transient"     // Network errors, 5xx, broker hiccups. Retried with backoff.
	KindFatal        ErrorKind = "fatal"         // Corrupt input, unsupported format. Marks the owner failed.
	KindCancelled    ErrorKind = "cancelled"     // User- or supervisor-initiated.
	KindUnknown      ErrorKind = "unknown"
)

// Sentinel errors for errors.Is checks. Wrap with %w to preserve the kind.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrTransient    = errors.New("transient error")
	ErrFatal        = errors.New("fatal error")
	ErrCancelled    = errors.New("cancelled")
)

// Kind classifies an error by its wrapped sentinel.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// InvalidInputf wraps ErrInvalidInput with a formatted message.
func InvalidInputf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidInput}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, args...)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConflict}, args...)...)
}

// Transientf wraps ErrTransient with a formatted message.
func Transientf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrTransient}, args...)...)
}

// Fatalf wraps ErrFatal with a formatted message.
func Fatalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrFatal}, args...)...)
}

// TruncateError limits an error message for storage on a job record.
// Worker errors are persisted; an unbounded message can bloat the row.
const MaxErrorLength = 8 * 1024

func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	return msg[:MaxErrorLength]
}
