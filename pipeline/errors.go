package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camden-git/mediapipeline/lock"
)

// DefaultRetryDelay applies to retryable errors that carry no delay of their own.
const DefaultRetryDelay = 30 * time.Second

// Outcome is what the runner does with a finished attempt.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeRetry
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type retryError struct {
	err   error
	delay time.Duration
}

func (e *retryError) Error() string { return e.err.Error() }
func (e *retryError) Unwrap() error { return e.err }

// Retry marks err as retryable after delay.
func Retry(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryError{err: err, delay: delay}
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as permanent for this unit of work.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// PanicError wraps a recovered handler panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

type temporary interface {
	Temporary() bool
}

// Classify maps an attempt's error to an outcome. Explicit Retry/Fatal marks
// win; lock timeouts, deadlines and errors reporting Temporary() are retried;
// validation errors and panics are fatal; anything else is retried and left
// to the queue's attempt limit.
func Classify(err error) (Outcome, time.Duration) {
	if err == nil {
		return OutcomeDone, 0
	}

	var re *retryError
	if errors.As(err, &re) {
		return OutcomeRetry, re.delay
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return OutcomeFatal, 0
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		return OutcomeFatal, 0
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return OutcomeFatal, 0
	}

	if errors.Is(err, lock.ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeRetry, DefaultRetryDelay
	}
	var t temporary
	if errors.As(err, &t) {
		if t.Temporary() {
			return OutcomeRetry, DefaultRetryDelay
		}
		return OutcomeFatal, 0
	}
	return OutcomeRetry, DefaultRetryDelay
}
