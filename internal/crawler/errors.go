package crawler

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors returned by the queue and its collaborators. Callers branch with errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("invalid job state")
	ErrNotFound     = errors.New("job not found")
	ErrPersistence  = errors.New("persistence failed")
	ErrJobTimeout   = errors.New("job exceeded execution timeout")
	ErrAbandoned    = errors.New("job abandoned by previous process")
	ErrQueueClosed  = errors.New("queue closed")
)

// FetchError tags a fetch failure as permanent or recoverable.
type FetchError struct {
	Permanent bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "recoverable"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err == nil {
		return kind + " fetch error"
	}
	return fmt.Sprintf("%s fetch error: %v", kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Permanent: true, Err: err}
}

// Recoverable marks err as transient.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Err: err}
}

// FetchOutcome is the classified result of one fetch attempt.
type FetchOutcome int

// Fetch outcomes.
const (
	FetchOK FetchOutcome = iota
	FetchRecoverable
	FetchPermanent
)

func (o FetchOutcome) String() string {
	switch o {
	case FetchOK:
		return "ok"
	case FetchPermanent:
		return "permanent"
	default:
		return "recoverable"
	}
}

// ClassifyFetchError maps a fetch error to an outcome. Anything not explicitly
// marked permanent is recoverable.
func ClassifyFetchError(err error) FetchOutcome {
	if err == nil {
		return FetchOK
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.Permanent {
		return FetchPermanent
	}
	return FetchRecoverable
}

// IsContextError reports whether err stems from context cancellation or deadline.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
