// Package calendar defines the contract every calendar backend implements
// and the error taxonomy the pipeline uses to react to write failures.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"
	"venuecal/internal/models"
)

// Outcome is the result of a successful Upsert call.
type Outcome int

const (
	// Written means the backend created or replaced the entry.
	Written Outcome = iota
	// Skipped means an equivalent entry already existed and nothing was written.
	Skipped
)

func (o Outcome) String() string {
	if o == Skipped {
		return "skipped"
	}
	return "written"
}

// Sink writes events to a calendar backend. Upsert must be idempotent per
// event ID: repeating a call never creates a second entry.
type Sink interface {
	Name() string
	Upsert(ctx context.Context, ev *models.Event) (Outcome, error)
}

// Lister is implemented by sinks that can report what is already on the
// calendar. Sinks without it are written blindly.
type Lister interface {
	ListInRange(ctx context.Context, start, end time.Time) ([]*models.Event, error)
}

// Kind classifies sink failures.
type Kind int

const (
	// Transient failures may be retried by the caller with backoff.
	Transient Kind = iota
	// PermissionDenied failures are fatal for the backend for the whole run.
	PermissionDenied
	// Malformed failures are rejected for this event only.
	Malformed
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case Malformed:
		return "malformed"
	default:
		return "transient"
	}
}

// Error is a classified sink failure.
type Error struct {
	Kind Kind
	Sink string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s sink %s: %v", e.Sink, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(sink string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Sink: sink, Err: err}
}

// KindOf classifies err. Errors that are not a *Error count as Transient.
func KindOf(err error) Kind {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return Transient
}
