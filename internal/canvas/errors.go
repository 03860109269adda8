package canvas

import (
	"errors"
	"fmt"

	"github.com/betomoedano/sketch-app/internal/models"
)

var (
	// ErrUnknownElement is returned when a local edit targets an id the cache doesn't hold.
	ErrUnknownElement = errors.New("unknown element")
	// ErrRejected wraps an explicit rejection by the backing store.
	ErrRejected = errors.New("rejected by backing store")
	// ErrRetriesExhausted is the terminal error after the last retry failed.
	ErrRetriesExhausted = errors.New("transmission retries exhausted")
	// ErrOffline is returned by a backing store that has no connection.
	// The engine holds the queue until the next successful Subscribe
	// instead of counting the write as a failed attempt.
	ErrOffline        = errors.New("backing store offline")
	ErrNotDragging    = errors.New("no drag in progress")
	ErrDragInProgress = errors.New("drag already in progress")
)

// Failure is the user-visible notification for an abandoned mutation.
type Failure struct {
	Mutation models.Mutation
	Attempts int
	Err      error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", f.Mutation.Type, f.Mutation.ElementID, f.Attempts, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

func rejection(reason string) error {
	if reason == "" {
		return ErrRejected
	}
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}
