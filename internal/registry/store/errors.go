package store

import (
	"errors"
	"fmt"

	"github.com/moodlog/conversation-store/internal/model"
)

// NotFoundError indicates the resource was not found in any backend (or the
// caller does not own it).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure. It is raised
// before any backend is contacted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// BackendUnavailableError wraps a network, timeout or rejection failure from a
// single backend. The coordinator never returns it on its own.
type BackendUnavailableError struct {
	Backend model.Backend
	Op      string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable during %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// PersistenceUnavailableError is returned when every backend failed an
// operation that needs at least one of them.
type PersistenceUnavailableError struct {
	Op   string
	Errs []error
}

func (e *PersistenceUnavailableError) Error() string {
	return fmt.Sprintf("persistence unavailable during %s: %v", e.Op, errors.Join(e.Errs...))
}

func (e *PersistenceUnavailableError) Unwrap() []error { return e.Errs }

// Unavailable wraps err as a BackendUnavailableError unless it already is one.
func Unavailable(backend model.Backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var bu *BackendUnavailableError
	if errors.As(err, &bu) {
		return err
	}
	return &BackendUnavailableError{Backend: backend, Op: op, Err: err}
}
