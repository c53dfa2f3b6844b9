// Package apperr defines the error kinds shared by the resolver, the decks
// and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"

	"turntable/pkg/models"
)

var (
	// ErrNetwork is a transient failure talking to a remote collaborator. Callers may retry.
	ErrNetwork = errors.New("network error")

	// ErrStorage is a local storage failure. It never aborts playback.
	ErrStorage = errors.New("storage error")

	// ErrTrackNotFound means the track cannot be located anywhere the principal may read.
	ErrTrackNotFound = errors.New("track not found")

	// ErrDecode means the bytes are malformed or in an unsupported format.
	ErrDecode = errors.New("decode error")

	// ErrQuotaExceeded is reported by blob stores when a write would exceed their byte quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Error carries a kind together with the failing operation and its cause.
type Error struct {
	Kind    error
	Op      string
	TrackID string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.TrackID != "" {
		msg += fmt.Sprintf(" (track %s)", e.TrackID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, trackID string, err error) *Error {
	return &Error{Kind: kind, Op: op, TrackID: trackID, Err: err}
}

// Network wraps err as a NetworkError
func Network(op, trackID string, err error) error {
	return newError(ErrNetwork, op, trackID, err)
}

// Storage wraps err as a StorageError
func Storage(op, trackID string, err error) error {
	return newError(ErrStorage, op, trackID, err)
}

// NotFound builds a TrackNotFoundError
func NotFound(op, trackID string, err error) error {
	return newError(ErrTrackNotFound, op, trackID, err)
}

// Decode wraps err as a DecodeError
func Decode(op, trackID string, err error) error {
	return newError(ErrDecode, op, trackID, err)
}

// KindOf maps an error onto the deck error kinds published in state
func KindOf(err error) models.ErrorKind {
	switch {
	case errors.Is(err, ErrTrackNotFound):
		return models.ErrorNotFound
	case errors.Is(err, ErrDecode):
		return models.ErrorDecode
	case errors.Is(err, ErrNetwork):
		return models.ErrorNetwork
	case errors.Is(err, ErrStorage):
		return models.ErrorStorage
	default:
		return models.ErrorInternal
	}
}

// ToDeckError converts err into the form stored in a deck's error field
func ToDeckError(trackID string, err error) *models.DeckError {
	if err == nil {
		return nil
	}
	return &models.DeckError{
		Kind:    KindOf(err),
		TrackID: trackID,
		Message: err.Error(),
	}
}

// Retryable reports whether a caller may reasonably retry the operation
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
