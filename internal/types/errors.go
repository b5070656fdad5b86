package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that a tier answered and holds no record for the key.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable reports that a tier could not be reached or failed transiently.
	ErrUnavailable = errors.New("tier unavailable")
	// ErrConflict reports that a conditional write found the record at an
	// unexpected version.
	ErrConflict = errors.New("version conflict")
)

// VersionConflict is returned by FastCache writes the cache refused. Current
// is the cached snapshot, or nil when it could not be decoded.
type VersionConflict struct {
	SessionID SessionID
	Version   int64
	Current   *SessionData
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("session %s version %d: %v", e.SessionID, e.Version, ErrConflict)
}

func (e *VersionConflict) Unwrap() error {
	return ErrConflict
}

// CreationError is returned by Load when a brand-new session could not be
// persisted to any tier.
type CreationError struct {
	SessionID SessionID
	Err       error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create session %s: %v", e.SessionID, e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}
