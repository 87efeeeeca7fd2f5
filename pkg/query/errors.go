package query

import (
	"errors"
	"fmt"
)

// ErrDone is returned by Pages.Next once every chunk has been delivered.
var ErrDone = errors.New("no more pages")

// ConfigurationError reports an invalid argument detected before any
// network call is made.
type ConfigurationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthenticationError reports that a session could not be bound, either
// because the remote rejected the credentials or the endpoint is unusable.
type AuthenticationError struct {
	Instance string
	Err      error
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authenticate to instance %q: %v", e.Instance, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// RetrievalError reports a remote fault during key retrieval or a chunk fetch.
type RetrievalError struct {
	Table string
	// Stage is the remote operation that failed: "getKeys" or "getRecords".
	Stage string
	// Chunk is the zero-based chunk index for getRecords failures, -1 otherwise.
	Chunk int
	Err   error
}

// Error implements the error interface.
func (e *RetrievalError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("%s %s (chunk %d): %v", e.Table, e.Stage, e.Chunk, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Table, e.Stage, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// Stage names used in RetrievalError.
const (
	StageGetKeys    = "getKeys"
	StageGetRecords = "getRecords"
)
