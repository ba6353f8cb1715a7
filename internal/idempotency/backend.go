package idempotency

import (
	"context"
	"errors"
)

// ErrInvalidTransition is returned when an entry is completed twice or
// moved from done back to in progress
var ErrInvalidTransition = errors.New("invalid idempotency state transition")

// Outcome of claiming a key
type Outcome int

const (
	// Started means the caller owns the key and must Complete or Abort it
	Started Outcome = iota
	// InProgress means another request holds the key
	InProgress
	// Replay means a completed response is available
	Replay
)

// Response is a captured handler response
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body"`
}

// BackendStats are the counters only a backend can know
type BackendStats struct {
	Entries int
	Expired uint64
	Evicted uint64
}

// Backend stores the absent -> in_progress -> done state machine
type Backend interface {
	// Begin claims key or reports the state of an existing entry
	Begin(ctx context.Context, key string) (Outcome, *Response, error)
	// Complete moves an in-progress entry to done. A missing entry is
	// ignored; a done entry yields ErrInvalidTransition.
	Complete(ctx context.Context, key string, resp Response) error
	// Abort removes an in-progress entry
	Abort(ctx context.Context, key string) error
	Stats() BackendStats
	Name() string
}
