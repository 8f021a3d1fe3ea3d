package circulation

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the catalog, membership and engine
// operations. Callers match them with errors.Is; any error means the
// operation was a no-op on both memory and storage.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrExhausted       = errors.New("no available copies")
	ErrNoActiveIssue   = errors.New("no active issue")

	// ErrStorage marks a failed persistence write. The in-flight
	// operation is aborted and no in-memory state is mutated.
	ErrStorage = errors.New("storage failure")
)

// DefaulterError reports a checkout rejected because the user is under
// an active penalty window. It unwraps to ErrForbidden.
type DefaulterError struct {
	UserID     int64
	PenaltyEnd int64
}

func (e *DefaulterError) Error() string {
	return fmt.Sprintf("user %d is a defaulter until %s", e.UserID, FormatEpoch(e.PenaltyEnd))
}

func (e *DefaulterError) Unwrap() error { return ErrForbidden }
