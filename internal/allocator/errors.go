package allocator

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by registry and engine operations. Callers
// discriminate with errors.Is; detail is attached via fmt.Errorf("%w: ...").
var (
	ErrValidation        = errors.New("validation failed")
	ErrUnknownProfile    = errors.New("unknown profile")
	ErrUnknownPort       = errors.New("unknown port")
	ErrUnknownPanel      = errors.New("unknown panel")
	ErrDuplicatePort     = errors.New("duplicate port")
	ErrProfileDisabled   = errors.New("profile is disabled")
	ErrCapacityExhausted = errors.New("no port with free capacity")
)

// RemoteError wraps a failure reported by (or on the way to) a panel.
// The engine never retries these; the caller decides.
type RemoteError struct {
	Panel string
	Op    string
	Err   error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("panel %s: %s: %v", e.Panel, e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
