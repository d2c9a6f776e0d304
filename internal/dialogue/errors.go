package dialogue

import (
	"errors"
	"fmt"
)

var (
	ErrNotOwner       = errors.New("session belongs to another user")
	ErrSessionClosed  = errors.New("session is no longer active")
	ErrQuotaExceeded  = errors.New("message quota exceeded")
	ErrUnknownSubject = errors.New("unknown subject")
)

// GenerationError wraps a failed turn so the gateway can tell the client
// whether retrying the same message may help.
type GenerationError struct {
	Err       error
	Retryable bool
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (retryable=%t): %v", e.Retryable, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
