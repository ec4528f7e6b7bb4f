package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned while a platform client has not connected yet.
	ErrNotReady = errors.New("client not ready")
	// ErrRateLimited marks an upstream throttling response.
	ErrRateLimited = errors.New("upstream rate limited")

	ErrUnknownAccount      = errors.New("unknown account")
	ErrInvalidChatID       = errors.New("invalid chat id")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrEmptyMessage        = errors.New("message has neither content nor attachment")
)

// Target failure reasons.
const (
	TargetPeerNotFound    = "peer_not_found"
	TargetPeerDeactivated = "peer_deactivated"
	TargetWriteForbidden  = "write_forbidden"
)

// TargetError reports an invalid or unauthorized send/fetch target. It is
// never retried.
type TargetError struct {
	ChatID string
	Reason string
	Err    error
}

func (e *TargetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("target %s: %s: %v", e.ChatID, e.Reason, e.Err)
	}
	return fmt.Sprintf("target %s: %s", e.ChatID, e.Reason)
}

func (e *TargetError) Unwrap() error { return e.Err }

// IsTargetError reports whether err carries a TargetError.
func IsTargetError(err error) bool {
	var te *TargetError
	return errors.As(err, &te)
}

// RateLimitError carries an optional upstream wait hint.
type RateLimitError struct {
	RetryAfterSeconds int
	Err               error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %ds): %v", e.RetryAfterSeconds, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
