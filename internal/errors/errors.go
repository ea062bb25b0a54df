// Package errors defines sentinel errors shared across internal packages.
package errors

import (
	"errors"
	"fmt"
)

// Authorization errors.
var (
	ErrTokenExpired             = errors.New("authentication expired")
	ErrContractIDMissing        = errors.New("contract ID not available for this token")
	ErrSessionNotFound          = errors.New("session not found")
	ErrAuthenticationInProgress = errors.New("authorization in progress")
)

// Dispatch errors.
var (
	ErrMissingPathParameter = errors.New("missing path parameter")
	ErrInvalidArgument      = errors.New("invalid tool argument")
	ErrPageLimitExceeded    = errors.New("pagination page limit exceeded")
)

// Tool generation errors.
var (
	ErrDuplicateToolName = errors.New("duplicate tool name")
)

// TransientError wraps errors from network failures and timeouts that
// may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// UpstreamError is a non-2xx response from the Smaregi API. The body is
// preserved so tool callers can see the upstream failure detail.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

// IsUpstream reports whether err is (or wraps) an UpstreamError, and
// returns it when so.
func IsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
