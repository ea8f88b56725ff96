package provider

import (
	"fmt"
	"time"
)

// ErrorCode discriminates the closed set of provider failure modes.
type ErrorCode string

const (
	ErrCodeInvalidAPIKey   ErrorCode = "invalid_api_key"
	ErrCodeUnauthorized    ErrorCode = "unauthorized"
	ErrCodeRateLimited     ErrorCode = "rate_limited"
	ErrCodeServerError     ErrorCode = "server_error"
	ErrCodeNetwork         ErrorCode = "network_error"
	ErrCodeTimeout         ErrorCode = "timeout"
	ErrCodeCancelled       ErrorCode = "cancelled"
	ErrCodeInvalidResponse ErrorCode = "invalid_response"
)

// Err is the transport/provider error taxonomy. Two Err values compare equal
// under errors.Is when their codes match, so sentinel values below can be
// used as targets regardless of payload.
type Err struct {
	Code       ErrorCode
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Err) Error() string {
	switch {
	case e.Code == ErrCodeServerError && e.Message != "":
		return fmt.Sprintf("provider: %s (status %d): %s", e.Code, e.StatusCode, e.Message)
	case e.Code == ErrCodeServerError:
		return fmt.Sprintf("provider: %s (status %d)", e.Code, e.StatusCode)
	case e.Code == ErrCodeRateLimited && e.RetryAfter > 0:
		return fmt.Sprintf("provider: %s (retry after %s)", e.Code, e.RetryAfter)
	case e.Cause != nil:
		return fmt.Sprintf("provider: %s: %v", e.Code, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("provider: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("provider: %s", e.Code)
}

func (e *Err) Unwrap() error { return e.Cause }

// Is matches on the error code only, so callers can test against the
// sentinel values without caring about payload fields.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	return ok && t.Code == e.Code
}

// Sentinel targets for errors.Is.
var (
	ErrInvalidAPIKey   = &Err{Code: ErrCodeInvalidAPIKey}
	ErrUnauthorized    = &Err{Code: ErrCodeUnauthorized}
	ErrRateLimited     = &Err{Code: ErrCodeRateLimited}
	ErrServer          = &Err{Code: ErrCodeServerError}
	ErrNetwork         = &Err{Code: ErrCodeNetwork}
	ErrTimeout         = &Err{Code: ErrCodeTimeout}
	ErrCancelled       = &Err{Code: ErrCodeCancelled}
	ErrInvalidResponse = &Err{Code: ErrCodeInvalidResponse}
)

func InvalidAPIKey(message string) *Err {
	return &Err{Code: ErrCodeInvalidAPIKey, Message: message}
}

func Unauthorized(statusCode int) *Err {
	return &Err{Code: ErrCodeUnauthorized, StatusCode: statusCode}
}

func RateLimited(retryAfter time.Duration) *Err {
	return &Err{Code: ErrCodeRateLimited, StatusCode: 429, RetryAfter: retryAfter}
}

func ServerError(statusCode int, message string) *Err {
	return &Err{Code: ErrCodeServerError, StatusCode: statusCode, Message: message}
}

func NetworkError(cause error) *Err {
	return &Err{Code: ErrCodeNetwork, Cause: cause}
}

func Timeout(cause error) *Err {
	return &Err{Code: ErrCodeTimeout, Cause: cause}
}

func Cancelled() *Err {
	return &Err{Code: ErrCodeCancelled}
}

func InvalidResponse(message string) *Err {
	return &Err{Code: ErrCodeInvalidResponse, Message: message}
}
