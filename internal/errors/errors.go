package errors

import (
	"fmt"
	"net/http"

	crdb "github.com/cockroachdb/errors"
)

// ErrCode represents an error code
type ErrCode string

const (
	ErrCodeValidation       ErrCode = "VALIDATION_ERROR"
	ErrCodeConfiguration    ErrCode = "CONFIGURATION_ERROR"
	ErrCodeUpstream         ErrCode = "UPSTREAM_ERROR"
	ErrCodeNotFound         ErrCode = "NOT_FOUND"
	ErrCodeDiscoveryMiss    ErrCode = "DISCOVERY_MISS"
	ErrCodeFetchFallthrough ErrCode = "FETCH_FALLTHROUGH"
	ErrCodePollTimeout      ErrCode = "POLL_TIMEOUT"
	ErrCodeRateLimited      ErrCode = "RATE_LIMITED"
	ErrCodeInternal         ErrCode = "INTERNAL_ERROR"
)

// AppError represents an application error
type AppError struct {
	Code    ErrCode
	Message string
	// Hint is a short user-facing suggestion, set for upstream failures.
	Hint string
	// Status is the upstream HTTP status for ErrCodeUpstream, 0 if the call never got a response.
	Status int
	Err    error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidation,
		Message: message,
	}
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeConfiguration,
		Message: message,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// NewUpstreamError creates an error for a failed call to the code-hosting API.
// status is the HTTP status the API answered with, or 0 for transport failures.
func NewUpstreamError(status int, err error) *AppError {
	message := "GitHub API unreachable"
	if status != 0 {
		message = fmt.Sprintf("GitHub API error: %d", status)
	}
	return &AppError{
		Code:    ErrCodeUpstream,
		Message: message,
		Hint:    UpstreamHint(status),
		Status:  status,
		Err:     err,
	}
}

// NewDiscoveryMissError creates the warning raised when no run ID was found in time
func NewDiscoveryMissError(attempts int) *AppError {
	return &AppError{
		Code:    ErrCodeDiscoveryMiss,
		Message: fmt.Sprintf("could not determine workflow run ID after %d attempts", attempts),
	}
}

// NewFetchFallthroughError creates the error logged when every result source came up empty
func NewFetchFallthroughError(err error) *AppError {
	return &AppError{
		Code:    ErrCodeFetchFallthrough,
		Message: "no result source yielded data",
		Err:     err,
	}
}

// NewPollTimeoutError creates the informational error for an exhausted polling budget
func NewPollTimeoutError(attempts int) *AppError {
	return &AppError{
		Code:    ErrCodePollTimeout,
		Message: fmt.Sprintf("processing still pending after %d checks", attempts),
	}
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeRateLimited,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// UpstreamHint translates an upstream HTTP status into a user-facing explanation
func UpstreamHint(status int) string {
	switch status {
	case 0:
		return "Could not reach GitHub - check network connectivity"
	case http.StatusUnauthorized:
		return "Authentication failed - GitHub token may be invalid"
	case http.StatusForbidden:
		return "Permission denied - token may lack required permissions"
	case http.StatusNotFound:
		return "Repository not found - check configuration"
	case http.StatusUnprocessableEntity:
		return "Invalid workflow trigger - check GitHub Actions setup"
	default:
		return fmt.Sprintf("GitHub API error: %d", status)
	}
}

// CodeOf returns the code of the first AppError in err's chain, or "" if there is none
func CodeOf(err error) ErrCode {
	var appErr *AppError
	if crdb.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsConfiguration checks if the error is a configuration error
func IsConfiguration(err error) bool {
	return CodeOf(err) == ErrCodeConfiguration
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsUpstream checks if the error is an upstream error
func IsUpstream(err error) bool {
	return CodeOf(err) == ErrCodeUpstream
}
