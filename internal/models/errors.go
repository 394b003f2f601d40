package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// ErrorCode categorizes extraction failures for retry decisions and reporting.
// The set is closed; anything unrecognized maps to UNKNOWN.
type ErrorCode string

const (
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrConnection       ErrorCode = "CONNECTION_ERROR"
	ErrHTTP             ErrorCode = "HTTP_ERROR"
	ErrProxy            ErrorCode = "PROXY_ERROR"
	ErrSelectorNotFound ErrorCode = "SELECTOR_NOT_FOUND"
	ErrValidation       ErrorCode = "VALIDATION_ERROR"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrBlocked          ErrorCode = "BLOCKED"
	ErrCaptcha          ErrorCode = "CAPTCHA"
	ErrAuthRequired     ErrorCode = "AUTH_REQUIRED"
	ErrParse            ErrorCode = "PARSE_ERROR"
	ErrUnknown          ErrorCode = "UNKNOWN"
)

// retryableStatusCodes are HTTP statuses worth another attempt
var retryableStatusCodes = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// TaskError is the structured failure carried in result envelopes and on tasks.
// Code drives retry decisions; Message is for humans; Context holds optional
// diagnostic details (selector, proxy, status code).
type TaskError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Retryable  bool                   `json:"is_retryable"`
	HTTPStatus int                    `json:"http_status,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	cause      error
}

// NewTaskError creates a TaskError with the given code wrapping an underlying error.
// Retryability defaults from the code's class.
func NewTaskError(code ErrorCode, cause error) *TaskError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &TaskError{
		Code:      code,
		Message:   msg,
		Retryable: DefaultRetryable(code, 0),
		cause:     cause,
	}
}

// NewTaskErrorf creates a TaskError with a formatted message and no wrapped cause
func NewTaskErrorf(code ErrorCode, format string, args ...interface{}) *TaskError {
	return &TaskError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: DefaultRetryable(code, 0),
	}
}

// NewHTTPError creates a TaskError for a non-success HTTP response.
// 429 is classified as RATE_LIMITED; 5xx statuses in the retryable set stay retryable.
func NewHTTPError(statusCode int, url string) *TaskError {
	code := ErrHTTP
	if statusCode == 429 {
		code = ErrRateLimited
	}
	return &TaskError{
		Code:       code,
		Message:    fmt.Sprintf("HTTP %d fetching %s", statusCode, url),
		Retryable:  DefaultRetryable(code, statusCode),
		HTTPStatus: statusCode,
	}
}

// WithContext attaches a diagnostic key/value pair and returns the error for chaining
func (e *TaskError) WithContext(key string, value interface{}) *TaskError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *TaskError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.HTTPStatus)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.cause
}

// DefaultRetryable reports whether a code warrants automatic retry.
// Network-level failures and throttling retry; content-level failures
// (selector misses, validation, captcha walls) need operator intervention.
func DefaultRetryable(code ErrorCode, httpStatus int) bool {
	switch code {
	case ErrTimeout, ErrConnection, ErrProxy, ErrRateLimited:
		return true
	case ErrHTTP:
		return retryableStatusCodes[httpStatus]
	default:
		return false
	}
}

// ClassifyError maps an arbitrary fetch error onto the taxonomy.
// Already-classified TaskErrors pass through unchanged.
func ClassifyError(err error) *TaskError {
	if err == nil {
		return nil
	}

	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return NewTaskError(ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTaskError(ErrTimeout, err)
		}
		return NewTaskError(ErrConnection, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewTaskError(ErrConnection, err)
	}

	// Proxy CONNECT failures surface as URL errors mentioning the proxy
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "proxyconnect") || strings.Contains(msg, "proxy"):
		return NewTaskError(ErrProxy, err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "no such host") || strings.Contains(msg, "broken pipe"):
		return NewTaskError(ErrConnection, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return NewTaskError(ErrTimeout, err)
	}

	return NewTaskError(ErrUnknown, err)
}
