package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies why a single model call failed
type ErrorKind string

const (
	KindTimeout            ErrorKind = "timeout"
	KindAuth               ErrorKind = "auth_error"
	KindForbidden          ErrorKind = "forbidden"
	KindModelNotFound      ErrorKind = "model_not_found"
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
	KindRateLimit          ErrorKind = "rate_limit"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindServerError        ErrorKind = "server_error"
	KindContextLength      ErrorKind = "context_length"
	KindValidation         ErrorKind = "validation_error"
	KindEmptyResponse      ErrorKind = "empty_response"
	KindCancelled          ErrorKind = "cancelled"
	KindException          ErrorKind = "exception"

	// KindSynthesis marks a failed chairman call; the underlying kind is kept as the cause
	KindSynthesis ErrorKind = "synthesis_error"
	// KindConfig marks a configuration problem that ends the deliberation immediately
	KindConfig ErrorKind = "config_error"
)

// Configuration errors are the only ones that end a deliberation before Stage 1.
// ErrCancelled ends it at a stage boundary.
var (
	ErrNoMembers       = errors.New("no council members configured")
	ErrNoChairman      = errors.New("no chairman model configured")
	ErrInvalidMode     = errors.New("invalid execution mode")
	ErrDuplicateMember = errors.New("duplicate council model")
	ErrCancelled       = errors.New("deliberation cancelled")
)

// IsConfigError reports whether err came from an unusable council configuration
func IsConfigError(err error) bool {
	return errors.Is(err, ErrNoMembers) || errors.Is(err, ErrNoChairman) ||
		errors.Is(err, ErrInvalidMode) || errors.Is(err, ErrDuplicateMember)
}

// ModelError is the failure returned by a Gateway
type ModelError struct {
	Kind       ErrorKind
	StatusCode int
	Provider   string
	Model      string
	Message    string
}

func (e *ModelError) Error() string {
	provider := e.Provider
	if provider == "" {
		provider = "gateway"
	}
	status := ""
	if e.StatusCode != 0 {
		status = fmt.Sprintf("(HTTP %d) ", e.StatusCode)
	}
	return fmt.Sprintf("[%s] [%s] %s%s: %s", provider, e.Model, status, strings.ToUpper(string(e.Kind)), e.Message)
}

// ClassifyStatus maps an HTTP status and error message onto the taxonomy
func ClassifyStatus(statusCode int, message string) ErrorKind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "context length") || strings.Contains(lower, "context_length") ||
		strings.Contains(lower, "maximum context") || strings.Contains(lower, "too many tokens"):
		return KindContextLength
	case statusCode == http.StatusTooManyRequests:
		if strings.Contains(lower, "quota") {
			return KindQuotaExceeded
		}
		return KindRateLimit
	case statusCode == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case statusCode == http.StatusUnauthorized:
		return KindAuth
	case statusCode == http.StatusForbidden:
		return KindForbidden
	case statusCode == http.StatusNotFound:
		return KindModelNotFound
	case statusCode == http.StatusServiceUnavailable:
		return KindServiceUnavailable
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return KindTimeout
	case statusCode >= 500:
		return KindServerError
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return KindValidation
	}
	return KindException
}

// ClassifyError returns the taxonomy kind for any error a gateway call produced
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var modelErr *ModelError
	if errors.As(err, &modelErr) && modelErr.Kind != "" {
		return modelErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindException
}
