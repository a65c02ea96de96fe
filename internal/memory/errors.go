package memory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

var (
	// ErrTemporarilyUnavailable is returned to callers when a provider failed
	// transiently and no degraded answer could be produced.
	ErrTemporarilyUnavailable = errors.New("memory temporarily unavailable")
	ErrMessageNotFound        = errors.New("message not found")
	ErrEmptyPurgeScope        = errors.New("purge scope is empty")
	ErrEmptyQuery             = errors.New("empty query")
	ErrInvalidEmbedding       = errors.New("invalid embedding")
)

// ProviderError wraps a failed embedding or completion call.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a provider failure worth retrying later.
// Timeouts, network errors and server-side statuses are transient. Malformed
// responses and rejected requests are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if status := providerStatus(err); status != 0 {
		return retryableStatus(status)
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !errors.Is(pe.Err, ErrInvalidEmbedding)
	}
	return false
}

// providerStatus extracts the HTTP status of a failed OpenAI call, or 0.
func providerStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 400 && status < 500:
		return false
	default:
		return true
	}
}

// UserMessage renders err as text that is safe to show in chat.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTemporarilyUnavailable):
		return "Memory is temporarily unavailable. Please try again in a moment."
	case errors.Is(err, ErrEmptyQuery):
		return "Please provide something to search for."
	case errors.Is(err, ErrEmptyPurgeScope):
		return "Choose a channel, a date, or a user to purge."
	default:
		return "Something went wrong while accessing memory."
	}
}
