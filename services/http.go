package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const dalsiHTTPTimeout = 30 * time.Second

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// ErrTimeout is returned when the upstream did not answer before the client or caller deadline.
var ErrTimeout = errors.New("dalsi: request timeout, please try again")

// APIError is a non-2xx answer from the DalSi API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return "API key required or invalid. Please check your API key and try again."
	case http.StatusForbidden:
		return "Invalid API key. Please regenerate your API key from the dashboard."
	case http.StatusTooManyRequests:
		return "Rate limit exceeded. Please wait a moment and try again."
	case http.StatusInternalServerError:
		return "Server error. Please try again later or contact support."
	default:
		return fmt.Sprintf("API Error: %s (%s)", e.Message, e.Code)
	}
}

type dalsiErrorBody struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// newHTTPClientWithTimeout builds an HTTP client with a custom timeout.
// Falls back to the DalSi default when duration is non-positive.
func newHTTPClientWithTimeout(d time.Duration) *http.Client {
	if d <= 0 {
		d = dalsiHTTPTimeout
	}
	return &http.Client{Timeout: d}
}

// maxErrorSnippetRunes bounds how much of a non-JSON error body is surfaced.
const maxErrorSnippetRunes = 256

func buildDalsiAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode, Code: "UNKNOWN_ERROR", Message: "Unknown error"}

	var decoded dalsiErrorBody
	if err := json.Unmarshal(body, &decoded); err == nil {
		if msg := strings.TrimSpace(decoded.Error); msg != "" {
			apiErr.Message = msg
		} else if msg := strings.TrimSpace(decoded.Message); msg != "" {
			apiErr.Message = msg
		}
		if code := strings.TrimSpace(decoded.Code); code != "" {
			apiErr.Code = code
		}
		return apiErr
	}

	snippet := strings.TrimSpace(string(body))
	if utf8.RuneCountInString(snippet) > maxErrorSnippetRunes {
		snippet = string([]rune(snippet)[:maxErrorSnippetRunes])
	}
	if snippet != "" {
		apiErr.Message = snippet
	}
	return apiErr
}
