package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind classifies a completion failure.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindTimeout     Kind = "timeout"
	KindAuth        Kind = "auth"
	KindServer      Kind = "server"
	KindNotFound    Kind = "not_found"
	KindRateLimit   Kind = "rate_limit"
	KindBadRequest  Kind = "bad_request"
	KindParse       Kind = "parse"
	KindInterrupted Kind = "interrupted"
	KindCancelled   Kind = "cancelled"
)

// ErrStreamInterrupted is the warning reported when the connection drops
// after content was delivered.
var ErrStreamInterrupted = errors.New("stream interrupted")

// Error is a classified completion failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("completion: ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether resending the request may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer, KindRateLimit:
		return true
	}
	return false
}

// KindOf extracts the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServer
	default:
		return KindBadRequest
	}
}

// readError builds an *Error from a non-200 response. It understands the
// {"error":{"type","message"}} body most compatible servers return.
func readError(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	msg := ""
	if json.Unmarshal(body, &wire) == nil {
		msg = wire.Error.Message
		if msg == "" {
			msg = wire.Message
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &Error{
		Kind:       kindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

// Explain turns err into a short message suitable for showing in place of
// the assistant reply. suggestions lists model ids to offer on a 404.
func Explain(err error, modelName string, suggestions []string) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return fmt.Sprintf("Something went wrong: %v", err)
	}
	switch e.Kind {
	case KindAuth:
		return "Authentication failed. Check the API key configured for this connection."
	case KindNotFound:
		msg := fmt.Sprintf("Model %q was not found on this endpoint.", modelName)
		if len(suggestions) > 0 {
			msg += " Did you mean: " + strings.Join(suggestions, ", ") + "?"
		}
		return msg
	case KindTimeout:
		return "The request timed out before the model responded. Try again."
	case KindNetwork:
		return "Could not reach the model endpoint. Check the base URL and your network connection."
	case KindServer:
		return fmt.Sprintf("The model server returned an error (HTTP %d). Try again later.", e.StatusCode)
	case KindRateLimit:
		return "The model server is rate limiting requests. Wait a moment and retry."
	case KindBadRequest:
		return fmt.Sprintf("The request was rejected: %s", e.Message)
	case KindParse:
		return "The model endpoint replied with frames that could not be decoded."
	case KindCancelled:
		return "The request was cancelled."
	default:
		return e.Error()
	}
}
