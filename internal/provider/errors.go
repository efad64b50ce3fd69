// Package provider holds what the bank rail and stablecoin custodian
// bindings share: the retryable/terminal error classification, the
// nonce+HMAC request signing scheme, and a signed JSON HTTP client.
package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a provider failure.
type Kind int

const (
	// KindRetryable covers timeouts, network errors, 5xx and 429.
	KindRetryable Kind = iota
	// KindTerminal covers business rejections (4xx) that must not be retried.
	KindTerminal
)

func (k Kind) String() string {
	if k == KindTerminal {
		return "terminal"
	}
	return "retryable"
}

// Error is the result type every adapter returns for an expected failure.
type Error struct {
	Provider   string
	Op         string
	Kind       Kind
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s (%d %s)", e.Provider, e.Op, msg, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable failure of provider/op.
func Retryable(provider, op string, err error) error {
	return &Error{Provider: provider, Op: op, Kind: KindRetryable, Err: err}
}

// Terminal builds a non-retryable business failure.
func Terminal(provider, op, code, message string) error {
	return &Error{Provider: provider, Op: op, Kind: KindTerminal, Code: code, Message: message}
}

// errorBody matches both {"error":{"code":..,"message":..}} and flat
// {"code":..,"message":..} provider error payloads.
type errorBody struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FromStatus classifies an HTTP error response. 5xx, 408 and 429 are
// retryable; every other 4xx is terminal.
func FromStatus(provider, op string, status int, body []byte) error {
	e := &Error{Provider: provider, Op: op, StatusCode: status, Kind: KindTerminal}
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		e.Kind = KindRetryable
	}

	var parsed errorBody
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error != nil {
			e.Code, e.Message = parsed.Error.Code, parsed.Error.Message
		} else {
			e.Code, e.Message = parsed.Code, parsed.Message
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// IsTerminal reports whether err is a terminal provider failure.
func IsTerminal(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindTerminal
}

// IsRetryable reports whether err may succeed on retry. Unclassified
// errors are treated as retryable.
func IsRetryable(err error) bool {
	return err != nil && !IsTerminal(err)
}

// Result labels err for metrics: "ok", "retryable" or "terminal".
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTerminal(err):
		return KindTerminal.String()
	default:
		return KindRetryable.String()
	}
}
