package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCode is returned when the callback carries no authorization code.
	ErrMissingCode = errors.New("missing authorization code")
	// ErrInvalidState is returned when the callback state is absent or does not match.
	ErrInvalidState = errors.New("invalid or expired state parameter")
	// ErrNoPendingRetry is returned when a manual retry has no parked code.
	ErrNoPendingRetry = errors.New("no failed exchange to retry")
)

// Kind classifies flow failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindCallback
	KindState
	KindProvider
	KindTransport
	KindHTTP
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindCallback:
		return "callback"
	case KindState:
		return "state"
	case KindProvider:
		return "provider"
	case KindTransport:
		return "transport"
	case KindHTTP:
		return "http"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Retryable reports whether a user may re-attempt the exchange by hand.
func (k Kind) Retryable() bool {
	return k == KindTransport || k == KindHTTP || k == KindParse
}

// Error describes a failed step of the authorization-code flow.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Body   string
	// Code and Description carry a provider-reported error.
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindProvider:
		if e.Description != "" {
			return fmt.Sprintf("%s: provider returned error %s: %s", e.Op, e.Code, e.Description)
		}
		return fmt.Sprintf("%s: provider returned error %s", e.Op, e.Code)
	case KindHTTP:
		return fmt.Sprintf("%s: http status %d: %s", e.Op, e.Status, e.Body)
	case KindParse:
		return fmt.Sprintf("%s: response is not valid JSON (status %d): %v: %s", e.Op, e.Status, e.Err, e.Body)
	case KindTransport:
		return fmt.Sprintf("%s: request did not complete: %v", e.Op, e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return e.Op + ": failed"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindUnknown
}
