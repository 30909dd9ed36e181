package oauth

import (
	"errors"
	"time"
)

// FailureReport is the diagnostic payload shown after a failed callback.
type FailureReport struct {
	Message       string    `json:"message"`
	Kind          string    `json:"kind"`
	Error         string    `json:"error"`
	CodePrefix    string    `json:"code_prefix,omitempty"`
	StatePresent  bool      `json:"state_present"`
	ProviderError string    `json:"provider_error,omitempty"`
	Status        int       `json:"status,omitempty"`
	Retryable     bool      `json:"retryable"`
	Timestamp     time.Time `json:"timestamp"`
	Config        Config    `json:"config"`
}

// NewFailureReport builds the payload for err. The authorization code and
// client secret are masked.
func NewFailureReport(cfg Config, params CallbackParams, err error, now time.Time) FailureReport {
	kind := KindOf(err)
	report := FailureReport{
		Message:       UserMessage(err),
		Kind:          kind.String(),
		CodePrefix:    maskCode(params.Code),
		StatePresent:  params.State != "",
		ProviderError: params.Error,
		Retryable:     kind.Retryable(),
		Timestamp:     now.UTC(),
		Config:        cfg.Masked(),
	}
	if err != nil {
		report.Error = err.Error()
	}
	var oe *Error
	if errors.As(err, &oe) {
		report.Status = oe.Status
	}
	return report
}

// UserMessage returns the single sentence shown to the visitor for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindProvider:
		var oe *Error
		errors.As(err, &oe)
		if oe.Description != "" {
			return "WordPress declined the sign-in (" + oe.Code + "): " + oe.Description
		}
		return "WordPress declined the sign-in (" + oe.Code + ")."
	case KindCallback:
		if errors.Is(err, ErrNoPendingRetry) {
			return "There is no failed sign-in to retry. Start a new sign-in."
		}
		return "The sign-in response did not include an authorization code."
	case KindState:
		return "The sign-in request expired or did not originate from this browser. Start a new sign-in."
	case KindTransport:
		return "WordPress could not be reached. Check your connection and retry."
	case KindHTTP:
		return "WordPress rejected the sign-in request."
	case KindParse:
		return "WordPress returned a response that could not be read."
	default:
		return "Sign-in failed."
	}
}

// maskCode keeps at most six leading runes and never more than half the code.
func maskCode(code string) string {
	if code == "" {
		return ""
	}
	r := []rune(code)
	return string(r[:min(len(r)/2, 6)]) + "…"
}
