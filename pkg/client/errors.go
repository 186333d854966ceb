package client

import (
	"errors"
	"fmt"
)

// ErrFetchInProgress is returned when a fetch is requested while another one
// is still in flight. No request is issued.
var ErrFetchInProgress = errors.New("fetch already in progress")

// ErrLeaseContended is the cause of a KindLease FetchError when another
// instance holds the lease. It wraps ErrFetchInProgress.
var ErrLeaseContended = fmt.Errorf("lease held by another instance: %w", ErrFetchInProgress)

// ErrorKind classifies a failed page fetch.
type ErrorKind string

const (
	// KindURL means the page URL could not be built.
	KindURL ErrorKind = "url"

	// KindTransport means the request failed before a response arrived
	// (DNS, connection reset, timeout, rate limiter wait cancelled).
	KindTransport ErrorKind = "transport"

	// KindInvalidResponse means a response arrived but was not usable:
	// non-2xx status or an empty body.
	KindInvalidResponse ErrorKind = "invalid_response"

	// KindDecode means the body did not match the page schema.
	KindDecode ErrorKind = "decode"

	// KindLease means the cross-instance lease could not be checked or is
	// held by another instance (ErrLeaseContended).
	KindLease ErrorKind = "lease"
)

// FetchError describes why a page fetch failed.
type FetchError struct {
	Kind       ErrorKind
	Page       int
	StatusCode int
	URL        string
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch page %d: %s error", e.Page, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err, or "" if err is not a FetchError.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
