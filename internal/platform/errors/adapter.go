package errors

import "fmt"

// AdapterKind classifies why a call to an external service failed.
type AdapterKind int

const (
	// AdapterUnavailable means the service could not be reached or
	// returned a server error.
	AdapterUnavailable AdapterKind = iota
	// AdapterUnauthorized means the configured credentials were rejected.
	AdapterUnauthorized
	// AdapterInvalidResponse means the service replied with a payload the
	// adapter could not interpret.
	AdapterInvalidResponse
	// AdapterThrottled means the service asked the caller to slow down.
	AdapterThrottled
)

// Label returns the lowercase label for the kind.
func (k AdapterKind) Label() string {
	switch k {
	case AdapterUnavailable:
		return "unavailable"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterInvalidResponse:
		return "invalid_response"
	case AdapterThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Code maps the kind to its domain error code.
func (k AdapterKind) Code() Code {
	switch k {
	case AdapterUnauthorized:
		return CodeAdapterUnauthorized
	case AdapterInvalidResponse:
		return CodeAdapterInvalidResponse
	case AdapterThrottled:
		return CodeAdapterThrottled
	default:
		return CodeAdapterUnavailable
	}
}

// Retryable reports whether a call failing with this kind may succeed if
// repeated. Unauthorized and malformed responses need operator action.
func (k AdapterKind) Retryable() bool {
	switch k {
	case AdapterUnavailable, AdapterThrottled:
		return true
	default:
		return false
	}
}

// AdapterError describes a failed call to an external service.
type AdapterError struct {
	// Service names the adapter, e.g. "payment" or "media".
	Service string
	// Kind classifies the failure.
	Kind AdapterKind
	// Cause holds the underlying error, if any.
	Cause error
}

// NewAdapterError builds an AdapterError for the given service and kind.
func NewAdapterError(service string, kind AdapterKind, cause error) *AdapterError {
	return &AdapterError{Service: service, Kind: kind, Cause: cause}
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s adapter %s: %v", e.Service, e.Kind.Label(), e.Cause)
	}
	return fmt.Sprintf("%s adapter %s", e.Service, e.Kind.Label())
}

// Unwrap returns the underlying cause.
func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failed call may be retried.
func (e *AdapterError) Retryable() bool {
	return e.Kind.Retryable()
}

// Is matches AdapterErrors by service and kind. A target with an empty
// Service matches any service.
func (e *AdapterError) Is(target error) bool {
	other, ok := target.(*AdapterError)
	if !ok {
		return false
	}
	if other.Service != "" && other.Service != e.Service {
		return false
	}
	return other.Kind == e.Kind
}

// AdapterKindForStatus classifies an HTTP status from an external service.
func AdapterKindForStatus(status int) AdapterKind {
	switch {
	case status == 401 || status == 403:
		return AdapterUnauthorized
	case status == 429:
		return AdapterThrottled
	case status >= 500:
		return AdapterUnavailable
	default:
		return AdapterInvalidResponse
	}
}

// IsRetryable reports whether err or any wrapped cause is a retryable
// adapter failure.
func IsRetryable(err error) bool {
	for err != nil {
		if adapterErr, ok := err.(*AdapterError); ok {
			return adapterErr.Retryable()
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
