// Package errs provides structured error types and helpers for spotpoller services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category.
type Code string

const (
	// CodeProviderCall indicates a cloud provider API call failed.
	CodeProviderCall Code = "provider_call"
	// CodeStateStore indicates the persistent state store failed.
	CodeStateStore Code = "state_store"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the spotpoller stack.
type E struct {
	Component string
	Code      Code
	Region    string
	Op        string
	Message   string
	RawCode   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Region:    "",
		Op:        "",
		Message:   "",
		RawCode:   "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRegion records the region the failure belongs to.
func WithRegion(region string) Option {
	trimmed := strings.TrimSpace(region)
	return func(e *E) {
		e.Region = trimmed
	}
}

// WithOp records the operation that failed, e.g. "describe" or "remove".
func WithOp(op string) Option {
	trimmed := strings.TrimSpace(op)
	return func(e *E) {
		e.Op = trimmed
	}
}

// WithRawCode captures the raw provider error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Region != "" {
		parts = append(parts, "region="+e.Region)
	}
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches envelopes by code so callers can test with errors.Is(err, &errs.E{Code: ...}).
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// HasCode reports whether any envelope in err's chain carries the code.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &E{Code: code})
}

// ProviderCall wraps a cloud provider failure for the region and operation.
func ProviderCall(region, op string, cause error) *E {
	return New("provider", CodeProviderCall, WithRegion(region), WithOp(op), WithCause(cause))
}

// StateStore wraps a state store failure for the region and operation.
func StateStore(region, op string, cause error) *E {
	return New("store", CodeStateStore, WithRegion(region), WithOp(op), WithCause(cause))
}
