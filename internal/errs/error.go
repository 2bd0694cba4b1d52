package errs

import (
	"errors"
	"fmt"
	"strings"
)

// DriverError is a structured error carrying a Kind, a human message,
// and the underlying Cause.
type DriverError struct {
	Kind      Kind
	Message   string
	Cause     error
	Retryable bool
	Attempts  int
}

func (e *DriverError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}
	return strings.Join(parts, " ")
}

func (e *DriverError) Unwrap() error { return e.Cause }

// New wraps cause with automatic classification.
func New(cause error) *DriverError {
	e := &DriverError{Cause: cause, Kind: BackendInternal, Attempts: 1}
	if cause != nil {
		e.Message = cause.Error()
		e.Kind = Classify(cause)
		e.Retryable = e.Kind.IsRetryable()
	}
	return e
}

// WithKind overrides the classified Kind.
func (e *DriverError) WithKind(k Kind) *DriverError {
	e.Kind = k
	e.Retryable = k.IsRetryable()
	return e
}

// WithAttempts records how many attempts were made before surfacing.
func (e *DriverError) WithAttempts(n int) *DriverError {
	e.Attempts = n
	return e
}

// As extracts a *DriverError from an error chain.
func As(err error) (*DriverError, bool) {
	var de *DriverError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// KindOf returns the Kind of err, classifying it on the fly if it is
// not already a *DriverError.
func KindOf(err error) Kind {
	if de, ok := As(err); ok {
		return de.Kind
	}
	return Classify(err)
}

// Classify maps raw backend error text onto a Kind, mirroring
// classifyToolError's pattern-matching shape.
func Classify(err error) Kind {
	if err == nil {
		return BackendInternal
	}

	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "auth") || strings.Contains(s, "unauthorized") || strings.Contains(s, "401"):
		return AuthRequired
	case strings.Contains(s, "not installed") || strings.Contains(s, "not found") && strings.Contains(s, "backend"),
		strings.Contains(s, "executable not found"):
		return BackendNotInstalled
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return Timeout
	case strings.Contains(s, "rate limit") || strings.Contains(s, "quota") || strings.Contains(s, "429"):
		return QuotaExhausted
	case strings.Contains(s, "connection") || strings.Contains(s, "network") ||
		strings.Contains(s, "dns") || strings.Contains(s, "refused") || strings.Contains(s, "unreachable"):
		return Network
	default:
		return BackendInternal
	}
}
