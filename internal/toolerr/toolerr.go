package toolerr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Kind is the stable error code surfaced to callers of the bridge.
type Kind string

const (
	KindInvalidArgument  Kind = "INVALID_ARGUMENT"
	KindSyntax           Kind = "SYNTAX_ERROR"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindTimeout          Kind = "TIMEOUT"
	KindConnectionFailed Kind = "CONNECTION_FAILED"
	KindUnavailable      Kind = "UNAVAILABLE"
	KindInternal         Kind = "INTERNAL"
)

// Error is the classified failure that propagates unchanged from the layer
// that produced it up to the protocol adapter.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: kind == KindTimeout || kind == KindConnectionFailed,
	}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

func IsRetryable(err error) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.Retryable
}

// Classify maps a driver or network failure onto a stable kind. Already
// classified errors pass through untouched.
func Classify(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(KindTimeout, "statement timed out")
	case errors.Is(err, context.Canceled):
		return New(KindTimeout, "statement canceled")
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return New(KindConnectionFailed, "warehouse connection failed")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(KindTimeout, "statement timed out")
		}
		return New(KindConnectionFailed, "warehouse connection failed")
	}

	message := err.Error()
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "syntax error", "parse_syntax_error", "parseexception", "mismatched input"):
		return New(KindSyntax, message)
	case containsAny(lower, "permission denied", "permission_denied", "insufficient privileges", "insufficient_permissions", "access denied", "unauthorized"):
		return New(KindPermissionDenied, message)
	case containsAny(lower, "connection refused", "connection reset", "broken pipe", "no such host", "connection closed"):
		return New(KindConnectionFailed, message)
	}
	return New(KindInternal, message)
}

func containsAny(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
