// Package apperror defines the error-kind taxonomy shared across the
// gateway so every layer maps failures onto one HTTP-facing shape
// instead of leaking backend error text to clients.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags an error with the response treatment it requires.
type Kind string

const (
	KindConfig     Kind = "config"
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindRoute      Kind = "route"
	KindEngine     Kind = "engine"
	KindCache      Kind = "cache"
	KindSerializer Kind = "serializer"
	KindTransport  Kind = "transport"
)

// Serializer sub-kinds (spec §4.4 / §7).
const (
	SerializerMemory      = "memory"
	SerializerCompression = "compression"
	SerializerAbandoned   = "abandoned"
)

// Error is a kind-tagged error carrying a sanitized client message and
// the wrapped cause for logging. The cause is never rendered to callers.
type Error struct {
	Kind      Kind
	SubKind   string
	Message   string // safe to return to the client
	Cause     error
	Status    int // explicit override; 0 means derive from Kind
	Fields    map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Newf builds a Error with a formatted message.
func Newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithSub attaches a sub-kind (used by the serializer taxonomy).
func (e *Error) WithSub(sub string) *Error {
	e.SubKind = sub
	return e
}

// WithFields attaches structured context for logging.
func (e *Error) WithFields(f map[string]any) *Error {
	e.Fields = f
	return e
}

// StatusCode derives the HTTP status for the error's kind.
func (e *Error) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindRoute:
		return http.StatusNotFound
	case KindEngine, KindCache, KindSerializer, KindTransport, KindConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// As is a convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// *Error, otherwise KindEngine as the conservative default since an
// un-tagged failure almost always originates from the engine layer.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindEngine
}
