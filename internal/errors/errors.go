package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies pipeline errors so callers can route them without
// string-matching messages.
type Kind string

const (
	// KindValidation covers malformed input: bad IP, bad CIDR, unknown provider.
	KindValidation Kind = "validation"
	// KindRefusal covers structured refusals: whitelisted IP, already banned,
	// undeletable entry. A refusal is a result, not a failure.
	KindRefusal Kind = "refusal"
	// KindTransient covers retryable infrastructure failures: store busy,
	// provider 5xx or timeout, outbound command non-zero exit.
	KindTransient Kind = "transient"
	// KindFatal covers startup failures that keep a component down while the
	// process continues: store open failure, missing encryption key.
	KindFatal Kind = "fatal"
)

// Error is the pipeline error type shared across components.
type Error struct {
	Kind       Kind                   `json:"kind"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// HTTPStatus maps the kind to the status an admin API should answer with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindRefusal:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes the error as JSON to the response.
// For refusal singletons without details, pre-serialized JSON avoids allocations.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common refusals returned by the ban and whitelist paths.
var (
	ErrWhitelisted = &Error{
		Kind:    KindRefusal,
		Code:    "whitelisted",
		Message: "IP is whitelisted and cannot be banned",
	}

	ErrAlreadyBanned = &Error{
		Kind:    KindRefusal,
		Code:    "already_banned",
		Message: "IP already has an active ban",
	}

	ErrNotBanned = &Error{
		Kind:    KindRefusal,
		Code:    "not_banned",
		Message: "IP has no active ban",
	}

	ErrSystemEntry = &Error{
		Kind:    KindRefusal,
		Code:    "system_entry",
		Message: "system whitelist entries cannot be removed",
	}
)

// preSerialized holds JSON-encoded bytes for refusal singletons.
var preSerialized map[*Error][]byte

func init() {
	bases := []*Error{ErrWhitelisted, ErrAlreadyBanned, ErrNotBanned, ErrSystemEntry}
	preSerialized = make(map[*Error][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// Validation creates a validation error.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// Refusal creates a refusal with context details.
func Refusal(code, message string) *Error {
	return &Error{Kind: KindRefusal, Code: code, Message: message}
}

// Transient wraps a retryable infrastructure failure.
func Transient(err error, code, message string) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: message, underlying: err}
}

// Fatal wraps a startup failure that keeps a component down.
func Fatal(err error, code, message string) *Error {
	return &Error{Kind: KindFatal, Code: code, Message: message, underlying: err}
}

// WithDetails returns a copy carrying extra context for the caller.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	return &Error{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// KindOf returns the kind of err, or empty when err is not a pipeline error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRefusal reports whether err is a structured refusal.
func IsRefusal(err error) bool {
	return KindOf(err) == KindRefusal
}

// AsError extracts the pipeline error from err when present.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
