// Package retargeterr defines the flat error taxonomy surfaced by the audio
// retargeting core (spec.md §7). Each [Kind] maps to a short, stable string
// suitable as a job's failureReason — never a stack trace.
package retargeterr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories the core can surface.
type Kind string

const (
	KindNotFound           Kind = "NotFound"
	KindPreconditionFailed Kind = "PreconditionFailed"
	KindExternalToolFailed Kind = "ExternalToolFailed"
	KindTTSFailed          Kind = "TTSFailed"
	KindUploadFailed       Kind = "UploadFailed"
	KindInvalidArtifact    Kind = "InvalidArtifact"
	KindTimeout            Kind = "Timeout"
	KindCancelled          Kind = "Cancelled"
)

// Error is the typed error value returned at the boundaries named in
// spec.md §7. It wraps an optional underlying cause for logging while
// keeping the user-visible Reason() short and stable.
type Error struct {
	Kind      Kind
	Component string // e.g. "transcoder", "separator", vendor name
	Detail    string // short, human-readable, no stack trace
	Cause     error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s{%s}: %s", e.Kind, e.Component, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Reason returns the short stable string suitable for JobStatus.FailureReason.
func (e *Error) Reason() string {
	if e.Detail != "" {
		return string(e.Kind) + ": " + e.Detail
	}
	return string(e.Kind)
}

// New constructs an *Error.
func New(kind Kind, component, detail string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Detail: detail, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the error kind is one that the producing
// component (TTS Client, Queue Runtime) should retry rather than abort
// immediately. NotFound, PreconditionFailed, and InvalidArtifact are never
// retryable; Timeout, ExternalToolFailed, and UploadFailed may be retried by
// their caller's policy; TTSFailed carries its own retryable flag.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindExternalToolFailed, KindUploadFailed:
		return true
	default:
		return false
	}
}
