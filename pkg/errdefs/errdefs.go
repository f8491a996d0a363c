package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error at a component boundary. Every error crossing a
// component boundary carries exactly one kind; callers branch on the kind,
// never on message text.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindNotFound           Kind = "not_found"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindConflict           Kind = "conflict"
	KindQueueFull          Kind = "queue_full"
	KindRegistryFull       Kind = "registry_full"
	KindAgentExists        Kind = "agent_already_exists"
	KindNoEligibleAgents   Kind = "no_eligible_agents"
	KindArtifactIntegrity  Kind = "artifact_integrity"
	KindIntegrity          Kind = "integrity_violation"
	KindTimeout            Kind = "timeout"
	KindRetryable          Kind = "retryable"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal"
)

// Error is a classified error with an optional offending field or id and an
// optional remediation hint surfaced to callers.
type Error struct {
	Kind        Kind
	Message     string
	Ref         string // offending field name or entity id
	Remediation string
	Err         error
}

func (e *Error) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Ref)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a classified error
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef creates a classified error with a formatted message
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithRef attaches the offending field or entity id
func (e *Error) WithRef(ref string) *Error {
	e.Ref = ref
	return e
}

// WithRemediation attaches a remediation hint
func (e *Error) WithRemediation(hint string) *Error {
	e.Remediation = hint
	return e
}

// GetKind extracts the kind from an error chain. Unclassified errors report
// KindInternal so nothing leaks uncategorized across a boundary.
func GetKind(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// Retryable reports whether the orchestrator may retry after this error.
// Authentication, authorization, validation and lookup failures are final;
// timeouts, transient faults and open circuit breakers are not.
func Retryable(err error) bool {
	switch GetKind(err) {
	case KindTimeout, KindRetryable, KindServiceUnavailable, KindInternal:
		return true
	}
	return false
}
