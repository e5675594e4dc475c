// Package txErrors defines the failure taxonomy shared by every stage of the
// custody transaction pipeline. Each failure carries a Kind so callers and the
// retry policy can tell a signing rejection from a broadcast rejection or a
// plain network fault.
package txErrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure
type Kind string

const (
	KindUnknown                Kind = "unknown"
	KindKeyError               Kind = "key_error"
	KindSigningError           Kind = "signing_error"
	KindAuthExpired            Kind = "auth_expired"
	KindMissingCoreInstruction Kind = "missing_core_instruction"
	KindDuplicateRoleConflict  Kind = "duplicate_role_conflict"
	KindUnresolvedAddress      Kind = "unresolved_address"
	KindStaleReference         Kind = "stale_reference_rejected"
	KindSignFailed             Kind = "sign_failed"
	KindBroadcastFailed        Kind = "broadcast_failed"
	KindNetwork                Kind = "network_error"
	KindInvalidInput           Kind = "invalid_input"
	KindInvalidTransition      Kind = "invalid_transition"
)

// Sentinels for errors.Is matching. Any *Error with the same Kind matches.
var (
	ErrKey                    = &Error{Kind: KindKeyError}
	ErrSigning                = &Error{Kind: KindSigningError}
	ErrAuthExpired            = &Error{Kind: KindAuthExpired}
	ErrMissingCoreInstruction = &Error{Kind: KindMissingCoreInstruction}
	ErrDuplicateRoleConflict  = &Error{Kind: KindDuplicateRoleConflict}
	ErrUnresolvedAddress      = &Error{Kind: KindUnresolvedAddress}
	ErrStaleReference         = &Error{Kind: KindStaleReference}
	ErrSignFailed             = &Error{Kind: KindSignFailed}
	ErrBroadcastFailed        = &Error{Kind: KindBroadcastFailed}
	ErrNetwork                = &Error{Kind: KindNetwork}
	ErrInvalidInput           = &Error{Kind: KindInvalidInput}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition}
)

// Error is a classified pipeline failure
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "custody.CreateTransaction"
	Op string
	// StatusCode is the HTTP status of the remote response, 0 when none was received
	StatusCode int
	// Body is the raw remote response body, if any
	Body   string
	Detail string
	// Ambiguous is set when the remote side may have acted on the request
	// even though no definitive response was received (timeouts, resets).
	Ambiguous bool
	Err       error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(string(e.Kind))
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		sb.WriteString(" body: ")
		sb.WriteString(e.Body)
	}
	if e.Ambiguous {
		sb.WriteString(" [ambiguous]")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error with a formatted detail message
func New(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. Returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTP creates an error describing a non-2xx remote response
func HTTP(kind Kind, op string, statusCode int, body string) *Error {
	return &Error{Kind: kind, Op: op, StatusCode: statusCode, Body: body}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusCodeOf returns the HTTP status carried by err, or 0
func StatusCodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsAmbiguous reports whether err marks an outcome the remote side may have acted on
func IsAmbiguous(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Ambiguous
	}
	return false
}
