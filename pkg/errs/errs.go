// Package errs defines the error taxonomy shared by every component in
// the runtime. Every error that crosses a component boundary is either
// one of these Kinds or wraps one via fmt.Errorf's %w, so callers can
// recover the Kind with errors.As.
package errs

import "fmt"

// Kind classifies a runtime error for callers and audit logs.
type Kind string

const (
	KindConcurrencyConflict Kind = "ConcurrencyConflict"
	KindValidation Kind = "ValidationError"
	KindAuthorization Kind = "AuthorizationError"
	KindHandlerNotFound Kind = "HandlerNotFound"
	KindTimeout Kind = "Timeout"
	KindCancelled Kind = "Cancelled"
	KindCorruption Kind = "Corruption"
	KindStorageFatal Kind = "StorageFatal"
	KindTransportUnavailable Kind = "TransportUnavailable"
	KindLeaderUnknown Kind = "LeaderUnknown"
	KindNotLeader Kind = "NotLeader"
	KindBackpressure Kind = "Backpressure"
	KindQuorumLost Kind = "QuorumLost"
)

// retriableByDefault captures whether a Kind is retriable absent more
// specific caller knowledge. Validation/Authorization/HandlerNotFound are
// never retried; everything transport- or timing-related is.
var retriableByDefault = map[Kind]bool{
	KindConcurrencyConflict: true,
	KindValidation: false,
	KindAuthorization: false,
	KindHandlerNotFound: false,
	KindTimeout: true,
	KindCancelled: false,
	KindCorruption: false,
	KindStorageFatal: false,
	KindTransportUnavailable: true,
	KindLeaderUnknown: true,
	KindNotLeader: true,
	KindBackpressure: true,
	KindQuorumLost: true,
}

// Error is the structured error every public operation returns,
// carrying the fields requires for audit and client display.
type Error struct {
	Kind Kind
	Message string
	Retriable bool
	CorrelationID string

	// LeaderID is populated for NotLeader when the current leader is
	// known, so the caller can redirect without another round trip.
	LeaderID string

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// New builds an Error with the default retriability for kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retriable: retriableByDefault[kind]}
}

// Wrap builds an Error around cause, preserving it for errors.Unwrap.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Retriable: retriableByDefault[kind], Cause: cause}
}

// WithCorrelationID returns a copy of e tagged with correlationID.
func (e *Error) WithCorrelationID(correlationID string) *Error {
	cp := *e
	cp.CorrelationID = correlationID
	return &cp
}

// NotLeader builds the NotLeader error, optionally naming the known
// leader so the caller can redirect.
func NotLeader(leaderID string) *Error {
	e := New(KindNotLeader, "this node is not the leader")
	e.LeaderID = leaderID
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, letting
// callers write errors.Is(err, errs.New(errs.KindTimeout, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if asError(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// asError is a tiny local errors.As to avoid importing errors just for
// this one call site pattern used repeatedly below.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
