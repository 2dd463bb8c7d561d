// Package atperr defines the error taxonomy shared by every ATP component.
//
// Every API-boundary failure is a *Error carrying a Kind from the fixed
// taxonomy below, the operation that failed, and (optionally) an underlying
// cause reachable via errors.Unwrap/errors.Is/errors.As.
package atperr

import "fmt"

// Kind classifies an Error into one of the taxonomy entries a caller can
// switch on without string-matching messages.
type Kind int

const (
	// Unknown is the zero value; it should never be returned deliberately.
	Unknown Kind = iota
	// AFNOSUPPORT indicates an unsupported address family was requested.
	AFNOSUPPORT
	// PROTONOSUPPORT indicates an unsupported protocol was requested.
	PROTONOSUPPORT
	// MAXSOCKETS indicates the process-wide socket table is full.
	MAXSOCKETS
	// NATQUERYFAILURE indicates no configured STUN server answered.
	NATQUERYFAILURE
	// NATDEPENDENT indicates the local NAT is endpoint-dependent; traversal
	// was not attempted.
	NATDEPENDENT
	// EVENTCORE indicates the dispatcher rejected a registration.
	EVENTCORE
	// SIGNALLINGPROVIDER indicates the underlying signalling channel failed.
	SIGNALLINGPROVIDER
	// DEMUX indicates a duplicate or invalid demultiplexer registration.
	DEMUX
	// BADFD indicates an unknown socket handle.
	BADFD
	// ALREADYSET indicates a state precondition was violated (e.g. a second
	// Bind, or Connect on a non-CLOSED socket).
	ALREADYSET
	// NOTBOUND indicates Listen was called before Bind.
	NOTBOUND
	// INVAL indicates a parameter was out of range.
	INVAL
	// WOULDBLOCK indicates a non-blocking operation would have blocked.
	WOULDBLOCK
)

// String renders the Kind using its taxonomy name from §7 of the spec.
func (k Kind) String() string {
	switch k {
	case AFNOSUPPORT:
		return "AFNOSUPPORT"
	case PROTONOSUPPORT:
		return "PROTONOSUPPORT"
	case MAXSOCKETS:
		return "MAXSOCKETS"
	case NATQUERYFAILURE:
		return "NATQUERYFAILURE"
	case NATDEPENDENT:
		return "NATDEPENDENT"
	case EVENTCORE:
		return "EVENTCORE"
	case SIGNALLINGPROVIDER:
		return "SIGNALLINGPROVIDER"
	case DEMUX:
		return "DEMUX"
	case BADFD:
		return "BADFD"
	case ALREADYSET:
		return "ALREADYSET"
	case NOTBOUND:
		return "NOTBOUND"
	case INVAL:
		return "INVAL"
	case WOULDBLOCK:
		return "WOULDBLOCK"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned across every ATP API boundary.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Op names the operation that failed, e.g. "Connect", "stun.Query".
	Op string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("atp: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("atp: %s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an *Error with no underlying cause.
func New(op string, kind Kind) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap constructs an *Error wrapping the given cause.
func Wrap(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether target is an *Error with the same Kind, enabling
// errors.Is(err, atperr.New("", atperr.BADFD)) style checks without caring
// about Op or Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, returning
// Unknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return Unknown
}

// as walks err's Unwrap chain looking for an *Error: a local stand-in for
// errors.As, used by KindOf.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
