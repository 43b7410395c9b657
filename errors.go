package gridstore

import (
	"errors"
	"fmt"
)

// Kind classifies an Error the way the storage manager's callers need to
// branch on it. It deliberately stays a small closed set of kinds rather
// than a type hierarchy — callers switch on Kind, never on concrete types.
type Kind int

const (
	// KindUnknown is the zero value; KindOf returns it for errors that
	// were never wrapped by this package.
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidState
	KindInvalidArgument
	KindUnauthorized
	KindIOError
	KindCancelled
	KindUnsupportedVersion
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindUnauthorized:
		return "unauthorized"
	case KindIOError:
		return "io_error"
	case KindCancelled:
		return "cancelled"
	case KindUnsupportedVersion:
		return "unsupported_version"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Kind so callers can recover the taxonomy of
// spec section 7 with errors.As instead of string-matching messages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr builds an *Error, the package-internal constructor every
// component funnels its failures through.
func newErr(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// *Error, and KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err (or something it wraps) is an *Error of kind
// k, as in KindCancelled.Is(err), so callers need not unwrap the
// concrete *Error type themselves. Kind is not an error value and
// cannot be passed to errors.Is.
func (k Kind) Is(err error) bool {
	return KindOf(err) == k
}

var (
	// ErrNotStarted is returned by SubmitQuery and SubmitQueryAsync when
	// called before Start; other StorageManager methods do not check it.
	ErrNotStarted = errors.New("gridstore: storage manager not started")
	// ErrClosed is returned by SubmitQuery and SubmitQueryAsync when
	// called after Close; other StorageManager methods do not check it.
	ErrClosed = errors.New("gridstore: storage manager closed")
)
