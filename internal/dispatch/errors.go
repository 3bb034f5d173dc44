package dispatch

import "fmt"

// Kind classifies an Error so API handlers can map it to a status code
// without inspecting strings.
type Kind string

const (
	KindBadInput    Kind = "bad_input"
	KindNotFound    Kind = "not_found"
	KindGone        Kind = "gone"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

// Error wraps a cause with a Kind the transport layer can switch on.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func badInput(op string, err error) error    { return newErr(op, KindBadInput, err) }
func notFound(op string, err error) error    { return newErr(op, KindNotFound, err) }
func gone(op string, err error) error        { return newErr(op, KindGone, err) }
func conflict(op string, err error) error    { return newErr(op, KindConflict, err) }
func unavailable(op string, err error) error { return newErr(op, KindUnavailable, err) }
func internal(op string, err error) error    { return newErr(op, KindInternal, err) }

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func asError(err error, target **Error) bool {
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
