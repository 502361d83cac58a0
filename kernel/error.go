package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. Callers compare them by
// identity or with errors.Is; an error returned via Wrap still matches the
// global it was derived from.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Cause optionally links the error that triggered this one.
	Cause error

	origin *Error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the error that caused e (if any).
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is e or the global error e was derived from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e == t || (e.origin != nil && e.origin == t)
}

// Wrap returns a copy of e that records cause as the underlying error.
func (e *Error) Wrap(cause error) *Error {
	origin := e
	if e.origin != nil {
		origin = e.origin
	}
	return &Error{Module: e.Module, Message: e.Message, Cause: cause, origin: origin}
}
