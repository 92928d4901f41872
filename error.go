package relaycustody

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Error wraps an error with the frame of the call that created it, so that
// a failure deep inside a handler can be traced back with "%+v".
type Error struct {
	err   error
	msg   string
	frame xerrors.Frame
}

// ErrorOrNil returns nil if err is nil, else err wrapped with msg and the
// frame of the caller.
func ErrorOrNil(err error, msg string) error {
	return ErrorOrNilSkip(err, msg, 1)
}

// ErrorOrNilSkip is ErrorOrNil with the frame taken skip callers up.
func ErrorOrNilSkip(err error, msg string, skip int) error {
	if err == nil {
		return nil
	}
	return &Error{
		err:   err,
		msg:   msg,
		frame: xerrors.Caller(skip),
	}
}

// Wrapf is ErrorOrNil with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return ErrorOrNilSkip(err, fmt.Sprintf(format, args...), 2)
}

// WrapError only adds the frame, the message stays the one of err.
func WrapError(err error) error {
	return ErrorOrNilSkip(err, "", 2)
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg + ": " + e.err.Error()
	}
	return e.err.Error()
}

// Unwrap returns the next error in the chain.
func (e *Error) Unwrap() error {
	return e.err
}

// Format prints the error to the formatter.
func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

// FormatError prints the error, and with "%+v" the frame and the chain.
func (e *Error) FormatError(p xerrors.Printer) error {
	if e.msg != "" {
		p.Printf("%s: %v", e.msg, e.err)
	} else {
		p.Printf("%v", e.err)
	}

	if p.Detail() {
		e.frame.Format(p)
		p.Printf("%+v", e.err)
	}
	return nil
}
