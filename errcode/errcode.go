package errcode

import "errors"

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK            Code = "ok"
	Busy          Code = "busy"
	Unsupported   Code = "unsupported"
	InvalidParams Code = "invalid_params"
	Timeout       Code = "timeout"

	// Transfer
	Oversize     Code = "oversize"
	EmptyImage   Code = "empty_image"
	ShortHeader  Code = "short_header"
	BadHeader    Code = "bad_header"
	NoTransfer   Code = "no_transfer"
	Overrun      Code = "overrun"
	CRCMismatch  Code = "crc_mismatch"
	NoValidImage Code = "no_valid_image"
	Refused      Code = "refused"

	// Flash
	FlashFault  Code = "flash_fault"
	NotErased   Code = "not_erased"
	OutOfRange  Code = "out_of_range"
	BadMetadata Code = "bad_metadata"

	// Link
	LinkDown       Code = "link_down"
	UnknownLink    Code = "unknown_transport"
	FrameTooLarge  Code = "frame_too_large"
	UnknownCommand Code = "unknown_command"

	Error Code = "error" // generic fallback
)

// E wraps a code with context and an optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.X) match wrapped codes.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap is shorthand for &E{C: c, Op: op, Err: err}.
func Wrap(c Code, op string, err error) error {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// Fatal marks a failure that leaves flash in an untrusted state.
// It is never retried locally; a supervisor logs it and halts.
type Fatal struct {
	Op  string
	Err error
}

func (f *Fatal) Error() string {
	if f.Err == nil {
		return "fatal: " + f.Op
	}
	return "fatal: " + f.Op + ": " + f.Err.Error()
}
func (f *Fatal) Unwrap() error { return f.Err }
func (f *Fatal) Code() Code    { return FlashFault }

// IsFatal reports whether err carries a *Fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}
