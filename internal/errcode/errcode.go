// Package errcode defines the result codes shared by both replicas of a
// buddy group. A primary decodes its secondary's response into a Code and
// compares it against its own result.
package errcode

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Code is a stable, wire-transportable operation result.
type Code int32

const (
	Success Code = iota
	Internal
	Inval
	NotFound
	Exists
	NotEmpty
	NotDir
	IsDir
	NoSpace
	Communication
	Again
	UnknownTarget
	UnknownGroup
	InUse
	TargetBad
	NeedsResync
	Shutdown
)

var codeNames = map[Code]string{
	Success:       "SUCCESS",
	Internal:      "INTERNAL",
	Inval:         "INVAL",
	NotFound:      "NOTFOUND",
	Exists:        "EXISTS",
	NotEmpty:      "NOTEMPTY",
	NotDir:        "NOTDIR",
	IsDir:         "ISDIR",
	NoSpace:       "NOSPACE",
	Communication: "COMMUNICATION",
	Again:         "AGAIN",
	UnknownTarget: "UNKNOWNTARGET",
	UnknownGroup:  "UNKNOWNGROUP",
	InUse:         "INUSE",
	TargetBad:     "TARGETBAD",
	NeedsResync:   "NEEDSRESYNC",
	Shutdown:      "SHUTDOWN",
}

// String returns the string representation of Code.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

// Err returns nil for Success and an *Error carrying c otherwise.
func (c Code) Err() error {
	if c == Success {
		return nil
	}
	return &Error{Code: c}
}

// Error is an operation error with a stable code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInternal      = &Error{Code: Internal}
	ErrInval         = &Error{Code: Inval}
	ErrNotFound      = &Error{Code: NotFound}
	ErrExists        = &Error{Code: Exists}
	ErrNotEmpty      = &Error{Code: NotEmpty}
	ErrNotDir        = &Error{Code: NotDir}
	ErrIsDir         = &Error{Code: IsDir}
	ErrNoSpace       = &Error{Code: NoSpace}
	ErrCommunication = &Error{Code: Communication}
	ErrAgain         = &Error{Code: Again}
	ErrUnknownTarget = &Error{Code: UnknownTarget}
	ErrUnknownGroup  = &Error{Code: UnknownGroup}
	ErrInUse         = &Error{Code: InUse}
	ErrTargetBad     = &Error{Code: TargetBad}
	ErrNeedsResync   = &Error{Code: NeedsResync}
	ErrShutdown      = &Error{Code: Shutdown}
)

// CodeOf maps err to a Code. nil maps to Success; errors that carry no code
// are classified by their underlying filesystem cause where possible.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return NoSpace
	case errors.Is(err, syscall.ENOTEMPTY):
		// checked before fs.ErrExist, which also matches ENOTEMPTY
		return NotEmpty
	case errors.Is(err, fs.ErrNotExist):
		return NotFound
	case errors.Is(err, fs.ErrExist):
		return Exists
	case errors.Is(err, syscall.ENOTDIR):
		return NotDir
	case errors.Is(err, fs.ErrInvalid):
		return Inval
	}
	return Internal
}
