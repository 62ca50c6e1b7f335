// Package apperr is the error taxonomy shared by the content engine.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	NotFound             Kind = "NOT_FOUND"
	ParseError           Kind = "PARSE_ERROR"
	RepairFailed         Kind = "REPAIR_FAILED"
	ValidationFailed     Kind = "VALIDATION_FAILED"
	InconsistentManifest Kind = "INCONSISTENT_MANIFEST"
	IOError              Kind = "IO_ERROR"
	Conflict             Kind = "CONFLICT"
	Invalid              Kind = "INVALID"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == e.Kind
}

func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind in err's chain, or IOError for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return IOError
}
