package xerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for callers that need to react to it, mostly
// HTTP handlers choosing a status code.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindPathEscape
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPathEscape:
		return "path_escape"
	default:
		return "internal"
	}
}

// sentinel is a comparable marker for a kind, usable with errors.Is.
type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return s.kind.String() }

var (
	ErrValidation = &sentinel{KindValidation}
	ErrNotFound   = &sentinel{KindNotFound}
	ErrConflict   = &sentinel{KindConflict}
	ErrPathEscape = &sentinel{KindPathEscape}
	ErrInternal   = &sentinel{KindInternal}
)

// kindError tags its cause with a kind. When msg is set it also prefixes
// the cause and records the caller, like Wrap.
type kindError struct {
	kind  Kind
	cause error
	msg   string
	pc    uintptr
}

func (e *kindError) Error() string {
	if e.msg == "" {
		return e.cause.Error()
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error     { return e.cause }
func (e *kindError) PC() uintptr       { return e.pc }
func (e *kindError) IsXerrorsWrapper() {}

// Is lets errors.Is(err, ErrNotFound) match any error tagged with that kind.
func (e *kindError) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.kind == e.kind
}

// E returns a new error of the given kind with a captured stack.
func E(kind Kind, msg string) error {
	return stack(&kindError{kind: kind, cause: errors.New(msg)}, 1)
}

func Ef(kind Kind, format string, args ...any) error {
	return stack(&kindError{kind: kind, cause: fmt.Errorf(format, args...)}, 1)
}

// WithKind tags err with kind, keeping its message and chain.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return stack(&kindError{kind: kind, cause: err}, 1)
}

// WrapKind annotates err like Wrapf and tags the result with kind in one
// hop. It is the usual way to turn a library failure (a corrupt archive, a
// malformed body) into a client error.
func WrapKind(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &kindError{kind: kind, cause: err, msg: msg, pc: callerPC(1)}
}

// KindOf returns the outermost kind in err's chain. Untagged errors are
// internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind
	}
	return KindInternal
}

// Is reports whether err is tagged with kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code served for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindPathEscape:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
