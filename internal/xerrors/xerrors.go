// Package xerrors wraps errors with call-site information so the logger can
// render where a failure happened, and classifies failures into kinds that
// the HTTP surfaces map to status codes.
//
// Two shapes of location are recorded. New, Newf, E and WithStack keep the
// full stack of the point where an error entered the program; Wrap and
// Wrapf keep a single program counter per annotation so a chain reads as a
// list of hops without repeating stacks.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// callers returns up to depth program counters above the function that
// called callers, skipping skip further frames.
func callers(skip, depth int) []uintptr {
	pcs := make([]uintptr, depth)
	// runtime.Callers and callers itself
	return pcs[:runtime.Callers(2+skip, pcs)]
}

// stacked carries the stack captured where an error was created or first
// seen.
type stacked struct {
	cause error
	pcs   []uintptr
}

func (s *stacked) Error() string       { return s.cause.Error() }
func (s *stacked) Unwrap() error       { return s.cause }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// annotated prefixes its cause with a message and remembers the caller.
type annotated struct {
	cause error
	msg   string
	pc    uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.cause.Error() }
func (a *annotated) Unwrap() error     { return a.cause }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

// stack attaches the stack of the caller skip frames above its own caller.
func stack(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{cause: err, pcs: callers(1+skip, maxStackDepth)}
}

func callerPC(skip int) uintptr {
	if pcs := callers(1+skip, 1); len(pcs) == 1 {
		return pcs[0]
	}
	return 0
}

func annotate(err error, msg string, skip int) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: msg, pc: callerPC(1 + skip)}
}

func New(msg string) error { return stack(errors.New(msg), 1) }

func Newf(format string, args ...any) error { return stack(fmt.Errorf(format, args...), 1) }

// WithStack attaches the caller's stack to err. Nil in, nil out.
func WithStack(err error) error { return stack(err, 1) }

// EnsureTrace attaches a stack unless something in err's chain already
// carries one, so boundaries can call it without stacking stacks.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return stack(err, 1)
}

// Wrap prefixes err with msg and records the caller. Nil in, nil out.
func Wrap(err error, msg string) error { return annotate(err, msg, 1) }

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return annotate(err, fmt.Sprintf(format, args...), 1)
}
