// Package xerrors adds call-site information to errors without changing how
// they compare: every wrapper implements Unwrap, so errors.Is and errors.As
// see straight through. The logger reads PC and StackPCs to report where an
// error was created or wrapped.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }

type wrap struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrap) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrap) Unwrap() error { return w.err }
func (w *wrap) PC() uintptr   { return w.pc }

// skip counts frames above the exported function's caller:
// 0 = runtime.Callers, 1 = this helper, 2 = exported func, 3 = its caller
func stackFrom(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	return pcs[:runtime.Callers(skip, pcs)]
}

func pcFrom(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with msg and the caller's stack
func New(msg string) error {
	return &withStack{err: errors.New(msg), pcs: stackFrom(3)}
}

func Newf(format string, args ...any) error {
	return &withStack{err: fmt.Errorf(format, args...), pcs: stackFrom(3)}
}

// WithStack attaches the caller's stack to err, nil stays nil
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, pcs: stackFrom(3)}
}

// EnsureTrace is WithStack unless err already carries a stack
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return &withStack{err: err, pcs: stackFrom(3)}
}

// Wrap prefixes err with msg and records the call site, nil stays nil
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: msg, pc: pcFrom(3)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: fmt.Sprintf(format, args...), pc: pcFrom(3)}
}
