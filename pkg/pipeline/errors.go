// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Error kinds. Every error returned by the Driver matches exactly one of them with errors.Is, and
// also matches the underlying cause.
var (
	// ErrConfig is a configuration error: invalid model description, shape mismatch, unsupported target,
	// invalid optimization level or corrupted archive.
	ErrConfig = errors.New("configuration error")

	// ErrCompile is a compilation error: unsupported operator, failure of the backend.
	ErrCompile = errors.New("compilation error")

	// ErrRuntime is a runtime error: missing input binding, device unavailable, I/O failure.
	ErrRuntime = errors.New("runtime error")

	// ErrVerify is a verification failure: outputs diverge beyond the tolerance.
	ErrVerify = errors.New("verification failed")

	// ErrInvalidState is returned (as an ErrConfig) when a step is called out of order.
	ErrInvalidState = errors.New("invalid state")
)

// Error is a failure of one step of the pipeline.
type Error struct {
	// Step that failed, e.g. "Compile".
	Step string

	// Kind is one of ErrConfig, ErrCompile, ErrRuntime or ErrVerify.
	Kind error

	// Err is the underlying cause.
	Err error
}

func newError(step string, kind, err error) *Error {
	return &Error{Step: step, Kind: kind, Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Step, e.Kind, e.Err)
}

// Unwrap returns both the kind and the cause, so errors.Is matches either.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Format implements fmt.Formatter: "%+v" includes the stack trace of the cause.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "%s: %v: %+v", e.Step, e.Kind, e.Err)
			return
		}
		fallthrough
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}
