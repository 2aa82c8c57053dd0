// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package dispatch

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, one per entry. These follow the
// same style as the reference VM's Err* sentinels: plain errors.New
// values that calling code can match with errors.Is, wrapped with
// fmt.Errorf("%w: …") when extra context is attached.
var (
	ErrShapeMismatch         = errors.New("dispatch: shape mismatch")
	ErrModeConflict          = errors.New("dispatch: exactly one of domain and callable_count must be supplied")
	ErrSymbolicModeRequired  = errors.New("dispatch: evaluated call attempted inside an active symbolic region")
	ErrEmptyReturn           = errors.New("dispatch: callable returned a zero handle")
	ErrReturnArityMismatch   = errors.New("dispatch: callables disagree on return arity")
	ErrReturnTypeMismatch    = errors.New("dispatch: callables disagree on return type")
	ErrReturnBackendMismatch = errors.New("dispatch: callables disagree on return backend")
	ErrReturnNotScalar       = errors.New("dispatch: getter strategy observed a non-scalar output")
	ErrRegistryMiss          = errors.New("dispatch: bucket id is no longer registered")
	ErrLoopStateChanged      = errors.New("dispatch: while-loop state shape changed between passes")
	ErrLoopSizeConflict      = errors.New("dispatch: while-loop leaf size transition is not 1->N or stable")
	ErrReturnShapeMismatch   = errors.New("dispatch: if-statement branches returned different result shapes")
	ErrInternalInvariant     = errors.New("dispatch: internal invariant violated")
)

// Error wraps a sentinel error kind with the offending call's coordinates,
// the way the reference bytecode verifier's VerifyError carries an Offset
// alongside its Message.
type Error struct {
	Kind     error
	Name     string // combined domain::name, when known
	Callable int    // offending callable id, 0 if not applicable
	ArgIndex int    // offending argument/return-slot index, -1 if not applicable
	Detail   string
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Name != "" {
		msg = fmt.Sprintf("%s: call %q", msg, e.Name)
	}
	if e.Callable != 0 {
		msg = fmt.Sprintf("%s (callable %d)", msg, e.Callable)
	}
	if e.ArgIndex >= 0 {
		msg = fmt.Sprintf("%s (slot %d)", msg, e.ArgIndex)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }

// wrap builds an *Error with ArgIndex defaulted to "not applicable".
func wrap(kind error, name string, callable int, detail string) *Error {
	return &Error{Kind: kind, Name: name, Callable: callable, ArgIndex: -1, Detail: detail}
}

func wrapSlot(kind error, name string, callable, argIndex int, detail string) *Error {
	return &Error{Kind: kind, Name: name, Callable: callable, ArgIndex: argIndex, Detail: detail}
}
