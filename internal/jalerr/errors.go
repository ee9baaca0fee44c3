// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package jalerr defines the error taxonomy every store, session and feeder
// operation in this module reports through. Callers switch on Kind rather
// than matching error strings.
package jalerr

import "fmt"

// Kind classifies a failure the way spec section 7 of the protocol design
// enumerates them. It never changes meaning once assigned to a call site.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindAlreadyConfirmed
	KindSequenceID
	KindCorrupted
	KindStore
	KindDisconnected
	KindDigestMismatch
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "E_INVAL"
	case KindNotFound:
		return "E_NOT_FOUND"
	case KindAlreadyConfirmed:
		return "E_ALREADY_CONFED"
	case KindSequenceID:
		return "E_SID"
	case KindCorrupted:
		return "E_CORRUPTED"
	case KindStore:
		return "E_STORE"
	case KindDisconnected:
		return "E_NOT_CONNECTED"
	case KindDigestMismatch:
		return "E_DIGEST_MISMATCH"
	case KindProtocolViolation:
		return "E_PROTOCOL"
	default:
		return "E_UNKNOWN"
	}
}

// Error is the concrete error type returned across package boundaries in
// this module. It wraps an optional underlying cause without using it for
// control flow — callers are expected to inspect Kind, not unwrap chains.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, jalerr.New(jalerr.KindNotFound, "", "")) style checks match
// on Kind alone; a target of any other type never matches.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, returning
// false otherwise so callers can fall back to treating it as an opaque
// failure.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if je, ok := err.(*Error); ok {
			e = je
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0, false
	}
	return e.Kind, true
}
