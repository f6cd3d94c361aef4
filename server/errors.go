// Copyright 2024 The wsgate Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// ErrorKind is the error taxonomy from the core's error handling design:
// every failure raised by this package is one of these.
type ErrorKind int

const (
	// ProtocolViolation is a malformed frame, header, or chunked stream.
	// Surfaces as a WS close 1002 or an HTTP 400.
	ProtocolViolation ErrorKind = iota
	// InvalidState is an operation not permitted in the current phase.
	// Never sent on the wire.
	InvalidState
	// ValidationError is a bad header name/value, cookie, or prefix syntax.
	ValidationError
	// AuthFailed is a rejected authentication attempt; surfaces as 401.
	AuthFailed
	// AuthStale is a digest nonce that was valid but has expired/replayed;
	// surfaces as 401 with stale=true.
	AuthStale
	// TransportError is an underlying read/write failure.
	TransportError
	// Timeout covers any of the §5 timeout categories.
	Timeout
	// ResourceExhausted is a message or request over its configured cap.
	ResourceExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolViolation:
		return "ProtocolViolation"
	case InvalidState:
		return "InvalidState"
	case ValidationError:
		return "ValidationError"
	case AuthFailed:
		return "AuthFailed"
	case AuthStale:
		return "AuthStale"
	case TransportError:
		return "TransportError"
	case Timeout:
		return "Timeout"
	case ResourceExhausted:
		return "ResourceExhausted"
	default:
		return "Unknown"
	}
}

// WSError is the concrete error type raised throughout this package. Code
// is either an HTTP status (for handshake/listener errors) or a WebSocket
// close code (for post-handshake frame errors); zero means "not applicable".
type WSError struct {
	Kind    ErrorKind
	Code    int
	Message string
	cause   error
}

func (e *WSError) Error() string {
	if e.cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

// Unwrap lets errors.Is/errors.As reach the wrapped cause.
func (e *WSError) Unwrap() error { return e.cause }

// Format implements fmt.Formatter so that logging a *WSError with "%+v"
// (as the teacher's Errorf-to-stderr paths effectively do) retains a stack
// trace captured by pkg/errors at construction time.
func (e *WSError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			io.WriteString(s, e.Error())
			if st, ok := e.cause.(interface{ StackTrace() errors.StackTrace }); ok {
				st.StackTrace().Format(s, verb)
			}
			return
		}
		fallthrough
	default:
		io.WriteString(s, e.Error())
	}
}

func newErr(kind ErrorKind, code int, format string, args ...any) *WSError {
	return &WSError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: errors.Errorf(format, args...)}
}

func wrapErr(kind ErrorKind, code int, cause error, format string, args ...any) *WSError {
	return &WSError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: errors.Wrap(cause, fmt.Sprintf(format, args...))}
}

// protocolErr is a convenience constructor for the common WS close-1002 case.
func protocolErr(format string, args ...any) *WSError {
	return newErr(ProtocolViolation, wsCloseStatusProtocolError, format, args...)
}

// invalidStateErr is a convenience constructor for API misuse errors that
// must never be written to the wire.
func invalidStateErr(format string, args ...any) *WSError {
	return newErr(InvalidState, 0, format, args...)
}
