// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// FieldsError is implemented by errors that carry extra named fields
// which must survive crossing a Port.
type FieldsError interface {
	error
	ErrorFields() map[string]any
}

// ProtocolError is the error type used for reporting malformed or
// unexpected frames and messages.
type ProtocolError struct{}

func (ProtocolError) Error() string { return "protocol error" }

// PanicError is the error type used for reporting peer panic errors,
// all of which are fatal to a Muxer.
type PanicError struct{}

func (PanicError) Error() string { return "peer panic" }

type serverClosedError struct{}

func (serverClosedError) Error() string { return "server closed" }

type timeoutError struct{}

func (timeoutError) Error() string   { return "timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type invokerClosedError struct{}

func (invokerClosedError) Error() string { return "invoker closed" }

type streamClosedError struct{}

func (streamClosedError) Error() string { return "stream closed" }

func (streamClosedError) ErrorFields() map[string]any {
	return map[string]any{"code": "STREAM_CLOSED"}
}

var (
	// ErrInvokerClosed is returned to callers waiting on an Invoker that was closed locally.
	ErrInvokerClosed error = invokerClosedError{}
	// ErrStreamClosed rejects stream values arriving after the consumer went away.
	ErrStreamClosed error = streamClosedError{}
)

// IsStreamClosed returns true if err means the consuming side of a stream
// is gone, whether it was detected locally or reported by the peer.
func IsStreamClosed(err error) bool {
	if errors.Cause(err) == ErrStreamClosed {
		return true
	}
	if re, ok := errors.Cause(err).(*RemoteError); ok {
		return re.Fields["code"] == "STREAM_CLOSED"
	}
	return false
}

func isClosedError(err error) bool {
	switch errors.Cause(err) {
	case serverClosedError{}, ErrPortClosed, ErrInvokerClosed, ErrStreamClosed:
		return true
	}
	return false
}

// SerializedError is the wire form of an error: the message, an optional
// stack trace and any extra fields, flattened into one JSON object.
type SerializedError struct {
	Message string
	Stack   string
	Fields  map[string]any
}

// MarshalJSON implements json.Marshaler.
func (se *SerializedError) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(se.Fields)+2)
	for k, v := range se.Fields {
		m[k] = v
	}
	m["message"] = se.Message
	if se.Stack != "" {
		m["stack"] = se.Stack
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler. A bare JSON string is
// taken as the message.
func (se *SerializedError) UnmarshalJSON(b []byte) error {
	var s string
	if json.Unmarshal(b, &s) == nil {
		*se = SerializedError{Message: s}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return errors.WithStack(err)
	}
	*se = SerializedError{}
	for k, v := range m {
		switch k {
		case "message":
			if s, ok := v.(string); ok {
				se.Message = s
			} else if v != nil {
				se.Message = fmt.Sprint(v)
			}
		case "stack":
			se.Stack, _ = v.(string)
		default:
			if se.Fields == nil {
				se.Fields = make(map[string]any)
			}
			se.Fields[k] = v
		}
	}
	return nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func unwrapOnce(err error) error {
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		return x.Unwrap()
	case interface{ Cause() error }:
		return x.Cause()
	}
	return nil
}

// SerializeError converts err to its wire form. Fields of errors closer to
// the top of the chain take precedence, the stack comes from the innermost
// error that has one. It returns nil for a nil error.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	se := &SerializedError{Message: err.Error()}
	for e := err; e != nil; e = unwrapOnce(e) {
		if re, ok := e.(*RemoteError); ok && re.Stack != "" {
			se.Stack = re.Stack
		}
		if st, ok := e.(stackTracer); ok {
			se.Stack = fmt.Sprintf("%+v", st.StackTrace())
		}
		if fe, ok := e.(FieldsError); ok {
			for k, v := range fe.ErrorFields() {
				if k == "message" || k == "stack" {
					continue
				}
				if se.Fields == nil {
					se.Fields = make(map[string]any)
				}
				if _, exists := se.Fields[k]; !exists {
					se.Fields[k] = v
				}
			}
		}
	}
	return se
}

// DeserializeError reconstructs an error from its wire form.
// It returns nil for a nil SerializedError.
func DeserializeError(se *SerializedError) error {
	if se == nil {
		return nil
	}
	re := &RemoteError{Message: se.Message, Stack: se.Stack}
	if len(se.Fields) > 0 {
		re.Fields = make(map[string]any, len(se.Fields))
		for k, v := range se.Fields {
			re.Fields[k] = v
		}
	}
	return re
}

// RemoteError is an error that originated on the other side of a Port.
type RemoteError struct {
	Message string
	Stack   string
	Fields  map[string]any
}

func (re *RemoteError) Error() string { return re.Message }

// ErrorFields implements FieldsError.
func (re *RemoteError) ErrorFields() map[string]any { return re.Fields }

// Field returns the named extra field, or nil.
func (re *RemoteError) Field(name string) any { return re.Fields[name] }
