// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// EnvelopeType enumerates the kinds of messages exchanged over a Port.
type EnvelopeType string

const (
	// EnvelopeRequest carries an invocation request.
	EnvelopeRequest EnvelopeType = "REQUEST"
	// EnvelopeResponse carries the outcome of an invocation.
	EnvelopeResponse EnvelopeType = "RESPONSE"
	// EnvelopeStartCall opens a stream over the transferred Port.
	EnvelopeStartCall EnvelopeType = "START_CALL"
	// EnvelopeCall is a one-shot call answered on the transferred Port.
	EnvelopeCall EnvelopeType = "CALL"
	// EnvelopeResult answers an EnvelopeCall.
	EnvelopeResult EnvelopeType = "RESULT"
)

// Envelope is the JSON record posted on a Port.
type Envelope struct {
	Type     EnvelopeType     `json:"type"`
	CallID   uint64           `json:"callId,omitempty"`
	Request  json.RawMessage  `json:"request,omitempty"`
	Response json.RawMessage  `json:"response,omitempty"`
	Error    *SerializedError `json:"error,omitempty"`
	CallType string           `json:"callType,omitempty"`
	Params   json.RawMessage  `json:"params,omitempty"`
	Result   json.RawMessage  `json:"result,omitempty"`
}

// Marshal returns the wire form of the envelope.
func (env *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(env)
	return b, errors.WithStack(err)
}

// ParseEnvelope decodes a message. Data that is not a JSON object
// with a known type is reported as a ProtocolError.
func ParseEnvelope(data []byte) (env Envelope, err error) {
	if err = json.Unmarshal(data, &env); err != nil {
		err = errors.Wrap(ProtocolError{}, err.Error())
		return
	}
	switch env.Type {
	case EnvelopeRequest, EnvelopeResponse, EnvelopeStartCall, EnvelopeCall, EnvelopeResult:
	default:
		err = errors.Wrapf(ProtocolError{}, "unknown envelope type %q", env.Type)
	}
	return
}

// postEnvelope marshals env and posts it on port.
func postEnvelope(port Port, env *Envelope, transfers ...Port) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return port.PostMessage(data, transfers...)
}

// marshalParams returns v as raw JSON, passing json.RawMessage through.
func marshalParams(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return x, nil
	}
	b, err := json.Marshal(v)
	return b, errors.WithStack(err)
}
