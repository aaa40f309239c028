// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"encoding/json"
	"io"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codeError struct {
	code string
}

func (e codeError) Error() string { return "code " + e.code }

func (e codeError) ErrorFields() map[string]any {
	return map[string]any{"code": e.code, "message": "ignored"}
}

func Test_Errors_SerializeNil(t *testing.T) {
	assert.Nil(t, SerializeError(nil))
	assert.Nil(t, DeserializeError(nil))
}

func Test_Errors_RoundTripKeepsFields(t *testing.T) {
	err := errors.Wrap(codeError{code: "E42"}, "outer")
	se := SerializeError(err)
	require.NotNil(t, se)
	assert.Equal(t, "outer: code E42", se.Message)
	assert.Equal(t, "E42", se.Fields["code"])
	assert.NotContains(t, se.Fields, "message")
	assert.NotEmpty(t, se.Stack)

	b, err := json.Marshal(se)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "outer: code E42", m["message"])
	assert.Equal(t, "E42", m["code"])

	var back SerializedError
	require.NoError(t, json.Unmarshal(b, &back))
	rerr := DeserializeError(&back)
	re, ok := rerr.(*RemoteError)
	require.True(t, ok)
	assert.Equal(t, "outer: code E42", re.Error())
	assert.Equal(t, "E42", re.Field("code"))
	assert.Equal(t, se.Stack, re.Stack)
}

func Test_Errors_OuterFieldsWin(t *testing.T) {
	inner := codeError{code: "inner"}
	outer := &HTTPError{Status: 410, StatusText: "gone", Message: "m", Reason: "r"}
	se := SerializeError(errors.Wrap(&wrapFields{outer: outer, inner: inner}, "x"))
	assert.Equal(t, 410, se.Fields["status"])
	assert.Equal(t, "outer", se.Fields["code"])
}

// wrapFields reports its own code and wraps another error.
type wrapFields struct {
	outer *HTTPError
	inner error
}

func (w *wrapFields) Error() string               { return w.outer.Error() }
func (w *wrapFields) Unwrap() error               { return w.inner }
func (w *wrapFields) ErrorFields() map[string]any { m := w.outer.ErrorFields(); m["code"] = "outer"; return m }

func Test_Errors_RemoteStackSurvives(t *testing.T) {
	re := &RemoteError{Message: "far", Stack: "remote stack"}
	se := SerializeError(re)
	assert.Equal(t, "remote stack", se.Stack)
	assert.Equal(t, "far", se.Message)
}

func Test_Errors_UnmarshalBareString(t *testing.T) {
	var se SerializedError
	require.NoError(t, json.Unmarshal([]byte(`"just text"`), &se))
	assert.Equal(t, "just text", se.Message)
	assert.Nil(t, se.Fields)
}

func Test_Errors_IsStreamClosed(t *testing.T) {
	assert.True(t, IsStreamClosed(ErrStreamClosed))
	assert.True(t, IsStreamClosed(errors.WithStack(ErrStreamClosed)))
	remote := DeserializeError(SerializeError(errors.WithStack(ErrStreamClosed)))
	assert.True(t, IsStreamClosed(remote))
	assert.False(t, IsStreamClosed(io.EOF))
	assert.False(t, IsStreamClosed(&RemoteError{Message: "other"}))
}

func Test_Errors_ClosedErrors(t *testing.T) {
	assert.True(t, isClosedError(errors.WithStack(serverClosedError{})))
	assert.True(t, isClosedError(errors.WithStack(ErrPortClosed)))
	assert.True(t, isClosedError(ErrInvokerClosed))
	assert.False(t, isClosedError(io.EOF))
	assert.True(t, IsPortClosed(errors.Wrap(ErrPortClosed, "posting")))
}

func Test_Errors_TimeoutIsNetError(t *testing.T) {
	var ne net.Error = timeoutError{}
	assert.True(t, ne.Timeout())
	assert.Equal(t, "timeout", ne.Error())
}

func Test_HTTPError_From(t *testing.T) {
	gone := ErrResourceGone("endpoint gone: abc")
	assert.Equal(t, gone, HTTPErrorFrom(errors.WithStack(gone)))

	remote := DeserializeError(SerializeError(gone))
	he := HTTPErrorFrom(remote)
	assert.Equal(t, 410, he.Status)
	assert.Equal(t, "Error 410: Resource Gone", he.StatusText)
	assert.Equal(t, "endpoint gone: abc", he.Message)

	he = HTTPErrorFrom(io.ErrUnexpectedEOF)
	assert.Equal(t, 500, he.Status)
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), he.Reason)

	assert.Nil(t, HTTPErrorFrom(nil))
}

func Test_HTTPError_ResponseOptions(t *testing.T) {
	ro := ErrForbidden("no").ResponseOptions()
	assert.Equal(t, 403, ro.StatusCode())
	assert.Equal(t, "application/json", ro.Headers.Get("Content-Type"))
}
