// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunks(values ...string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

func Test_Source_Slice(t *testing.T) {
	values, err := Collect(context.Background(), SliceSource(chunks("a", "b")...))
	require.NoError(t, err)
	assert.Equal(t, chunks("a", "b"), values)

	src := SliceSource(chunks("a", "b")...)
	require.NoError(t, src.Close())
	_, err = src.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func Test_Source_Error(t *testing.T) {
	boom := errors.New("boom")
	values, err := Collect(context.Background(), ConcatSources(SliceSource(chunks("a")...), ErrorSource(boom)))
	assert.Equal(t, boom, err)
	assert.Equal(t, chunks("a"), values)
}

func Test_Source_Concat(t *testing.T) {
	src := ConcatSources(SliceSource(chunks("a", "b")...), SliceSource(), SliceSource(chunks("c")...))
	values, err := Collect(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, chunks("a", "b", "c"), values)
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (cr *closeRecorder) Close() error {
	cr.closed = true
	return nil
}

func Test_Source_Reader(t *testing.T) {
	cr := &closeRecorder{Reader: strings.NewReader("0123456789")}
	src := ReaderSource(cr, 4)
	values, err := Collect(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, chunks("0123", "4567", "89"), values)
	assert.True(t, cr.closed)
}

func Test_Source_ReaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReaderSource(strings.NewReader("x"), 0).Next(ctx)
	assert.Equal(t, context.Canceled, err)
}

func Test_SourceReader_Read(t *testing.T) {
	r := SourceReader(context.Background(), SliceSource(chunks("Hello, ", "", "World")...))
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "Hello, World", string(b))
	require.NoError(t, r.Close())
	_, err = r.Read(make([]byte, 1))
	assert.Equal(t, http.ErrBodyReadAfterClose, err)
}

func Test_SourceReader_Error(t *testing.T) {
	boom := errors.New("boom")
	r := SourceReader(context.Background(), ConcatSources(SliceSource(chunks("ab")...), ErrorSource(boom)))
	var buf bytes.Buffer
	_, err := io.Copy(&buf, r)
	assert.Equal(t, boom, err)
	assert.Equal(t, "ab", buf.String())
}
