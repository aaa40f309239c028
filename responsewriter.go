// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// responseStream is the Source of a tunnelled response. Each send blocks
// until the consumer pulls the chunk.
type responseStream struct {
	chunks     chan []byte
	finished   chan struct{}
	closed     chan struct{}
	finishOnce sync.Once
	closeOnce  sync.Once
	mu         sync.Mutex
	err        error
}

func newResponseStream() *responseStream {
	return &responseStream{
		chunks:   make(chan []byte),
		finished: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (rs *responseStream) send(b []byte) error {
	select {
	case rs.chunks <- b:
		return nil
	case <-rs.closed:
		return errors.WithStack(ErrStreamClosed)
	}
}

// finish ends the stream, with err if it is not nil.
func (rs *responseStream) finish(err error) {
	rs.finishOnce.Do(func() {
		rs.mu.Lock()
		rs.err = err
		rs.mu.Unlock()
		close(rs.finished)
	})
}

func (rs *responseStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case b := <-rs.chunks:
		return b, nil
	case <-rs.finished:
		rs.mu.Lock()
		defer rs.mu.Unlock()
		if rs.err != nil {
			return nil, rs.err
		}
		return nil, io.EOF
	case <-rs.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rs *responseStream) Close() error {
	rs.closeOnce.Do(func() { close(rs.closed) })
	return nil
}

// ResponseWriter implements http.ResponseWriter for a tunnelled response.
// The header becomes the first stream value, each Write the following ones.
type ResponseWriter struct {
	Code        int         // the HTTP response code from WriteHeader
	HeaderMap   http.Header // the HTTP response headers
	Flushed     bool
	ChunkSize   int // largest value sent per Write, zero means DefaultChunkSize
	stream      *responseStream
	discardBody bool
	wroteHeader bool
}

// NewResponseWriter returns a ResponseWriter answering a request with the given method.
func NewResponseWriter(method string) *ResponseWriter {
	return &ResponseWriter{
		Code:        http.StatusOK,
		HeaderMap:   make(http.Header),
		stream:      newResponseStream(),
		discardBody: !hasResponseBody(method),
	}
}

// Source returns the stream of encoded response values.
func (rw *ResponseWriter) Source() Source {
	return rw.stream
}

// Header returns the response headers.
func (rw *ResponseWriter) Header() http.Header {
	m := rw.HeaderMap
	if m == nil {
		m = make(http.Header)
		rw.HeaderMap = m
	}
	return m
}

// Write sends buf as one or more body chunks, blocking until they are
// taken by the stream.
func (rw *ResponseWriter) Write(buf []byte) (n int, err error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if rw.discardBody {
		return len(buf), nil
	}
	chunkSize := rw.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	for n < len(buf) && err == nil {
		end := n + chunkSize
		if end > len(buf) {
			end = len(buf)
		}
		if err = rw.stream.send(append([]byte(nil), buf[n:end]...)); err == nil {
			n = end
		}
	}
	return
}

// WriteHeader sends the response head. Informational codes are ignored.
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader || (code >= 100 && code < 200) {
		return
	}
	rw.wroteHeader = true
	rw.Code = code
	data, err := EncodeOptions(ResponseOptions{
		Status:     code,
		StatusText: http.StatusText(code),
		Headers:    rw.Header().Clone(),
	})
	if err == nil {
		err = rw.stream.send(data)
	}
	if err != nil {
		rw.stream.finish(err)
	}
}

// Flush sends the response head if it has not been sent yet.
// Body chunks are never buffered.
func (rw *ResponseWriter) Flush() {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	rw.Flushed = true
}

// finish ends the response, sending the head if the handler wrote nothing.
func (rw *ResponseWriter) finish(err error) {
	if err == nil && !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	rw.stream.finish(err)
}
