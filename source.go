// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Source is a lazily produced sequence of byte chunks.
type Source interface {
	// Next returns the next chunk, io.EOF when the sequence is exhausted,
	// or the error that ended it.
	Next(ctx context.Context) ([]byte, error)
	// Close releases the Source. It may be called more than once and
	// concurrently with Next.
	Close() error
}

type sliceSource struct {
	mu     sync.Mutex
	values [][]byte
	closed bool
}

// SliceSource returns a Source yielding the given values.
func SliceSource(values ...[]byte) Source {
	return &sliceSource{values: values}
}

func (ss *sliceSource) Next(ctx context.Context) ([]byte, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed || len(ss.values) == 0 {
		return nil, io.EOF
	}
	v := ss.values[0]
	ss.values = ss.values[1:]
	return v, nil
}

func (ss *sliceSource) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.closed = true
	ss.values = nil
	return nil
}

type errorSource struct{ err error }

// ErrorSource returns a Source that fails with err on the first call to Next.
func ErrorSource(err error) Source {
	return errorSource{err: err}
}

func (es errorSource) Next(context.Context) ([]byte, error) { return nil, es.err }
func (errorSource) Close() error                           { return nil }

type concatSource struct {
	mu      sync.Mutex
	sources []Source
}

// ConcatSources returns a Source yielding the values of each source in turn.
func ConcatSources(sources ...Source) Source {
	return &concatSource{sources: sources}
}

func (cs *concatSource) current() Source {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.sources) == 0 {
		return nil
	}
	return cs.sources[0]
}

func (cs *concatSource) Next(ctx context.Context) ([]byte, error) {
	for {
		src := cs.current()
		if src == nil {
			return nil, io.EOF
		}
		v, err := src.Next(ctx)
		if err != io.EOF {
			return v, err
		}
		src.Close()
		cs.mu.Lock()
		if len(cs.sources) > 0 && cs.sources[0] == src {
			cs.sources = cs.sources[1:]
		}
		cs.mu.Unlock()
	}
}

func (cs *concatSource) Close() (err error) {
	cs.mu.Lock()
	sources := cs.sources
	cs.sources = nil
	cs.mu.Unlock()
	for _, src := range sources {
		if e := src.Close(); e != nil && err == nil {
			err = e
		}
	}
	return
}

// Collect reads src until it is exhausted and closes it.
func Collect(ctx context.Context, src Source) (values [][]byte, err error) {
	defer src.Close()
	for {
		var v []byte
		if v, err = src.Next(ctx); err != nil {
			if err == io.EOF {
				err = nil
			}
			return
		}
		values = append(values, v)
	}
}

type readerSource struct {
	r         io.Reader
	chunkSize int
	closed    int32
}

// ReaderSource returns a Source reading chunks of at most chunkSize bytes
// from r. Closing the Source closes r if it is an io.Closer.
func ReaderSource(r io.Reader, chunkSize int) Source {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &readerSource{r: r, chunkSize: chunkSize}
}

func (rs *readerSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if atomic.LoadInt32(&rs.closed) != 0 {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf := make([]byte, rs.chunkSize)
		n, err := rs.r.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			if err != io.EOF {
				err = errors.WithStack(err)
			}
			return nil, err
		}
	}
}

func (rs *readerSource) Close() error {
	if atomic.CompareAndSwapInt32(&rs.closed, 0, 1) {
		if c, ok := rs.r.(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}

type sourceReader struct {
	ctx       context.Context
	src       Source
	buf       []byte
	err       error
	closed    int32
	closeOnce sync.Once
}

// SourceReader returns an io.ReadCloser reading the chunks of src.
// The Source is closed when it ends or when the reader is closed.
func SourceReader(ctx context.Context, src Source) io.ReadCloser {
	return &sourceReader{ctx: ctx, src: src}
}

func (sr *sourceReader) closeSource() {
	sr.closeOnce.Do(func() { sr.src.Close() })
}

func (sr *sourceReader) Read(p []byte) (n int, err error) {
	if atomic.LoadInt32(&sr.closed) != 0 {
		return 0, http.ErrBodyReadAfterClose
	}
	for len(sr.buf) == 0 && sr.err == nil {
		var v []byte
		if v, sr.err = sr.src.Next(sr.ctx); sr.err != nil {
			sr.closeSource()
		}
		sr.buf = v
	}
	if len(sr.buf) > 0 {
		n = copy(p, sr.buf)
		sr.buf = sr.buf[n:]
		return
	}
	return 0, sr.err
}

func (sr *sourceReader) Close() error {
	atomic.StoreInt32(&sr.closed, 1)
	sr.closeSource()
	return nil
}
