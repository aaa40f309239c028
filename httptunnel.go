// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
)

const notFoundStatusText = "Error 404: Not Found"

func notFoundResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusNotFound, notFoundStatusText),
		StatusCode:    http.StatusNotFound,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       req,
	}
}

// SendHTTPRequest forwards req over port and returns the response once
// its head arrives. The body streams as it is read. If the peer ends the
// stream without a response head, a 404 response is returned.
func SendHTTPRequest(ctx context.Context, port Port, req *http.Request) (*http.Response, error) {
	opts := RequestOptionsFrom(req)
	head, err := EncodeOptions(opts)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	input := SliceSource(head)
	if hasRequestBody(opts.Method) && req.Body != nil && req.Body != http.NoBody {
		input = ConcatSources(input, ReaderSource(req.Body, DefaultChunkSize))
	} else if req.Body != nil {
		req.Body.Close()
	}

	output, err := SendStream(ctx, port, input, nil)
	if err != nil {
		return nil, err
	}
	first, err := output.Next(ctx)
	if err != nil {
		output.Close()
		if err == io.EOF {
			return notFoundResponse(req), nil
		}
		return nil, err
	}
	var ro ResponseOptions
	if err = DecodeOptions(first, &ro); err != nil {
		output.Close()
		return nil, err
	}

	code := ro.StatusCode()
	statusText := ro.StatusText
	if statusText == "" {
		statusText = http.StatusText(code)
	}
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", code, statusText),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        ro.Headers,
		ContentLength: -1,
		Request:       req,
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			resp.ContentLength = n
		}
	}
	if hasResponseBody(opts.Method) {
		resp.Body = SourceReader(ctx, output)
	} else {
		output.Close()
		resp.Body = http.NoBody
		resp.ContentLength = 0
	}
	return resp, nil
}

// HandleHTTPRequests serves requests sent with SendHTTPRequest on port using handler.
// The returned function stops serving.
func HandleHTTPRequests(port Port, handler http.Handler) (stop func()) {
	return HandleStreams(port, func(ctx context.Context, input Source, params json.RawMessage) (Source, error) {
		return ServeHTTPSource(ctx, input, handler)
	})
}

// ServeHTTPSource decodes the request carried by input, runs handler against
// it in a new goroutine and returns the encoded response stream.
func ServeHTTPSource(ctx context.Context, input Source, handler http.Handler) (Source, error) {
	first, err := input.Next(ctx)
	if err != nil {
		input.Close()
		if err == io.EOF {
			head, err := EncodeOptions(ResponseOptions{Status: http.StatusNotFound, StatusText: notFoundStatusText})
			if err != nil {
				return nil, err
			}
			return SliceSource(head), nil
		}
		return nil, err
	}
	var opts RequestOptions
	if err = DecodeOptions(first, &opts); err != nil {
		input.Close()
		return nil, err
	}

	var body io.ReadCloser
	if hasRequestBody(opts.Method) {
		body = SourceReader(ctx, input)
	} else {
		input.Close()
	}
	var req *http.Request
	if body != nil {
		req, err = opts.NewRequest(ctx, body)
	} else {
		req, err = opts.NewRequest(ctx, nil)
	}
	if err != nil {
		if body != nil {
			body.Close()
		}
		return nil, err
	}

	rw := NewResponseWriter(req.Method)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic: %v", r)
			}
			if body != nil {
				body.Close()
			}
			rw.finish(err)
		}()
		handler.ServeHTTP(rw, req)
	}()
	return rw.Source(), nil
}

// RoundTripper is a http.RoundTripper sending requests over a Port.
type RoundTripper struct {
	Port Port
}

// RoundTrip implements http.RoundTripper.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return SendHTTPRequest(req.Context(), rt.Port, req)
}
