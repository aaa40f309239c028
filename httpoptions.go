// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
)

// RequestOptions is the head of a tunnelled HTTP request.
type RequestOptions struct {
	URL            string      `json:"url"`
	Method         string      `json:"method"`
	Headers        http.Header `json:"headers,omitempty"`
	Mode           string      `json:"mode,omitempty"`
	Credentials    string      `json:"credentials,omitempty"`
	Cache          string      `json:"cache,omitempty"`
	Redirect       string      `json:"redirect,omitempty"`
	Referrer       string      `json:"referrer,omitempty"`
	ReferrerPolicy string      `json:"referrerPolicy,omitempty"`
	Integrity      string      `json:"integrity,omitempty"`
	Keepalive      bool        `json:"keepalive,omitempty"`
}

// ResponseOptions is the head of a tunnelled HTTP response.
type ResponseOptions struct {
	Status     int         `json:"status"`
	StatusText string      `json:"statusText,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
}

// StatusCode returns the status, defaulting to 200.
func (ro ResponseOptions) StatusCode() int {
	if ro.Status == 0 {
		return http.StatusOK
	}
	return ro.Status
}

type requestOptionsKey struct{}

// WithRequestOptions returns a context carrying opts. SendHTTPRequest uses the
// fields it carries that have no http.Request equivalent, and handlers
// served by HandleHTTPRequests find the received options in the request context.
func WithRequestOptions(ctx context.Context, opts RequestOptions) context.Context {
	return context.WithValue(ctx, requestOptionsKey{}, opts)
}

// RequestOptionsFromContext returns the options stored by WithRequestOptions.
func RequestOptionsFromContext(ctx context.Context) (opts RequestOptions, ok bool) {
	opts, ok = ctx.Value(requestOptionsKey{}).(RequestOptions)
	return
}

// RequestOptionsFrom extracts the forwarded fields of req.
func RequestOptionsFrom(req *http.Request) RequestOptions {
	opts, _ := RequestOptionsFromContext(req.Context())
	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}
	opts.URL = u.String()
	opts.Method = req.Method
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if len(req.Header) > 0 {
		opts.Headers = req.Header.Clone()
	}
	if opts.Referrer == "" {
		opts.Referrer = req.Referer()
	}
	return opts
}

// NewRequest returns a server side request for the options, with ctx carrying them.
func (opts RequestOptions) NewRequest(ctx context.Context, body io.Reader) (*http.Request, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(WithRequestOptions(ctx, opts), method, opts.URL, body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if opts.Headers != nil {
		req.Header = opts.Headers.Clone()
	}
	req.RequestURI = req.URL.RequestURI()
	req.ContentLength = 0
	if req.Body == nil {
		req.Body = http.NoBody
	}
	if body != nil {
		req.ContentLength = -1
		if cl := req.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
				req.ContentLength = n
			}
		}
	}
	return req, nil
}

// EncodeOptions returns v as JSON prefixed by its length as a 32-bit big endian integer.
func EncodeOptions(v any) ([]byte, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	buf := make([]byte, 4+len(js))
	binary.BigEndian.PutUint32(buf, uint32(len(js)))
	copy(buf[4:], js)
	return buf, nil
}

// DecodeOptions decodes a value written by EncodeOptions into v.
func DecodeOptions(data []byte, v any) error {
	if len(data) < 4 {
		return errors.Wrap(ProtocolError{}, "options frame too short")
	}
	n := binary.BigEndian.Uint32(data)
	if uint64(n) > uint64(len(data)-4) {
		return errors.Wrapf(ProtocolError{}, "options length %d exceeds frame", n)
	}
	if err := json.Unmarshal(data[4:4+n], v); err != nil {
		return errors.Wrap(ProtocolError{}, err.Error())
	}
	return nil
}

func hasRequestBody(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func hasResponseBody(method string) bool {
	switch method {
	case http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
