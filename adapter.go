// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Endpoint is a handler registered with an Adapter.
type Endpoint struct {
	BaseURL string
	Prefix  string
	reg     *Registration
}

// Remove unregisters the endpoint.
func (ep *Endpoint) Remove() bool {
	return ep.reg.Remove()
}

// Adapter routes tunnelled requests to handlers by URL prefix.
type Adapter struct {
	rootURL  *url.URL
	handlers Directory[http.Handler]
	mu       sync.Mutex // guards port and stop
	port     Port
	stop     func()
}

// NewAdapter returns an Adapter whose endpoints live below rootURL.
func NewAdapter(rootURL string) (*Adapter, error) {
	u, err := url.Parse(rootURL)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &Adapter{rootURL: u}, nil
}

// RootURL returns the URL all endpoints are resolved against.
func (a *Adapter) RootURL() string {
	return a.rootURL.String()
}

// Register serves requests below prefix with h. Leading dots and slashes
// in prefix are ignored, so the endpoint is always below the root URL.
// Registering the same prefix again replaces the handler.
func (a *Adapter) Register(prefix string, h http.Handler) (*Endpoint, error) {
	prefix = "./" + strings.TrimLeft(prefix, "./")
	ref, err := url.Parse(prefix)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	baseURL := a.rootURL.ResolveReference(ref).String()
	return &Endpoint{
		BaseURL: baseURL,
		Prefix:  prefix,
		reg:     a.handlers.Register(baseURL, h),
	}, nil
}

// ServeHTTP implements http.Handler.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, h, ok := a.handlers.Lookup(RequestOptionsFrom(r).URL); ok {
		h.ServeHTTP(w, r)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

// BindPort serves tunnelled requests arriving on port. A previously bound
// Port stops being served and is closed.
func (a *Adapter) BindPort(port Port) {
	stop := HandleHTTPRequests(port, a)
	a.mu.Lock()
	prevPort, prevStop := a.port, a.stop
	a.port, a.stop = port, stop
	a.mu.Unlock()
	if prevStop != nil {
		prevStop()
	}
	if prevPort != nil && prevPort != port {
		prevPort.Close()
	}
}

// Close stops serving the bound Port.
func (a *Adapter) Close() error {
	a.mu.Lock()
	stop := a.stop
	a.port, a.stop = nil, nil
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}
