// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// ReverseProxy forwards requests no endpoint claims to an upstream HTTP server.
type ReverseProxy struct {
	*url.URL                        // Upstream server URL
	transports chan *http.Transport // available http.Transports
	all        []*http.Transport
	log        zerolog.Logger
}

// NewReverseProxy returns a ReverseProxy for the upstream server at u that
// keeps at most maxConnections requests in flight, 512 if less than one.
func NewReverseProxy(u *url.URL, maxConnections int) *ReverseProxy {
	if maxConnections < 1 {
		maxConnections = 512
	}
	rp := &ReverseProxy{
		URL:        u,
		transports: make(chan *http.Transport, maxConnections),
		all:        make([]*http.Transport, maxConnections),
		log:        componentLogger("reverseproxy").With().Str("upstream", u.String()).Logger(),
	}
	for i := range rp.all {
		rp.all[i] = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DisableCompression:  true,
			MaxIdleConnsPerHost: 1,
		}
		rp.transports <- rp.all[i]
	}
	return rp
}

// dropConnectionClose removes Keep-Alive and any "close" Connection tokens
// so the upstream connection can be reused.
func dropConnectionClose(h http.Header) {
	h.Del("Keep-Alive")
	kept := slices.DeleteFunc(h.Values("Connection"), func(v string) bool {
		return strings.EqualFold(v, "close")
	})
	h.Del("Connection")
	for _, v := range kept {
		h.Add("Connection", v)
	}
}

// ServeHTTP forwards req to the upstream server and copies back the response.
func (rp *ReverseProxy) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	outreq := req.Clone(req.Context())
	outreq.RequestURI = ""
	outreq.URL.Scheme = rp.URL.Scheme
	outreq.URL.Host = rp.URL.Host
	outreq.Host = rp.URL.Host
	if req.ContentLength == 0 {
		outreq.Body = nil
	}
	dropConnectionClose(outreq.Header)

	var transport *http.Transport
	select {
	case transport = <-rp.transports:
	case <-req.Context().Done():
		rp.writeError(rw, req, ErrInternal("request cancelled"))
		return
	}
	res, err := transport.RoundTrip(outreq)
	rp.transports <- transport
	if err != nil {
		rp.log.Warn().Err(err).Str("url", outreq.URL.String()).Msg("round trip")
		rp.writeError(rw, req, &HTTPError{
			Status:     http.StatusBadGateway,
			StatusText: http.StatusText(http.StatusBadGateway),
			Message:    "Error 502: Bad Gateway",
			Reason:     err.Error(),
		})
		return
	}
	defer res.Body.Close()

	maps.Copy(rw.Header(), res.Header.Clone())
	rw.WriteHeader(res.StatusCode)
	if err = copyFlushing(rw, res.Body); err != nil {
		rp.log.Debug().Err(err).Str("url", outreq.URL.String()).Msg("copy body")
	}
}

func (rp *ReverseProxy) writeError(rw http.ResponseWriter, req *http.Request, he *HTTPError) {
	he.WriteResponse(rw, map[string]any{"url": req.URL.String()})
}

// CloseIdleConnections closes idle upstream connections.
func (rp *ReverseProxy) CloseIdleConnections() {
	for _, t := range rp.all {
		t.CloseIdleConnections()
	}
}
