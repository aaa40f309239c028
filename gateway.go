// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Gateway receives HTTP requests and forwards those addressed to a
// registered endpoint through a new connection to it. The endpoint key is
// the URL path element following Separator. Requests without a key go to
// Fallback.
type Gateway struct {
	Directory *Directory[Port]
	Separator string       // Defaults to DefaultServiceSeparator
	Fallback  http.Handler // Serves requests without an endpoint key (optional)
	Metrics   *Metrics     // Where to report exchanges (optional)
	log       zerolog.Logger
}

// NewGateway returns a Gateway for the endpoints in dir.
func NewGateway(dir *Directory[Port], fallback http.Handler) *Gateway {
	return &Gateway{
		Directory: dir,
		Separator: DefaultServiceSeparator,
		Fallback:  fallback,
		log:       componentLogger("gateway"),
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	su := SplitServiceURL(RequestOptionsFrom(r).URL, g.Separator)

	var err error
	switch {
	case su.Key != "":
		err = g.forward(sw, r, su)
	case g.Fallback != nil:
		g.Fallback.ServeHTTP(sw, r)
	default:
		err = ErrResourceNotFound("no endpoint key in " + su.URL)
	}

	if err != nil {
		he := HTTPErrorFrom(err)
		if sw.status == 0 {
			he.WriteResponse(sw, su.Fields())
		}
		g.log.Debug().Err(err).Str("url", su.URL).Int("status", he.Status).Msg("forward")
	}
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	g.Metrics.ObserveExchange(r.Method, sw.status, time.Since(started))
}

func (g *Gateway) forward(w *statusWriter, r *http.Request, su ServiceURL) error {
	port, ok := g.Directory.LookupKey(su.Key)
	if !ok {
		return ErrResourceGone("endpoint not found: " + su.Key)
	}
	select {
	case <-port.Done():
		g.Directory.RemoveOnGone(su.Key)
		return ErrResourceGone("endpoint gone: " + su.Key)
	default:
	}

	conn, err := Connect(r.Context(), port, ConnectParams{Type: ConnectTypeHTTP, Key: su.Key})
	if err != nil {
		if IsPortClosed(err) {
			g.Directory.RemoveOnGone(su.Key)
			return ErrResourceGone("endpoint gone: " + su.Key)
		}
		return err
	}
	defer conn.Close()

	resp, err := SendHTTPRequest(r.Context(), conn, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if err = copyFlushing(w, resp.Body); err != nil {
		g.log.Debug().Err(err).Str("url", su.URL).Msg("response body")
	}
	return nil
}

// copyFlushing copies src to w, flushing after each read so streamed
// responses reach the client as they are produced.
func copyFlushing(w http.ResponseWriter, src io.Reader) error {
	f, _ := w.(http.Flusher)
	buf := make([]byte, DefaultChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return errors.WithStack(werr)
			}
			if f != nil {
				f.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
