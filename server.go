// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"io"
	"maps"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultMaxMuxers is the number of concurrent Muxers a Server allows
// if MaxMuxers is not set.
const DefaultMaxMuxers = 1024

// DefaultListenAddr is the TCP address a Server listens on if Addr is empty.
const DefaultListenAddr = ":10111"

// PortHandler serves the root Port of a Muxer. ServePort should return
// when the Port is closed.
type PortHandler interface {
	ServePort(port Port)
}

// PortHandlerFunc adapts a function to a PortHandler.
type PortHandlerFunc func(port Port)

// ServePort implements PortHandler.
func (f PortHandlerFunc) ServePort(port Port) { f(port) }

// Server accepts tunnel connections, over TCP or websockets, and
// creates Muxers for them.
type Server struct {
	Addr      string      // TCP address to listen on, DefaultListenAddr if empty
	Handler   PortHandler // serves the root Port of each Muxer
	MaxMuxers int         // maximum number of Muxers to allow
	Metrics   *Metrics    // optional

	bytesWritten atomic.Int64
	bytesRead    atomic.Int64

	initOnce sync.Once
	done     chan struct{}
	slots    chan struct{} // one token per running Muxer

	mu        sync.Mutex // guards the fields below
	listeners map[net.Listener]struct{}
	muxers    map[*Muxer]struct{}
	netLog    bool
	errCounts map[string]int
	log       zerolog.Logger
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		n := srv.MaxMuxers
		if n < 1 {
			n = DefaultMaxMuxers
		}
		srv.done = make(chan struct{})
		srv.slots = make(chan struct{}, n)
		srv.listeners = make(map[net.Listener]struct{})
		srv.muxers = make(map[*Muxer]struct{})
		srv.errCounts = make(map[string]int)
		srv.log = componentLogger("server")
	})
}

func (srv *Server) closed() bool {
	select {
	case <-srv.done:
		return true
	default:
		return false
	}
}

// Listen announces on the local TCP address, enabling keep-alives
// on accepted connections so dead ones eventually go away.
func (srv *Server) Listen(address string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: 3 * time.Minute}
	ln, err := lc.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	srv.Addr = ln.Addr().String()
	return ln, nil
}

// ListenAndServe listens on srv.Addr and then calls Serve.
func (srv *Server) ListenAndServe() error {
	addr := srv.Addr
	if addr == "" {
		addr = DefaultListenAddr
	}
	ln, err := srv.Listen(addr)
	if err != nil {
		return err
	}
	return srv.Serve(ln)
}

func (srv *Server) addListener(ln net.Listener) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed() {
		return false
	}
	srv.listeners[ln] = struct{}{}
	return true
}

func (srv *Server) removeListener(ln net.Listener) {
	srv.mu.Lock()
	delete(srv.listeners, ln)
	srv.mu.Unlock()
}

// Serve accepts incoming network connections on l, running a Muxer on
// each, until Close is called.
func (srv *Server) Serve(l net.Listener) error {
	srv.init()
	defer l.Close()
	if !srv.addListener(l) {
		return errors.WithStack(serverClosedError{})
	}
	defer srv.removeListener(l)

	srv.log.Info().Stringer("addr", l.Addr()).Msg("listening")
	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if srv.closed() {
				return errors.WithStack(serverClosedError{})
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				delay = min(max(delay*2, 5*time.Millisecond), time.Second)
				srv.log.Warn().Err(err).Dur("retry", delay).Msg("accept")
				time.Sleep(delay)
				continue
			}
			return errors.WithStack(err)
		}
		delay = 0
		go srv.ServeConn(conn)
	}
}

func (srv *Server) addMuxer(mux *Muxer) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed() {
		return false
	}
	mux.NetLog(srv.netLog)
	srv.muxers[mux] = struct{}{}
	return true
}

func (srv *Server) removeMuxer(mux *Muxer) {
	srv.mu.Lock()
	delete(srv.muxers, mux)
	srv.mu.Unlock()
}

// ServeConn runs a Muxer on rwc until it closes. If MaxMuxers are
// already running, it waits for one of them to stop.
func (srv *Server) ServeConn(rwc io.ReadWriteCloser) {
	srv.init()
	select {
	case srv.slots <- struct{}{}:
	case <-srv.done:
		rwc.Close()
		return
	}
	defer func() { <-srv.slots }()

	mux := NewMuxer(rwc, false)
	mux.StatsCollector = srv
	if !srv.addMuxer(mux) {
		mux.Close()
		return
	}
	defer srv.removeMuxer(mux)
	srv.Metrics.MuxerStarted()
	defer srv.Metrics.MuxerStopped()

	srv.log.Debug().Stringer("mux", mux).Msg("muxer started")
	if srv.Handler != nil {
		go srv.Handler.ServePort(mux.Port())
	}
	if err := mux.Serve(); err != nil {
		srv.log.Debug().Err(err).Stringer("mux", mux).Msg("muxer stopped")
		srv.mu.Lock()
		srv.errCounts[err.Error()]++
		srv.mu.Unlock()
	}
}

// ServeHTTP upgrades the request to a websocket and serves a Muxer on it.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.init()
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade")
		return
	}
	srv.ServeConn(NewWebsocketConn(ws))
}

// NetLog enables or disables trace logging of network frames,
// for current and future Muxers.
func (srv *Server) NetLog(state bool) {
	srv.init()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.netLog = state
	for mux := range srv.muxers {
		mux.NetLog(state)
	}
}

// ServeErrors returns how many Muxers stopped with each error text.
func (srv *Server) ServeErrors() map[string]int {
	srv.init()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return maps.Clone(srv.errCounts)
}

// Close immediately closes all listeners and active Muxers.
func (srv *Server) Close() (err error) {
	srv.init()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !srv.closed() {
		close(srv.done)
	}
	for ln := range srv.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = errors.WithStack(cerr)
		}
		delete(srv.listeners, ln)
	}
	for mux := range srv.muxers {
		mux.Close()
		delete(srv.muxers, mux)
	}
	return
}

// ActiveMuxers returns the number of running Muxers.
func (srv *Server) ActiveMuxers() int {
	srv.init()
	return len(srv.slots)
}

// AddBytesWritten implements StatsCollector.
func (srv *Server) AddBytesWritten(n int64) {
	srv.bytesWritten.Add(n)
	srv.Metrics.AddBytesWritten(n)
}

// BytesWritten returns the number of bytes written by all Muxers.
func (srv *Server) BytesWritten() int64 {
	return srv.bytesWritten.Load()
}

// AddBytesRead implements StatsCollector.
func (srv *Server) AddBytesRead(n int64) {
	srv.bytesRead.Add(n)
	srv.Metrics.AddBytesRead(n)
}

// BytesRead returns the number of bytes read by all Muxers.
func (srv *Server) BytesRead() int64 {
	return srv.bytesRead.Load()
}
