// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Client dials a tunnel Server and keeps a Muxer connected to it.
type Client struct {
	Addr             string        // "host:port", "tcp://host:port" or a ws:// or wss:// URL
	DialTimeout      time.Duration // dialing timeout
	MaxRetryInterval time.Duration // upper bound of the reconnect delay
	MaxRetryCount    int           // reconnect attempts before Run gives up, unlimited if < 1
	Handler          PortHandler   // serves the root Port of each Muxer Run establishes
	Metrics          *Metrics      // optional
	mu               sync.Mutex    // protects those below
	mux              *Muxer
	closed           bool
	lastError        error
	lastAttempt      time.Time
	firstAttempt     time.Time
	log              zerolog.Logger
	logOnce          sync.Once
}

// NewClient returns a Client for the Server at addr. No network
// connection is made until one is needed.
func NewClient(addr string) *Client {
	return &Client{
		Addr:             addr,
		DialTimeout:      DefaultDialTimeout,
		MaxRetryInterval: time.Minute,
	}
}

func (c *Client) logger() *zerolog.Logger {
	c.logOnce.Do(func() {
		c.log = componentLogger("client").With().Str("addr", c.Addr).Logger()
	})
	return &c.log
}

func (c *Client) dialConn(ctx context.Context) (io.ReadWriteCloser, error) {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	if strings.HasPrefix(c.Addr, "ws://") || strings.HasPrefix(c.Addr, "wss://") {
		return DialWebsocket(ctx, c.Addr, nil, timeout)
	}
	d := net.Dialer{Timeout: timeout, KeepAlive: 3 * time.Minute}
	rwc, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(c.Addr, "tcp://"))
	return rwc, errors.WithStack(err)
}

// Dial connects a new Muxer to the Server and starts serving it.
// It replaces the current Muxer, if any.
func (c *Client) Dial(ctx context.Context) (*Muxer, error) {
	mux, err := c.dial(ctx)
	if err == nil {
		go c.serve(mux)
	}
	return mux, err
}

func (c *Client) dial(ctx context.Context) (*Muxer, error) {
	rwc, err := c.dialConn(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.closed {
		rwc.Close()
		err = errors.WithStack(serverClosedError{})
	}
	if err != nil {
		c.lastError = err
		c.lastAttempt = time.Now()
		if c.firstAttempt.IsZero() {
			c.firstAttempt = c.lastAttempt
		}
		return nil, err
	}
	c.lastError = nil
	c.lastAttempt = time.Time{}
	c.firstAttempt = time.Time{}
	mux := NewMuxer(rwc, true)
	if c.Metrics != nil {
		mux.StatsCollector = c.Metrics
	}
	if c.mux != nil {
		c.mux.Close()
	}
	c.mux = mux
	return mux, nil
}

// serve runs mux until it closes.
func (c *Client) serve(mux *Muxer) error {
	c.Metrics.MuxerStarted()
	defer c.Metrics.MuxerStopped()
	err := mux.Serve()
	c.mu.Lock()
	if c.mux == mux {
		c.mux = nil
	}
	c.mu.Unlock()
	return err
}

// Port returns the root Port of the current Muxer, dialing if there is none.
func (c *Client) Port(ctx context.Context) (Port, error) {
	c.mu.Lock()
	mux := c.mux
	c.mu.Unlock()
	if mux == nil {
		var err error
		if mux, err = c.Dial(ctx); err != nil {
			return nil, c.offlineError()
		}
	}
	return mux.Port(), nil
}

// Run keeps a Muxer connected until ctx is done or the Client is closed,
// reconnecting with exponential backoff. For every Muxer it establishes,
// Handler.ServePort is called with its root Port.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{Max: c.MaxRetryInterval}
	var connerr error
	for {
		if connerr != nil {
			attempt := int(b.Attempt())
			d := b.Duration()
			c.logger().Debug().Err(connerr).Int("attempt", attempt).Int("maxAttempt", c.MaxRetryCount).Msg("connection error")
			if c.MaxRetryCount > 0 && attempt >= c.MaxRetryCount {
				return c.offlineError()
			}
			c.logger().Info().Dur("delay", d).Msg("retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
			connerr = nil
		}
		if c.isClosed() {
			return nil
		}
		mux, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			connerr = err
			continue
		}
		c.logger().Info().Stringer("mux", mux).Msg("connected")
		b.Reset()
		if c.Handler != nil {
			go c.Handler.ServePort(mux.Port())
		}
		stop := context.AfterFunc(ctx, func() { mux.Close() })
		connerr = c.serve(mux)
		stop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connerr == nil {
			connerr = errors.New("disconnected")
		}
		c.mu.Lock()
		c.lastError = connerr
		c.mu.Unlock()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) offlineError() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err = c.lastError; err == nil {
		err = fmt.Errorf("upstream server unresponsive")
	}
	if c.firstAttempt != c.lastAttempt {
		err = fmt.Errorf("%v; no response for %v",
			err, time.Since(c.firstAttempt))
	}
	return
}

// Close closes the current Muxer and stops Run.
func (c *Client) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.mux != nil {
		err = c.mux.Close()
		c.mux = nil
	}
	return
}
