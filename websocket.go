// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// wsConn adapts a websocket connection to an io.ReadWriteCloser
// carrying Muxer frames in binary messages.
type wsConn struct {
	ws      *websocket.Conn
	r       io.Reader
	writeMu sync.Mutex
	once    sync.Once
}

// NewWebsocketConn returns an io.ReadWriteCloser suitable for NewMuxer.
func NewWebsocketConn(ws *websocket.Conn) io.ReadWriteCloser {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (n int, err error) {
	for {
		if c.r == nil {
			var mt int
			if mt, c.r, err = c.ws.NextReader(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = io.EOF
				}
				return
			}
			if mt != websocket.BinaryMessage {
				c.r = nil
				return 0, errors.Wrap(ProtocolError{}, "websocket message is not binary")
			}
		}
		if n, err = c.r.Read(p); err == io.EOF {
			c.r = nil
			err = nil
			if n == 0 {
				continue
			}
		}
		return
	}
}

func (c *wsConn) Write(p []byte) (n int, err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err = c.ws.WriteMessage(websocket.BinaryMessage, p); err == nil {
		n = len(p)
	}
	return
}

func (c *wsConn) Close() (err error) {
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return
}

// Upgrader is used to accept websocket tunnel connections.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  FrameBufferSize,
	WriteBufferSize: FrameBufferSize,
	Subprotocols:    []string{ProtocolVersion},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DialWebsocket opens a websocket tunnel connection to url.
func DialWebsocket(ctx context.Context, url string, header http.Header, timeout time.Duration) (io.ReadWriteCloser, error) {
	d := websocket.Dialer{
		ReadBufferSize:   FrameBufferSize,
		WriteBufferSize:  FrameBufferSize,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{ProtocolVersion},
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := d.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "websocket dial %q: %s", url, resp.Status)
		}
		return nil, errors.WithStack(err)
	}
	return NewWebsocketConn(ws), nil
}
