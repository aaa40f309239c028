// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linkdata/msgtun"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RenderRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/a?b=c", nil)
	req.Header.Set("X-B", "2")
	req.Header.Add("X-A", "1")
	req.Header.Add("X-A", "3")
	req.ContentLength = 4
	assert.Equal(t, "POST /a?b=c\nX-A: 1, 3\nX-B: 2\nContent-Length: 4\n\nbody", renderRequest(req, []byte("body")))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.ContentLength = -1
	assert.Equal(t, "GET /\n", renderRequest(req, nil))
}

func Test_EchoHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	echoHandler{log: zerolog.Nop()}.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/x", strings.NewReader("data")))
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "PUT /x\nContent-Length: 4\n\ndata", rec.Body.String())
}

func Test_Endpoint_ServePort(t *testing.T) {
	relay := msgtun.NewRelay(nil)
	local, remote := msgtun.NewPipe()
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.ServePort(remote)
	}()

	ep := &endpoint{key: "echo", handler: echoHandler{log: zerolog.Nop()}, log: zerolog.Nop()}
	epDone := make(chan struct{})
	go func() {
		defer close(epDone)
		ep.ServePort(local)
	}()
	require.Eventually(t, func() bool { return relay.Directory.Len() == 1 }, time.Second*5, time.Millisecond*10)

	ctx := context.Background()
	port, ok := relay.Directory.LookupKey("echo")
	require.True(t, ok)
	conn, err := msgtun.Connect(ctx, port, msgtun.ConnectParams{Type: msgtun.ConnectTypeHTTP, Key: "echo"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, "http://gw/~echo/hi", nil)
	require.NoError(t, err)
	resp, err := msgtun.SendHTTPRequest(ctx, conn, req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	conn.Close()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "GET /~echo/hi\n"), string(body))

	local.Close()
	<-epDone
	<-relayDone
	assert.Eventually(t, func() bool { return relay.Directory.Len() == 0 }, time.Second*5, time.Millisecond*10)
}
