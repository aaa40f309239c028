// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textHandler(text string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, text+" "+r.URL.Path)
	})
}

func adapterGet(t *testing.T, port Port, url string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := SendHTTPRequest(context.Background(), port, req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func Test_Adapter_RegisterResolvesBelowRoot(t *testing.T) {
	a, err := NewAdapter("https://host/~key")
	require.NoError(t, err)
	assert.Equal(t, "https://host/~key/", a.RootURL())

	ep, err := a.Register("../../api", textHandler("api"))
	require.NoError(t, err)
	assert.Equal(t, "https://host/~key/api", ep.BaseURL)
	assert.Equal(t, "./api", ep.Prefix)
}

func Test_Adapter_Routes(t *testing.T) {
	defer leaktest.Check(t)()
	a, err := NewAdapter("https://host/~key/")
	require.NoError(t, err)
	api, err := a.Register("api", textHandler("api"))
	require.NoError(t, err)
	_, err = a.Register("/static/", textHandler("static"))
	require.NoError(t, err)

	local, remote := NewPipe()
	a.BindPort(remote)
	defer func() {
		a.Close()
		local.Close()
	}()

	code, body := adapterGet(t, local, "https://host/~key/api/items")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "api /~key/api/items", body)

	code, body = adapterGet(t, local, "https://host/~key/static/app.js")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "static /~key/static/app.js", body)

	code, _ = adapterGet(t, local, "https://host/~key/missing")
	assert.Equal(t, http.StatusNotFound, code)

	assert.True(t, api.Remove())
	code, _ = adapterGet(t, local, "https://host/~key/api/items")
	assert.Equal(t, http.StatusNotFound, code)
}

func Test_Adapter_RebindPort(t *testing.T) {
	defer leaktest.Check(t)()
	a, err := NewAdapter("http://host/")
	require.NoError(t, err)
	_, err = a.Register("x", textHandler("x"))
	require.NoError(t, err)

	l1, r1 := NewPipe()
	a.BindPort(r1)
	l2, r2 := NewPipe()
	a.BindPort(r2)
	defer func() {
		a.Close()
		l1.Close()
		l2.Close()
	}()

	code, body := adapterGet(t, l2, "http://host/x")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "x /x", body)

	select {
	case <-r1.Done():
	case <-time.After(time.Second * 5):
		t.Fatal("replaced port still open")
	}
	assert.Error(t, l1.PostMessage([]byte("late")))
}
