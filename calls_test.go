// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Calls_CallChannel(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	defer a.Close()
	stop := HandleChannelCalls(b, "ECHO", func(ctx context.Context, params json.RawMessage, ports []Port) (any, error) {
		return params, nil
	})
	defer stop()

	res, err := CallChannel(context.Background(), a, "ECHO", map[string]string{"x": "y"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":"y"}`, string(res))
}

func Test_Calls_OnlyMatchingType(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	defer a.Close()
	stopOne := HandleChannelCalls(b, "ONE", func(ctx context.Context, params json.RawMessage, ports []Port) (any, error) {
		return 1, nil
	})
	defer stopOne()
	stopTwo := HandleChannelCalls(b, "TWO", func(ctx context.Context, params json.RawMessage, ports []Port) (any, error) {
		return 2, nil
	})
	defer stopTwo()

	res, err := CallChannel(context.Background(), a, "TWO", nil)
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(res))
	res, err = CallChannel(context.Background(), a, "ONE", nil)
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(res))
}

func Test_Calls_Error(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	defer a.Close()
	stop := HandleChannelCalls(b, "FAIL", func(ctx context.Context, params json.RawMessage, ports []Port) (any, error) {
		return nil, ErrForbidden("nope")
	})
	defer stop()

	_, err := CallChannel(context.Background(), a, "FAIL", nil)
	require.Error(t, err)
	assert.Equal(t, 403, HTTPErrorFrom(err).Status)
	assert.Equal(t, "nope", err.Error())
}

func Test_Calls_Panic(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	defer a.Close()
	stop := HandleChannelCalls(b, "PANIC", func(ctx context.Context, params json.RawMessage, ports []Port) (any, error) {
		panic("boom")
	})
	defer stop()

	_, err := CallChannel(context.Background(), a, "PANIC", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func Test_Calls_TransfersExtraPorts(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	defer a.Close()
	stop := HandleChannelCalls(b, "PORTS", func(ctx context.Context, params json.RawMessage, ports []Port) (any, error) {
		for _, p := range ports {
			p.Close()
		}
		return len(ports), nil
	})
	defer stop()

	_, remote := NewPipe()
	res, err := CallChannel(context.Background(), a, "PORTS", nil, remote)
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(res))
}

func Test_Calls_ContextCancel(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	defer a.Close()
	stop := HandleChannelCalls(b, "SLOW", func(ctx context.Context, params json.RawMessage, ports []Port) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	_, err := CallChannel(ctx, a, "SLOW", nil)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	stop()
}

func Test_Calls_ClosedPort(t *testing.T) {
	defer leaktest.Check(t)()
	a, _ := NewPipe()
	a.Close()
	_, err := CallChannel(context.Background(), a, "ANY", nil)
	assert.True(t, IsPortClosed(err))
}
