// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectMessages(p Port, n int) <-chan Message {
	ch := make(chan Message, n)
	p.AddListener(func(msg Message) { ch <- msg })
	return ch
}

func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second * 5):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func waitDone(t *testing.T, p Port) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(time.Second * 5):
		t.Fatal("timeout waiting for port to close")
	}
}

func Test_Pipe_QueuesUntilStart(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	defer a.Close()
	require.NoError(t, a.PostMessage([]byte("one")))
	require.NoError(t, a.PostMessage([]byte("two")))
	ch := collectMessages(b, 2)
	select {
	case <-ch:
		t.Fatal("delivered before Start")
	case <-time.After(time.Millisecond * 20):
	}
	require.NoError(t, b.Start())
	assert.Equal(t, "one", string(recvMessage(t, ch).Data))
	assert.Equal(t, "two", string(recvMessage(t, ch).Data))
}

func Test_Pipe_CopiesData(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	defer a.Close()
	ch := collectMessages(b, 1)
	require.NoError(t, b.Start())
	data := []byte("abc")
	require.NoError(t, a.PostMessage(data))
	data[0] = 'x'
	assert.Equal(t, "abc", string(recvMessage(t, ch).Data))
}

func Test_Pipe_TransfersPorts(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	defer a.Close()
	c, d := NewPipe()
	defer c.Close()
	ch := collectMessages(b, 1)
	require.NoError(t, b.Start())
	require.NoError(t, a.PostMessage(nil, d))
	msg := recvMessage(t, ch)
	require.Len(t, msg.Ports, 1)
	assert.Equal(t, d, msg.Ports[0])
}

func Test_Pipe_ListenersRemoved(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	defer a.Close()
	first := make(chan Message, 2)
	second := make(chan Message, 2)
	remove := b.AddListener(func(msg Message) { first <- msg })
	b.AddListener(func(msg Message) { second <- msg })
	require.NoError(t, b.Start())
	require.NoError(t, a.PostMessage([]byte("1")))
	recvMessage(t, first)
	recvMessage(t, second)
	remove()
	require.NoError(t, a.PostMessage([]byte("2")))
	assert.Equal(t, "2", string(recvMessage(t, second).Data))
	assert.Len(t, first, 0)
}

func Test_Pipe_CloseDrainsPeer(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	ch := collectMessages(b, 3)
	require.NoError(t, a.PostMessage([]byte("1")))
	require.NoError(t, a.PostMessage([]byte("2")))
	require.NoError(t, a.Close())
	assert.True(t, IsPortClosed(a.PostMessage([]byte("3"))))
	waitDone(t, a)
	require.NoError(t, b.Start())
	assert.Equal(t, "1", string(recvMessage(t, ch).Data))
	assert.Equal(t, "2", string(recvMessage(t, ch).Data))
	waitDone(t, b)
	assert.True(t, IsPortClosed(b.PostMessage([]byte("x"))))
	assert.NoError(t, b.Close())
	assert.NoError(t, a.Close())
}

func Test_Pipe_StartAfterClose(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := NewPipe()
	a.Close()
	assert.True(t, IsPortClosed(a.Start()))
	waitDone(t, b)
	assert.Contains(t, a.(interface{ String() string }).String(), "[Pipe ")
}
