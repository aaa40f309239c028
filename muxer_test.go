// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type muxerPair struct {
	a, b   *Muxer
	wg     sync.WaitGroup
	errA   error
	errB   error
	closed int32
}

func newMuxerPair(t *testing.T) *muxerPair {
	c1, c2 := net.Pipe()
	mp := &muxerPair{a: NewMuxer(c1, true), b: NewMuxer(c2, false)}
	mp.wg.Add(2)
	go func() {
		defer mp.wg.Done()
		mp.errA = mp.a.Serve()
	}()
	go func() {
		defer mp.wg.Done()
		mp.errB = mp.b.Serve()
	}()
	return mp
}

func (mp *muxerPair) close() {
	if atomic.CompareAndSwapInt32(&mp.closed, 0, 1) {
		mp.a.Close()
		mp.b.Close()
		mp.wg.Wait()
	}
}

type countingStats struct {
	read, written int64
}

func (cs *countingStats) AddBytesRead(n int64)    { atomic.AddInt64(&cs.read, n) }
func (cs *countingStats) AddBytesWritten(n int64) { atomic.AddInt64(&cs.written, n) }

// rawPeer speaks the frame protocol directly to a Muxer.
type rawPeer struct {
	conn   net.Conn
	frames chan FrameData
}

func newRawPeer(t *testing.T, dialer bool) (*Muxer, *rawPeer, <-chan error) {
	c1, c2 := net.Pipe()
	mux := NewMuxer(c1, dialer)
	errCh := make(chan error, 1)
	go func() { errCh <- mux.Serve() }()
	rp := &rawPeer{conn: c2, frames: make(chan FrameData, 16)}
	go func() {
		defer close(rp.frames)
		for {
			fd := NewFrameData()
			if _, err := fd.ReadFrom(c2); err != nil {
				return
			}
			rp.frames <- fd
		}
	}()
	return mux, rp, errCh
}

func (rp *rawPeer) send(t *testing.T, id PortID, ft FrameType, payload func(fd *FrameData)) {
	t.Helper()
	fd := FrameDataAllocID(id, ft)
	if payload != nil {
		payload(&fd)
	}
	require.NoError(t, fd.SetSizeValue())
	_, err := fd.WriteTo(rp.conn)
	require.NoError(t, err)
}

func (rp *rawPeer) recv(t *testing.T) FrameData {
	t.Helper()
	select {
	case fd := <-rp.frames:
		require.NotNil(t, fd)
		return fd
	case <-time.After(time.Second * 5):
		t.Fatal("timeout waiting for frame")
	}
	return nil
}

func waitServe(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(time.Second * 5):
		t.Fatal("timeout waiting for Serve")
	}
	return nil
}

func Test_Muxer_RootMessages(t *testing.T) {
	defer leaktest.Check(t)()
	mp := newMuxerPair(t)
	defer mp.close()

	chB := collectMessages(mp.b.Port(), 2)
	require.NoError(t, mp.b.Port().Start())
	chA := collectMessages(mp.a.Port(), 1)
	require.NoError(t, mp.a.Port().Start())

	require.NoError(t, mp.a.Port().PostMessage([]byte("one")))
	require.NoError(t, mp.a.Port().PostMessage([]byte("two")))
	require.NoError(t, mp.b.Port().PostMessage([]byte("back")))
	assert.Equal(t, "one", string(recvMessage(t, chB).Data))
	assert.Equal(t, "two", string(recvMessage(t, chB).Data))
	assert.Equal(t, "back", string(recvMessage(t, chA).Data))
}

func Test_Muxer_Invoker(t *testing.T) {
	defer leaktest.Check(t)()
	mp := newMuxerPair(t)
	defer mp.close()

	client := NewInvoker(mp.a.Port(), nil)
	server := NewInvoker(mp.b.Port(), addHandler)
	require.NoError(t, client.Start())
	require.NoError(t, server.Start())
	defer server.Close()
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Invoke(context.Background(), addRequest{A: i, B: i})
			if assert.NoError(t, err) {
				var sum int
				assert.NoError(t, json.Unmarshal(res, &sum))
				assert.Equal(t, 2*i, sum)
			}
		}(i)
	}
	wg.Wait()
}

func Test_Muxer_TransfersPorts(t *testing.T) {
	defer leaktest.Check(t)()
	mp := newMuxerPair(t)
	defer mp.close()

	stop := HandleChannelCalls(mp.b.Port(), "ECHO", func(ctx context.Context, params json.RawMessage, ports []Port) (any, error) {
		if len(ports) != 1 {
			return nil, errors.New("want one port")
		}
		return "ok", ports[0].PostMessage([]byte("ping"))
	})
	defer stop()

	local, remote := NewPipe()
	ch := collectMessages(local, 1)
	require.NoError(t, local.Start())
	res, err := CallChannel(context.Background(), mp.a.Port(), "ECHO", nil, remote)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(res))
	assert.Equal(t, "ping", string(recvMessage(t, ch).Data))

	local.Close()
	assert.Eventually(t, func() bool {
		return mp.a.ActivePorts() == 1 && mp.b.ActivePorts() == 1
	}, time.Second*5, time.Millisecond*10)
}

func Test_Muxer_ReTransfer(t *testing.T) {
	defer leaktest.Check(t)()
	mp := newMuxerPair(t)
	defer mp.close()

	// b sends the port it received back to a, which must still reach the original owner.
	chB := collectMessages(mp.b.Port(), 1)
	require.NoError(t, mp.b.Port().Start())
	chA := collectMessages(mp.a.Port(), 1)
	require.NoError(t, mp.a.Port().Start())

	local, remote := NewPipe()
	got := collectMessages(local, 1)
	require.NoError(t, local.Start())
	defer local.Close()
	require.NoError(t, mp.a.Port().PostMessage([]byte("take"), remote))
	msg := recvMessage(t, chB)
	require.Len(t, msg.Ports, 1)
	require.NoError(t, mp.b.Port().PostMessage([]byte("return"), msg.Ports[0]))
	back := recvMessage(t, chA)
	require.Len(t, back.Ports, 1)
	require.NoError(t, back.Ports[0].PostMessage([]byte("round trip")))
	assert.Equal(t, "round trip", string(recvMessage(t, got).Data))
}

func Test_Muxer_PortClose(t *testing.T) {
	defer leaktest.Check(t)()
	mp := newMuxerPair(t)
	defer mp.close()

	chB := collectMessages(mp.b.Port(), 1)
	require.NoError(t, mp.b.Port().Start())
	local, remote := NewPipe()
	require.NoError(t, mp.a.Port().PostMessage(nil, remote))
	msg := recvMessage(t, chB)
	require.Len(t, msg.Ports, 1)
	assert.Equal(t, 2, mp.b.ActivePorts())

	require.NoError(t, msg.Ports[0].Close())
	waitDone(t, local)
	assert.Error(t, msg.Ports[0].PostMessage([]byte("late")))
	assert.Eventually(t, func() bool { return mp.a.ActivePorts() == 1 }, time.Second*5, time.Millisecond*10)
}

func Test_Muxer_CloseClosesPorts(t *testing.T) {
	defer leaktest.Check(t)()
	mp := newMuxerPair(t)

	chB := collectMessages(mp.b.Port(), 1)
	require.NoError(t, mp.b.Port().Start())
	local, remote := NewPipe()
	require.NoError(t, mp.a.Port().PostMessage(nil, remote))
	msg := recvMessage(t, chB)
	require.Len(t, msg.Ports, 1)

	require.NoError(t, mp.a.Close())
	waitDone(t, local)
	waitDone(t, mp.a.Port())
	waitDone(t, mp.b.Port())
	waitDone(t, msg.Ports[0])
	mp.close()
	assert.NoError(t, mp.errA)
	assert.NoError(t, mp.errB)
	assert.True(t, IsPortClosed(mp.a.Port().PostMessage(nil)))
	_, err := mp.a.allocPort()
	assert.True(t, IsPortClosed(err))
}

func Test_Muxer_HTTP(t *testing.T) {
	defer leaktest.Check(t)()
	mp := newMuxerPair(t)
	defer mp.close()

	stop := HandleHTTPRequests(mp.b.Port(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		io.WriteString(w, strings.Repeat(string(b), 3))
	}))
	defer stop()

	body := strings.Repeat("x", DefaultChunkSize+100)
	req, err := http.NewRequest(http.MethodPost, "http://host/", strings.NewReader(body))
	require.NoError(t, err)
	resp, err := SendHTTPRequest(context.Background(), mp.a.Port(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat(body, 3), string(got))
}

func Test_Muxer_PingLatency(t *testing.T) {
	defer leaktest.Check(t)()
	mp := newMuxerPair(t)
	defer mp.close()

	assert.Equal(t, time.Duration(0), mp.a.Latency())
	mp.a.Ping()
	assert.Eventually(t, func() bool { return mp.a.Latency() > 0 }, time.Second*5, time.Millisecond*5)
}

func Test_Muxer_Stats(t *testing.T) {
	defer leaktest.Check(t)()
	c1, c2 := net.Pipe()
	a, b := NewMuxer(c1, true), NewMuxer(c2, false)
	statsA, statsB := &countingStats{}, &countingStats{}
	a.StatsCollector = statsA
	b.StatsCollector = statsB
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.Serve() }()
	go func() { defer wg.Done(); b.Serve() }()

	ch := collectMessages(b.Port(), 1)
	require.NoError(t, b.Port().Start())
	require.NoError(t, a.Port().PostMessage([]byte("0123456789")))
	recvMessage(t, ch)
	a.Close()
	wg.Wait()

	frameSize := int64(FrameHeaderSize + 2 + 10)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&statsA.written), frameSize)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&statsB.read), frameSize)
}

func Test_Muxer_UnknownFrameType(t *testing.T) {
	defer leaktest.Check(t)()
	mux, rp, errCh := newRawPeer(t, false)
	defer rp.conn.Close()
	rp.send(t, RootPortID, FrameType(0x7f), nil)
	err := waitServe(t, errCh)
	assert.Equal(t, ProtocolError{}, errors.Cause(err))
	waitDone(t, mux.Port())
}

func Test_Muxer_InvalidTransferID(t *testing.T) {
	defer leaktest.Check(t)()
	mux, rp, errCh := newRawPeer(t, false)
	defer rp.conn.Close()
	// an acceptor expects odd IDs from its peer
	rp.send(t, RootPortID, FrameTypeMessage, func(fd *FrameData) {
		require.NoError(t, fd.WriteMessage([]PortID{2}, nil))
	})
	err := waitServe(t, errCh)
	assert.Equal(t, ProtocolError{}, errors.Cause(err))
	assert.True(t, mux.isClosed())
}

func Test_Muxer_DuplicateTransferID(t *testing.T) {
	defer leaktest.Check(t)()
	_, rp, errCh := newRawPeer(t, false)
	defer rp.conn.Close()
	rp.send(t, RootPortID, FrameTypeMessage, func(fd *FrameData) {
		require.NoError(t, fd.WriteMessage([]PortID{3, 3}, nil))
	})
	err := waitServe(t, errCh)
	assert.Equal(t, ProtocolError{}, errors.Cause(err))
}

func Test_Muxer_PeerPanic(t *testing.T) {
	defer leaktest.Check(t)()
	_, rp, errCh := newRawPeer(t, true)
	defer rp.conn.Close()
	rp.send(t, RootPortID, FrameTypePanic, func(fd *FrameData) {
		require.NoError(t, fd.WriteString("out of cheese"))
	})
	err := waitServe(t, errCh)
	assert.Equal(t, PanicError{}, errors.Cause(err))
	assert.Contains(t, err.Error(), "out of cheese")
}

func Test_Muxer_PingAnswered(t *testing.T) {
	defer leaktest.Check(t)()
	mux, rp, errCh := newRawPeer(t, true)
	rp.send(t, RootPortID, FrameTypePing, func(fd *FrameData) {
		fd.WriteInt64(12345)
	})
	fd := rp.recv(t)
	assert.Equal(t, FrameTypePong, fd.Header().Type())
	fp := NewFrameParser(fd)
	v, err := fp.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(12345), v)
	mux.Close()
	assert.NoError(t, waitServe(t, errCh))
}

func Test_Muxer_MessageForClosedPort(t *testing.T) {
	defer leaktest.Check(t)()
	mux, rp, errCh := newRawPeer(t, false)
	rp.send(t, PortID(99), FrameTypeMessage, func(fd *FrameData) {
		require.NoError(t, fd.WriteMessage([]PortID{5}, []byte("lost")))
	})
	fd := rp.recv(t)
	assert.Equal(t, FrameTypeClose, fd.Header().Type())
	assert.Equal(t, PortID(5), fd.Header().PortID())
	assert.Equal(t, 1, mux.ActivePorts())
	rp.conn.Close()
	assert.NoError(t, waitServe(t, errCh))
}

func Test_Muxer_RemoteCloseOfRoot(t *testing.T) {
	defer leaktest.Check(t)()
	mux, rp, errCh := newRawPeer(t, false)
	ch := collectMessages(mux.Port(), 1)
	require.NoError(t, mux.Port().Start())
	rp.send(t, RootPortID, FrameTypeMessage, func(fd *FrameData) {
		require.NoError(t, fd.WriteMessage(nil, []byte("last words")))
	})
	rp.send(t, RootPortID, FrameTypeClose, nil)
	assert.Equal(t, "last words", string(recvMessage(t, ch).Data))
	waitDone(t, mux.Port())
	mux.Close()
	assert.NoError(t, waitServe(t, errCh))
}
