// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type muxerFrameHandler func(*Muxer, FrameData) error

var muxerFrameHandlers = map[FrameType]muxerFrameHandler{
	FrameTypeMessage: muxerMessageHandler,
	FrameTypeClose:   muxerCloseHandler,
	FrameTypePing:    muxerPingHandler,
	FrameTypePong:    muxerPongHandler,
	FrameTypePanic:   muxerPanicHandler,
}

var muxerSerial atomic.Uint32

// Muxer carries any number of Ports over a single byte stream.
// Both sides have a root Port with PortID 0. Ports transferred in
// messages get PortIDs allocated by the sending side, odd ones
// by the dialer and even ones by the acceptor.
type Muxer struct {
	io.ReadWriteCloser // the byte stream
	StatsCollector     // optional, receives byte counts

	dialer  bool
	id      uint32
	log     zerolog.Logger
	writeCh chan FrameData
	done    chan struct{}
	readers sync.WaitGroup
	netLog  atomic.Bool

	pingSent atomic.Int64 // unix nanoseconds
	pongRcvd atomic.Int64 // unix nanoseconds
	rtt      atomic.Int64

	mu     sync.Mutex // guards ports and lastID
	ports  map[PortID]*muxPort
	lastID PortID
	root   *muxPort
}

// NewMuxer creates a new Muxer on rwc. The dialer flag must be set on
// exactly one side of the connection.
func NewMuxer(rwc io.ReadWriteCloser, dialer bool) *Muxer {
	mux := &Muxer{
		ReadWriteCloser: rwc,
		dialer:          dialer,
		id:              muxerSerial.Add(1),
		writeCh:         make(chan FrameData),
		done:            make(chan struct{}),
		ports:           make(map[PortID]*muxPort),
		lastID:          RootPortID,
	}
	if dialer {
		mux.lastID++
	}
	mux.log = componentLogger("muxer").With().Uint32("muxer", mux.id).Logger()
	mux.root = newMuxPort(mux, RootPortID)
	mux.ports[RootPortID] = mux.root
	return mux
}

func (mux *Muxer) String() string {
	return fmt.Sprintf("[Muxer %x]", mux.id)
}

// Port returns the root Port.
func (mux *Muxer) Port() Port {
	return mux.root
}

// NetLog enables or disables trace logging of network frames.
func (mux *Muxer) NetLog(state bool) {
	mux.netLog.Store(state)
}

func (mux *Muxer) logFrame(dir string, fd FrameData) {
	if mux.netLog.Load() {
		mux.log.Trace().Str("dir", dir).Stringer("frame", fd).Send()
	}
}

// allocPort registers a new port with a locally allocated PortID.
func (mux *Muxer) allocPort() (*muxPort, error) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if mux.isClosed() {
		return nil, errors.WithStack(ErrPortClosed)
	}
	next := mux.lastID + 2
	if next > MaxPortID || next < mux.lastID {
		return nil, errors.Errorf("%v out of port IDs", mux)
	}
	mux.lastID = next
	mp := newMuxPort(mux, next)
	mux.ports[next] = mp
	return mp, nil
}

// isPeerID returns true if id is one the peer allocates.
func (mux *Muxer) isPeerID(id PortID) bool {
	return id != RootPortID && (id%2 == 1) != mux.dialer
}

func (mux *Muxer) forget(id PortID) {
	mux.mu.Lock()
	delete(mux.ports, id)
	mux.mu.Unlock()
}

// ActivePorts returns the number of open ports, including the root Port.
func (mux *Muxer) ActivePorts() int {
	mux.mu.Lock()
	n := len(mux.ports)
	mux.mu.Unlock()
	return n
}

// write queues fd for the writer goroutine, taking ownership of it.
func (mux *Muxer) write(fd FrameData) error {
	select {
	case mux.writeCh <- fd:
		return nil
	case <-mux.done:
		FrameDataFree(fd)
		return errors.WithStack(serverClosedError{})
	}
}

func muxerMessageHandler(mux *Muxer, fd FrameData) error {
	defer FrameDataFree(fd)
	fp := NewFrameParser(fd)
	ids, data, err := fp.ReadMessage()
	if err != nil {
		return err
	}
	target, ports, err := mux.acceptPorts(fd.Header().PortID(), ids)
	if err != nil {
		return err
	}
	if target == nil || target.in.post(Message{Data: data, Ports: ports}) != nil {
		mux.log.Debug().Stringer("port", fd.Header().PortID()).Msg("dropping message for closed port")
		for _, p := range ports {
			p.Close()
		}
	}
	return nil
}

// acceptPorts registers the ports the peer transferred and looks up
// the port the message is addressed to.
func (mux *Muxer) acceptPorts(to PortID, ids []PortID) (target *muxPort, ports []Port, err error) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	ports = make([]Port, 0, len(ids))
	for _, id := range ids {
		if _, exists := mux.ports[id]; exists || !mux.isPeerID(id) {
			return nil, nil, errors.Wrapf(ProtocolError{}, "%v transferred %v is invalid", mux, id)
		}
		mp := newMuxPort(mux, id)
		mux.ports[id] = mp
		ports = append(ports, mp)
	}
	return mux.ports[to], ports, nil
}

func muxerCloseHandler(mux *Muxer, fd FrameData) error {
	id := fd.Header().PortID()
	FrameDataFree(fd)
	mux.mu.Lock()
	mp := mux.ports[id]
	delete(mux.ports, id)
	mux.mu.Unlock()
	if mp != nil {
		mp.closeRemote()
	}
	return nil
}

// muxerPingHandler echoes the ping payload back as a pong.
func muxerPingHandler(mux *Muxer, fd FrameData) error {
	fd.Header().SetType(FrameTypePong)
	return mux.write(fd)
}

func muxerPongHandler(mux *Muxer, fd FrameData) error {
	defer FrameDataFree(fd)
	now := time.Now().UnixNano()
	mux.pongRcvd.Store(now)
	if !fd.Header().HasPayload() {
		return nil
	}
	fp := NewFrameParser(fd)
	if sent, err := fp.ReadInt64(); err == nil {
		mux.rtt.Store(now - sent)
	}
	return nil
}

func muxerPanicHandler(mux *Muxer, fd FrameData) error {
	defer FrameDataFree(fd)
	msg := "peer panicked"
	if fd.Header().HasPayload() {
		fp := NewFrameParser(fd)
		if s, err := fp.ReadString(); err == nil {
			msg = s
		}
	}
	return errors.Wrap(PanicError{}, msg)
}

// Ping queues a ping frame carrying the current time. The matching pong
// updates Latency.
func (mux *Muxer) Ping() {
	now := time.Now().UnixNano()
	mux.pingSent.Store(now)
	fd := FrameDataAllocID(RootPortID, FrameTypePing)
	fd.WriteInt64(now)
	if fd.SetSizeValue() != nil {
		FrameDataFree(fd)
		return
	}
	_ = mux.write(fd)
}

// Latency returns the round trip time measured by the most recent Ping,
// or zero if no pong has arrived since it was sent.
func (mux *Muxer) Latency() time.Duration {
	sent := mux.pingSent.Load()
	if sent == 0 || mux.pongRcvd.Load() < sent {
		return 0
	}
	return time.Duration(mux.rtt.Load())
}

// byteCounter batches byte counts before handing them to a report function.
type byteCounter struct {
	pending int64
	report  func(int64)
}

func (bc *byteCounter) add(n int64) {
	bc.pending += n
	if bc.pending > int64(FrameBufferSize) {
		bc.flush()
	}
}

func (bc *byteCounter) flush() {
	if bc.report != nil && bc.pending > 0 {
		bc.report(bc.pending)
	}
	bc.pending = 0
}

func (mux *Muxer) readCounter() *byteCounter {
	bc := &byteCounter{}
	if mux.StatsCollector != nil {
		bc.report = mux.StatsCollector.AddBytesRead
	}
	return bc
}

func (mux *Muxer) writeCounter() *byteCounter {
	bc := &byteCounter{}
	if mux.StatsCollector != nil {
		bc.report = mux.StatsCollector.AddBytesWritten
	}
	return bc
}

func (mux *Muxer) startReader() bool {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if mux.isClosed() {
		return false
	}
	mux.readers.Add(1)
	return true
}

// ReadFrom implements io.ReaderFrom. It reads and dispatches frames from r
// until r fails or a frame violates the protocol.
func (mux *Muxer) ReadFrom(r io.Reader) (n int64, err error) {
	if !mux.startReader() {
		return
	}
	defer mux.readers.Done()
	counter := mux.readCounter()
	defer counter.flush()

	for {
		fd := FrameDataAlloc()
		m, rerr := fd.ReadFrom(r)
		n += m
		counter.add(m)
		if rerr != nil {
			FrameDataFree(fd)
			return n, rerr
		}
		mux.logFrame("READ", fd)
		if err = mux.dispatch(fd); err != nil {
			return
		}
	}
}

func (mux *Muxer) dispatch(fd FrameData) error {
	handler := muxerFrameHandlers[fd.Header().Type()]
	if handler == nil {
		err := errors.Wrapf(ProtocolError{}, "%v unknown frame %v", mux, fd.Header())
		FrameDataFree(fd)
		return err
	}
	return handler(mux, fd)
}

// WriteTo implements io.WriterTo. It writes queued frames to w until the
// Muxer closes or a write fails. If w has a Flush method, it is called
// whenever the queue runs dry.
func (mux *Muxer) WriteTo(w io.Writer) (n int64, err error) {
	fl, _ := w.(interface{ Flush() error })
	counter := mux.writeCounter()
	defer counter.flush()

	for {
		var fd FrameData
		select {
		case fd = <-mux.writeCh:
		default:
			if fl != nil {
				if err = fl.Flush(); err != nil {
					return
				}
			}
			counter.flush()
			select {
			case fd = <-mux.writeCh:
			case <-mux.done:
				return n, errors.WithStack(serverClosedError{})
			}
		}
		mux.logFrame("WRIT", fd)
		m, werr := fd.WriteTo(w)
		FrameDataFree(fd)
		n += m
		counter.add(m)
		if werr != nil {
			return n, werr
		}
	}
}

func (mux *Muxer) isClosed() bool {
	select {
	case <-mux.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the Muxer closes.
func (mux *Muxer) Done() <-chan struct{} {
	return mux.done
}

// Serve reads and writes frames until the Muxer is closed or the byte
// stream fails. It returns nil on a local Close or a clean EOF.
func (mux *Muxer) Serve() error {
	var (
		once          sync.Once
		closedLocally bool
		first         error
		g             errgroup.Group
	)
	// whichever side stops first closes the Muxer, stopping the other
	stop := func(err error) error {
		once.Do(func() {
			closedLocally = mux.isClosed()
			first = err
			if cerr := mux.Close(); cerr != nil && (err == nil || isClosedError(err)) {
				first = cerr
			}
		})
		return err
	}
	g.Go(func() error {
		_, err := mux.ReadFrom(bufio.NewReaderSize(mux.ReadWriteCloser, FrameBufferSize))
		return stop(err)
	})
	g.Go(func() error {
		_, err := mux.WriteTo(bufio.NewWriterSize(mux.ReadWriteCloser, FrameBufferSize))
		return stop(err)
	})
	err := g.Wait()
	if first != nil {
		err = first
	}
	if closedLocally || err == io.EOF || isClosedError(err) {
		return nil
	}
	return err
}

// Close closes the Muxer and the underlying byte stream, closing all its ports.
func (mux *Muxer) Close() error {
	mux.mu.Lock()
	if mux.isClosed() {
		mux.mu.Unlock()
		return nil
	}
	close(mux.done)
	ports := mux.ports
	mux.ports = make(map[PortID]*muxPort)
	mux.mu.Unlock()

	// the reader stops with an error once the stream is closed
	err := mux.ReadWriteCloser.Close()
	mux.readers.Wait()
	for _, mp := range ports {
		mp.in.close()
	}
	return err
}
