// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// StreamState is the lifecycle state of a Stream.
type StreamState int32

const (
	// StreamActive streams send and receive values.
	StreamActive StreamState = iota
	// StreamTerminating streams are flushing their final frames.
	StreamTerminating
	// StreamClosed streams have closed their Invoker.
	StreamClosed
)

var streamStateTexts = map[StreamState]string{
	StreamActive:      "Active",
	StreamTerminating: "Terminating",
	StreamClosed:      "Closed",
}

func (st StreamState) String() string {
	if s, ok := streamStateTexts[st]; ok {
		return s
	}
	return fmt.Sprintf("StreamState(%d)", int32(st))
}

// StreamFrame is the request payload of each invocation made by a Stream.
type StreamFrame struct {
	Done  bool             `json:"done"`
	Value []byte           `json:"value,omitempty"`
	Error *SerializedError `json:"error,omitempty"`
}

type producer struct {
	cancel    context.CancelFunc
	src       Source
	closeOnce sync.Once
	flushed   chan struct{} // closed once the final frame is posted
}

// closeSource closes the producer's Source exactly once, whether SendAll
// finishes or the Stream is closed first.
func (p *producer) closeSource() {
	p.closeOnce.Do(func() { p.src.Close() })
}

// Stream sends and receives sequences of byte chunks over an Invoker,
// one invocation per chunk. The acknowledgement of a chunk is the only
// permission to send the next one, so at most one chunk is in flight.
type Stream struct {
	CloseTimeout time.Duration // How long Close waits for final frames, zero means DefaultCloseTimeout
	inv          *Invoker
	log          zerolog.Logger
	state        int32
	inbound      chan StreamFrame
	finished     chan struct{}
	finishOnce   sync.Once
	detached     chan struct{}
	detachOnce   sync.Once
	doneChan     chan struct{}
	startOnce    sync.Once
	mu           sync.Mutex // Guards the fields below
	final        *StreamFrame
	cause        error
	producers    map[*producer]struct{}
	closeOnce    sync.Once
	closeErr     error
}

// NewStream returns a Stream using port. The Stream owns the Port from now on.
func NewStream(port Port) *Stream {
	s := &Stream{
		inbound:   make(chan StreamFrame),
		finished:  make(chan struct{}),
		detached:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		producers: make(map[*producer]struct{}),
	}
	s.inv = NewInvoker(port, s.handle)
	s.log = componentLogger("stream").With().Uint32("invoker", s.inv.serialNumber).Logger()
	return s
}

func (s *Stream) String() string {
	return fmt.Sprintf("[Stream %x %v]", s.inv.serialNumber, s.State())
}

// State returns the current StreamState.
func (s *Stream) State() StreamState {
	return StreamState(atomic.LoadInt32(&s.state))
}

// Done returns a channel that is closed when the Stream starts terminating.
func (s *Stream) Done() <-chan struct{} {
	return s.doneChan
}

// Start starts receiving frames.
func (s *Stream) Start() (err error) {
	if err = s.inv.Start(); err == nil {
		s.startOnce.Do(func() { go s.watch() })
	}
	return
}

// watch terminates the Stream when the Port closes under it.
func (s *Stream) watch() {
	select {
	case <-s.inv.Port().Done():
	case <-s.doneChan:
		return
	}
	s.inv.waitHandlers()
	s.mu.Lock()
	if s.cause == nil {
		s.cause = errors.WithStack(ErrPortClosed)
	}
	s.mu.Unlock()
	s.Close()
}

func (s *Stream) handle(ctx context.Context, request json.RawMessage, ports []Port) (Result, error) {
	var f StreamFrame
	if err := json.Unmarshal(request, &f); err != nil {
		return Result{}, errors.Wrap(ProtocolError{}, err.Error())
	}
	if f.Done {
		s.finishOnce.Do(func() {
			s.mu.Lock()
			s.final = &f
			s.mu.Unlock()
			close(s.finished)
		})
		return Result{}, nil
	}
	select {
	case s.inbound <- f:
		return Result{}, nil
	case <-s.finished:
		return Result{}, errors.Wrap(ProtocolError{}, "value after end of stream")
	case <-s.detached:
	case <-s.doneChan:
	case <-ctx.Done():
	}
	return Result{}, errors.WithStack(ErrStreamClosed)
}

func (s *Stream) finalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final != nil && s.final.Error != nil {
		return DeserializeError(s.final.Error)
	}
	return io.EOF
}

func (s *Stream) terminalErr() error {
	select {
	case <-s.finished:
		return s.finalErr()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause != nil {
		return s.cause
	}
	return io.EOF
}

type streamReceiver struct {
	s   *Stream
	mu  sync.Mutex
	err error
}

// ReceiveAll returns the Source of values sent by the peer.
// A Stream has a single consumer.
func (s *Stream) ReceiveAll() Source {
	return &streamReceiver{s: s}
}

func (sr *streamReceiver) Next(ctx context.Context) ([]byte, error) {
	sr.mu.Lock()
	err := sr.err
	sr.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := sr.s
	select {
	case f := <-s.inbound:
		return f.Value, nil
	case <-s.finished:
		err = s.finalErr()
	case <-s.detached:
		err = errors.WithStack(ErrStreamClosed)
	case <-s.doneChan:
		err = s.terminalErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	sr.mu.Lock()
	if sr.err == nil {
		sr.err = err
	}
	err = sr.err
	sr.mu.Unlock()
	return nil, err
}

// Close detaches the consumer. Values arriving afterwards are rejected
// with ErrStreamClosed.
func (sr *streamReceiver) Close() error {
	sr.s.detachOnce.Do(func() { close(sr.s.detached) })
	return nil
}

func (s *Stream) addProducer(p *producer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StreamActive {
		return false
	}
	s.producers[p] = struct{}{}
	return true
}

func (s *Stream) removeProducer(p *producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producers, p)
}

// SendAll sends the values of src to the peer, waiting for each to be
// acknowledged before pulling the next, then sends the final frame.
// An error from src is forwarded to the peer in the final frame.
// It returns the peer's rejection if there was one.
func (s *Stream) SendAll(ctx context.Context, src Source) error {
	pctx, cancel := context.WithCancel(ctx)
	p := &producer{cancel: cancel, src: src, flushed: make(chan struct{})}
	if !s.addProducer(p) {
		cancel()
		src.Close()
		return errors.WithStack(ErrStreamClosed)
	}
	defer func() {
		cancel()
		s.removeProducer(p)
	}()

	var sendErr, retErr error
	for {
		value, err := p.src.Next(pctx)
		if err != nil {
			if err != io.EOF && pctx.Err() == nil {
				sendErr = err
			}
			break
		}
		if _, err = s.inv.Invoke(pctx, StreamFrame{Value: value}); err != nil {
			if pctx.Err() == nil {
				sendErr, retErr = err, err
			}
			break
		}
	}
	p.closeSource()
	if retErr == nil && s.State() == StreamActive {
		retErr = ctx.Err()
	}

	callID, ch, err := s.inv.call(StreamFrame{Done: true, Error: SerializeError(sendErr)})
	close(p.flushed)
	if err == nil {
		err = s.inv.wait(pctx, callID, ch).err
	}
	if err != nil && retErr == nil && pctx.Err() == nil && !isClosedError(err) {
		retErr = err
	}
	if retErr != nil {
		s.log.Debug().Err(retErr).Msg("SendAll")
	}
	return retErr
}

func (s *Stream) closeTimeout() time.Duration {
	if s.CloseTimeout > 0 {
		return s.CloseTimeout
	}
	return DefaultCloseTimeout
}

// Close terminates the Stream. Readers see the end of the stream, pending
// deliveries are rejected and local producers are stopped. Once their final
// frames are posted, or CloseTimeout passes, the Invoker is closed.
// If CloseTimeout passed, Close returns an error with Timeout() true.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		atomic.StoreInt32(&s.state, int32(StreamTerminating))
		close(s.doneChan)
		producers := make([]*producer, 0, len(s.producers))
		for p := range s.producers {
			producers = append(producers, p)
		}
		s.mu.Unlock()

		for _, p := range producers {
			p.cancel()
			p.closeSource()
		}
		var timedOut bool
		if len(producers) > 0 {
			timer := time.NewTimer(s.closeTimeout())
		flushing:
			for _, p := range producers {
				select {
				case <-p.flushed:
				case <-timer.C:
					s.log.Debug().Msg("timeout waiting for final frames")
					timedOut = true
					break flushing
				}
			}
			timer.Stop()
		}

		s.closeErr = s.inv.Close()
		if timedOut && s.closeErr == nil {
			s.closeErr = errors.WithStack(timeoutError{})
		}
		atomic.StoreInt32(&s.state, int32(StreamClosed))
	})
	return s.closeErr
}
