// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// StreamHandler serves one stream opened by SendStream. The returned Source
// is sent back to the caller. A returned error is sent as the end of the
// output stream.
type StreamHandler func(ctx context.Context, input Source, params json.RawMessage) (Source, error)

// streamCall is the consumer side returned by SendStream. It closes the
// Stream once the output ends or the caller closes it.
type streamCall struct {
	s         *Stream
	src       Source
	closeOnce sync.Once
}

func (sc *streamCall) Next(ctx context.Context) (v []byte, err error) {
	if v, err = sc.src.Next(ctx); err != nil && ctx.Err() == nil {
		sc.Close()
	}
	return
}

func (sc *streamCall) Close() error {
	sc.closeOnce.Do(func() {
		sc.src.Close()
		sc.s.Close()
	})
	return nil
}

// SendStream opens a stream over port. The values of input are sent to the
// handler registered with HandleStreams on the other side, and the returned
// Source yields the handler's output. Cancelling ctx closes the stream.
func SendStream(ctx context.Context, port Port, input Source, params any) (Source, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		input.Close()
		return nil, err
	}
	local, remote := NewPipe()
	s := NewStream(local)
	if err = s.Start(); err != nil {
		input.Close()
		s.Close()
		return nil, err
	}
	if err = postEnvelope(port, &Envelope{Type: EnvelopeStartCall, Params: rawParams}, remote); err != nil {
		input.Close()
		s.Close()
		return nil, err
	}
	sc := &streamCall{s: s, src: s.ReceiveAll()}
	go func() {
		if err := s.SendAll(ctx, input); err != nil && !IsStreamClosed(err) {
			s.log.Debug().Err(err).Msg("SendStream")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			sc.Close()
		case <-s.Done():
		}
	}()
	return sc, nil
}

// HandleStreams serves streams opened on port. Each START_CALL leads to
// exactly one call of handler, in its own goroutine. The returned function
// stops accepting streams and cancels the running ones.
func HandleStreams(port Port, handler StreamHandler) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	log := componentLogger("streams")
	remove := port.AddListener(func(msg Message) {
		env, err := ParseEnvelope(msg.Data)
		if err != nil || env.Type != EnvelopeStartCall {
			return
		}
		if len(msg.Ports) != 1 {
			log.Debug().Int("ports", len(msg.Ports)).Msg("START_CALL needs exactly one port")
			for _, p := range msg.Ports {
				p.Close()
			}
			return
		}
		go serveStream(ctx, msg.Ports[0], env.Params, handler)
	})
	if err := port.Start(); err != nil {
		log.Debug().Err(err).Msg("port start")
	}
	return func() {
		remove()
		cancel()
	}
}

func serveStream(ctx context.Context, port Port, params json.RawMessage, handler StreamHandler) {
	s := NewStream(port)
	defer s.Close()
	if err := s.Start(); err != nil {
		s.log.Debug().Err(err).Msg("serveStream")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	input := s.ReceiveAll()
	defer input.Close()
	output, err := runStreamHandler(ctx, handler, input, params)
	if err != nil {
		output = ErrorSource(err)
	} else if output == nil {
		output = SliceSource()
	}
	if err = s.SendAll(ctx, output); err != nil && !IsStreamClosed(err) {
		s.log.Debug().Err(err).Msg("serveStream")
	}
}

func runStreamHandler(ctx context.Context, handler StreamHandler, input Source, params json.RawMessage) (output Source, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, input, params)
}
