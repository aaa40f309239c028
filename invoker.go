// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Result is what an InvokeHandler returns to the caller.
type Result struct {
	Response  any    // Marshalled as JSON unless it is a json.RawMessage
	Transfers []Port // Ports sent along with the response
}

// InvokeHandler serves one inbound request. The context is cancelled
// when the Invoker is closed.
type InvokeHandler func(ctx context.Context, request json.RawMessage, ports []Port) (Result, error)

// outcome is the settled state of a call, either a response or an error.
type outcome struct {
	response json.RawMessage
	ports    []Port
	err      error
}

// Invoker correlates requests with responses over a Port.
type Invoker struct {
	port           Port
	handler        InvokeHandler
	log            zerolog.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	mu             sync.Mutex // Guards the fields below
	lastCallID     uint64
	pending        map[uint64]chan outcome
	removeListener func()
	closed         bool
	handlers       sync.WaitGroup
	closeOnce      sync.Once
	closeErr       error
	serialNumber   uint32
}

var invokerNextSerialNumber uint32

// NewInvoker returns an Invoker for port. The handler serves inbound
// requests and may be nil if the Invoker only makes calls.
func NewInvoker(port Port, handler InvokeHandler) *Invoker {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &Invoker{
		port:         port,
		handler:      handler,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[uint64]chan outcome),
		serialNumber: atomic.AddUint32(&invokerNextSerialNumber, 1),
	}
	inv.log = componentLogger("invoker").With().Uint32("invoker", inv.serialNumber).Logger()
	return inv
}

func (inv *Invoker) String() string {
	return fmt.Sprintf("[Invoker %x]", inv.serialNumber)
}

// Port returns the Port the Invoker uses.
func (inv *Invoker) Port() Port {
	return inv.port
}

// Start registers the Invoker's listener on the Port and starts delivery.
// Calling Start again has no effect.
func (inv *Invoker) Start() error {
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		return errors.WithStack(ErrInvokerClosed)
	}
	if inv.removeListener == nil {
		inv.removeListener = inv.port.AddListener(inv.onMessage)
	}
	inv.mu.Unlock()
	return inv.port.Start()
}

// Invoke sends request and waits for the matching response.
// The Invoker imposes no timeout, use ctx for that.
// Ports sent back with the response are closed.
func (inv *Invoker) Invoke(ctx context.Context, request any, transfers ...Port) (json.RawMessage, error) {
	response, ports, err := inv.InvokePorts(ctx, request, transfers...)
	for _, p := range ports {
		p.Close()
	}
	return response, err
}

// InvokePorts is like Invoke but also returns the Ports the handler sent
// back. The caller owns them.
func (inv *Invoker) InvokePorts(ctx context.Context, request any, transfers ...Port) (json.RawMessage, []Port, error) {
	callID, ch, err := inv.call(request, transfers...)
	if err != nil {
		return nil, nil, err
	}
	oc := inv.wait(ctx, callID, ch)
	return oc.response, oc.ports, oc.err
}

// call posts a request and returns the channel its outcome will arrive on.
func (inv *Invoker) call(request any, transfers ...Port) (callID uint64, ch chan outcome, err error) {
	var data []byte
	env := &Envelope{Type: EnvelopeRequest}
	if env.Request, err = marshalParams(request); err != nil {
		return
	}
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		err = errors.WithStack(ErrInvokerClosed)
		return
	}
	inv.lastCallID++
	callID = inv.lastCallID
	env.CallID = callID
	ch = make(chan outcome, 1)
	inv.pending[callID] = ch
	inv.mu.Unlock()

	if data, err = env.Marshal(); err == nil {
		err = inv.port.PostMessage(data, transfers...)
	}
	if err != nil {
		inv.removePending(callID)
		ch = nil
	}
	return
}

func (inv *Invoker) removePending(callID uint64) (ch chan outcome) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if ch = inv.pending[callID]; ch != nil {
		delete(inv.pending, callID)
	}
	return
}

// wait blocks until the outcome of a call arrives, ctx is done or the Port closes.
func (inv *Invoker) wait(ctx context.Context, callID uint64, ch chan outcome) outcome {
	select {
	case oc := <-ch:
		return oc
	case <-ctx.Done():
		inv.removePending(callID)
		return outcome{err: ctx.Err()}
	case <-inv.port.Done():
		inv.removePending(callID)
		select {
		case oc := <-ch:
			return oc
		default:
		}
		return outcome{err: errors.WithStack(ErrPortClosed)}
	}
}

// Pending returns the number of calls waiting for a response.
func (inv *Invoker) Pending() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.pending)
}

func (inv *Invoker) onMessage(msg Message) {
	env, err := ParseEnvelope(msg.Data)
	if err != nil {
		inv.log.Debug().Err(err).Msg("dropping message")
		return
	}
	switch env.Type {
	case EnvelopeRequest:
		inv.mu.Lock()
		if inv.closed {
			inv.mu.Unlock()
			return
		}
		inv.handlers.Add(1)
		inv.mu.Unlock()
		go inv.serve(env.CallID, env.Request, msg.Ports)
	case EnvelopeResponse:
		ch := inv.removePending(env.CallID)
		if ch == nil {
			inv.log.Debug().Uint64("callId", env.CallID).Msg("dropping response for unknown call")
			for _, p := range msg.Ports {
				p.Close()
			}
			return
		}
		ch <- outcome{response: env.Response, ports: msg.Ports, err: DeserializeError(env.Error)}
	default:
		inv.log.Debug().Str("type", string(env.Type)).Msg("ignoring message")
	}
}

func (inv *Invoker) runHandler(request json.RawMessage, ports []Port) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	if inv.handler == nil {
		return result, errors.Wrap(ProtocolError{}, "no request handler")
	}
	return inv.handler(inv.ctx, request, ports)
}

func (inv *Invoker) serve(callID uint64, request json.RawMessage, ports []Port) {
	defer inv.handlers.Done()
	result, err := inv.runHandler(request, ports)
	env := &Envelope{Type: EnvelopeResponse, CallID: callID}
	if err == nil {
		env.Response, err = marshalParams(result.Response)
	}
	if err != nil {
		env.Error = SerializeError(err)
		env.Response = nil
	}
	var transfers []Port
	if env.Error == nil {
		transfers = result.Transfers
	}
	if err = postEnvelope(inv.port, env, transfers...); err != nil {
		inv.log.Debug().Err(err).Uint64("callId", callID).Msg("response not delivered")
	}
}

// Close removes the listener, lets running handlers post their responses,
// fails calls still waiting with ErrInvokerClosed and closes the Port.
func (inv *Invoker) Close() error {
	inv.closeOnce.Do(func() {
		inv.mu.Lock()
		inv.closed = true
		remove := inv.removeListener
		inv.mu.Unlock()
		if remove != nil {
			remove()
		}
		inv.cancel()
		inv.handlers.Wait()

		inv.mu.Lock()
		pending := inv.pending
		inv.pending = make(map[uint64]chan outcome)
		inv.mu.Unlock()
		for _, ch := range pending {
			ch <- outcome{err: errors.WithStack(ErrInvokerClosed)}
		}
		inv.closeErr = inv.port.Close()
	})
	return inv.closeErr
}

// waitHandlers blocks until no handlers are running.
func (inv *Invoker) waitHandlers() {
	inv.handlers.Wait()
}
