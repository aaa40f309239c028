// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// CallHandler serves a one-shot call. The ports are those transferred
// by the caller, not including the reply port.
type CallHandler func(ctx context.Context, params json.RawMessage, ports []Port) (any, error)

// CallChannel posts a one-shot call of the given type on port and waits for the result.
// The reply arrives on a fresh Pipe whose remote end is the first transferred Port.
func CallChannel(ctx context.Context, port Port, callType string, params any, transfers ...Port) (json.RawMessage, error) {
	reply, remote := NewPipe()
	defer reply.Close()

	resultCh := make(chan Envelope, 1)
	reply.AddListener(func(msg Message) {
		if env, err := ParseEnvelope(msg.Data); err == nil && env.Type == EnvelopeResult {
			select {
			case resultCh <- env:
			default:
			}
		}
	})
	if err := reply.Start(); err != nil {
		return nil, err
	}

	env := &Envelope{Type: EnvelopeCall, CallType: callType}
	var err error
	if env.Params, err = marshalParams(params); err != nil {
		return nil, err
	}
	if err = postEnvelope(port, env, append([]Port{remote}, transfers...)...); err != nil {
		remote.Close()
		return nil, err
	}

	select {
	case env := <-resultCh:
		if env.Error != nil {
			return nil, DeserializeError(env.Error)
		}
		return env.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-reply.Done():
		select {
		case env := <-resultCh:
			if env.Error != nil {
				return nil, DeserializeError(env.Error)
			}
			return env.Result, nil
		default:
		}
		return nil, errors.WithStack(ErrPortClosed)
	}
}

// HandleChannelCalls serves one-shot calls of callType arriving on port.
// The returned function stops handling and cancels running handlers.
func HandleChannelCalls(port Port, callType string, handler CallHandler) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	log := componentLogger("calls").With().Str("callType", callType).Logger()

	remove := port.AddListener(func(msg Message) {
		env, err := ParseEnvelope(msg.Data)
		if err != nil || env.Type != EnvelopeCall || env.CallType != callType {
			return
		}
		if len(msg.Ports) < 1 {
			log.Debug().Msg("call without reply port")
			return
		}
		go func(reply Port, params json.RawMessage, ports []Port) {
			defer reply.Close()
			res := &Envelope{Type: EnvelopeResult}
			result, err := callHandler(ctx, handler, params, ports)
			if err == nil {
				res.Result, err = marshalParams(result)
			}
			if err != nil {
				res.Error = SerializeError(err)
				res.Result = nil
			}
			if err = postEnvelope(reply, res); err != nil {
				log.Debug().Err(err).Msg("result not delivered")
			}
		}(msg.Ports[0], env.Params, msg.Ports[1:])
	})
	if err := port.Start(); err != nil {
		log.Debug().Err(err).Msg("port start")
	}
	return func() {
		remove()
		cancel()
	}
}

func callHandler(ctx context.Context, handler CallHandler, params json.RawMessage, ports []Port) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, params, ports)
}
