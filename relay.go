// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Call types handled by a Relay.
const (
	CallRegister   = "REGISTER"
	CallUnregister = "UNREGISTER"
	CallConnect    = "CONNECT"
)

// ConnectTypeHTTP is the connection type used for tunnelled HTTP.
const ConnectTypeHTTP = "http"

// RegisterParams are the parameters of REGISTER and UNREGISTER calls.
type RegisterParams struct {
	Key string `json:"key"`
}

// ConnectParams are the parameters of a CONNECT call.
type ConnectParams struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// ConnectHandler accepts or refuses a connection. If it accepts, it owns conn.
type ConnectHandler func(ctx context.Context, params ConnectParams, conn Port) (bool, error)

// Relay keeps a Directory of endpoint Ports registered by its peers and
// forwards CONNECT calls to them.
type Relay struct {
	Directory *Directory[Port]
	log       zerolog.Logger
}

// NewRelay returns a Relay registering endpoints in dir.
func NewRelay(dir *Directory[Port]) *Relay {
	if dir == nil {
		dir = &Directory[Port]{}
	}
	return &Relay{Directory: dir, log: componentLogger("relay")}
}

// ServePort serves REGISTER, UNREGISTER and CONNECT calls arriving on port
// until the port closes. Endpoints registered through it are removed then.
func (r *Relay) ServePort(port Port) {
	stops := []func(){
		HandleChannelCalls(port, CallRegister, func(ctx context.Context, raw json.RawMessage, ports []Port) (any, error) {
			var params RegisterParams
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, errors.Wrap(ProtocolError{}, err.Error())
			}
			reg := r.Directory.Register(params.Key, port)
			r.log.Info().Str("key", reg.Key).Msg("endpoint registered")
			go func() {
				<-port.Done()
				if reg.Remove() {
					r.log.Info().Str("key", reg.Key).Msg("endpoint closed")
				}
			}()
			return RegisterParams{Key: reg.Key}, nil
		}),
		HandleChannelCalls(port, CallUnregister, func(ctx context.Context, raw json.RawMessage, ports []Port) (any, error) {
			var params RegisterParams
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, errors.Wrap(ProtocolError{}, err.Error())
			}
			if cur, ok := r.Directory.LookupKey(params.Key); ok && cur == port {
				r.log.Info().Str("key", params.Key).Msg("endpoint unregistered")
				return r.Directory.Remove(params.Key), nil
			}
			return false, nil
		}),
		HandleChannelCalls(port, CallConnect, func(ctx context.Context, raw json.RawMessage, ports []Port) (any, error) {
			var params ConnectParams
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, errors.Wrap(ProtocolError{}, err.Error())
			}
			if len(ports) != 1 {
				return nil, errors.Wrap(ProtocolError{}, "CONNECT needs exactly one port")
			}
			target, ok := r.Directory.LookupKey(params.Key)
			if !ok {
				ports[0].Close()
				return nil, ErrResourceGone("target endpoint not found: " + params.Key)
			}
			return CallChannel(ctx, target, CallConnect, params, ports[0])
		}),
	}
	<-port.Done()
	for _, stop := range stops {
		stop()
	}
}

// Connect asks the endpoint behind port for a connection and returns the
// local end of it. A refusal is reported as a 403 HTTPError.
func Connect(ctx context.Context, port Port, params ConnectParams) (Port, error) {
	local, remote := NewPipe()
	res, err := CallChannel(ctx, port, CallConnect, params, remote)
	if err != nil {
		local.Close()
		return nil, err
	}
	var accepted bool
	if err = json.Unmarshal(res, &accepted); err != nil || !accepted {
		local.Close()
		return nil, errors.WithStack(ErrForbidden("connection refused by " + params.Key))
	}
	return local, nil
}

// RegisterConnections registers key with the Relay on the other side of
// port and serves incoming CONNECT calls with handler. An empty key gets
// a key assigned by the Relay. The returned function unregisters.
func RegisterConnections(ctx context.Context, port Port, key string, handler ConnectHandler) (assigned string, stop func(), err error) {
	stopConnect := HandleChannelCalls(port, CallConnect, func(ctx context.Context, raw json.RawMessage, ports []Port) (any, error) {
		var params ConnectParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, errors.Wrap(ProtocolError{}, err.Error())
		}
		if len(ports) < 1 {
			return nil, errors.Wrap(ProtocolError{}, "CONNECT without port")
		}
		ok, err := handler(ctx, params, ports[0])
		if !ok || err != nil {
			ports[0].Close()
		}
		return ok, err
	})
	res, err := CallChannel(ctx, port, CallRegister, RegisterParams{Key: key})
	if err != nil {
		stopConnect()
		return "", nil, err
	}
	var rp RegisterParams
	if err = json.Unmarshal(res, &rp); err != nil {
		stopConnect()
		return "", nil, errors.Wrap(ProtocolError{}, err.Error())
	}
	assigned = rp.Key
	stop = func() {
		stopConnect()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCloseTimeout)
		defer cancel()
		if _, err := CallChannel(ctx, port, CallUnregister, RegisterParams{Key: assigned}); err != nil && !IsPortClosed(err) {
			l := componentLogger("relay")
			l.Debug().Err(err).Str("key", assigned).Msg("unregister")
		}
	}
	return
}

// ServeHTTPConnections registers key and serves every accepted HTTP
// connection with h.
func ServeHTTPConnections(ctx context.Context, port Port, key string, h http.Handler) (assigned string, stop func(), err error) {
	return RegisterConnections(ctx, port, key, func(ctx context.Context, params ConnectParams, conn Port) (bool, error) {
		if params.Type != ConnectTypeHTTP {
			return false, nil
		}
		stopHTTP := HandleHTTPRequests(conn, h)
		go func() {
			<-conn.Done()
			stopHTTP()
		}()
		return true, nil
	})
}
