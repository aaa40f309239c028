// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Command msgtunecho registers an endpoint with a msgtungateway and
// answers every request with a rendering of the request it received.
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/linkdata/msgtun"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// renderRequest returns the text form of req that the echo handler replies with.
func renderRequest(req *http.Request, body []byte) string {
	var sb strings.Builder
	sb.WriteString(req.Method)
	sb.WriteRune(' ')
	sb.WriteString(req.RequestURI)
	sb.WriteRune('\n')
	hdrs := make([]string, 0, len(req.Header))
	for hdr := range req.Header {
		hdrs = append(hdrs, hdr)
	}
	sort.Strings(hdrs)
	foundContentLength := false
	for _, hdr := range hdrs {
		foundContentLength = foundContentLength || hdr == "Content-Length"
		sb.WriteString(hdr)
		sb.WriteString(": ")
		sb.WriteString(strings.Join(req.Header[hdr], ", "))
		sb.WriteRune('\n')
	}
	if !foundContentLength && req.ContentLength >= 0 {
		sb.WriteString("Content-Length: ")
		sb.WriteString(strconv.FormatInt(req.ContentLength, 10))
		sb.WriteRune('\n')
	}
	if len(body) > 0 {
		sb.WriteRune('\n')
		sb.Write(body)
	}
	return sb.String()
}

type echoHandler struct {
	log zerolog.Logger
}

func (h echoHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.log.Debug().Str("method", req.Method).Str("uri", req.RequestURI).Int("size", len(body)).Msg("echo")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, renderRequest(req, body))
}

// endpoint registers key on every Muxer the Client establishes.
type endpoint struct {
	mu      sync.Mutex
	key     string
	handler http.Handler
	log     zerolog.Logger
}

func (ep *endpoint) ServePort(port msgtun.Port) {
	ep.mu.Lock()
	key := ep.key
	ep.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	key, stop, err := msgtun.ServeHTTPConnections(ctx, port, key, ep.handler)
	cancel()
	if err != nil {
		ep.log.Error().Err(err).Msg("register")
		port.Close()
		return
	}
	// keep the assigned key across reconnects
	ep.mu.Lock()
	ep.key = key
	ep.mu.Unlock()
	ep.log.Info().Str("key", key).Msg("registered")
	<-port.Done()
	stop()
}

func newRootCmd() *cobra.Command {
	var key, logLevel string
	var maxRetry int
	var maxRetryInterval time.Duration

	cmd := &cobra.Command{
		Use:           "msgtunecho <tunnel address>",
		Short:         "Echo endpoint for a message tunnel gateway",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := msgtun.InitLogger("msgtunecho", logLevel, os.Stderr)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := msgtun.NewClient(args[0])
			c.MaxRetryCount = maxRetry
			c.MaxRetryInterval = maxRetryInterval
			c.Handler = &endpoint{key: key, handler: echoHandler{log: log}, log: log}
			defer c.Close()

			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "endpoint key to register, assigned by the gateway if empty")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().IntVar(&maxRetry, "max-retry", 0, "reconnect attempts before giving up, unlimited if 0")
	cmd.Flags().DurationVar(&maxRetryInterval, "max-retry-interval", time.Minute, "upper bound of the reconnect delay")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Stderr.WriteString("msgtunecho: " + err.Error() + "\n")
		os.Exit(1)
	}
}
