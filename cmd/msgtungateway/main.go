// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Command msgtungateway accepts tunnel connections from endpoints and
// forwards HTTP requests addressed to them.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkdata/msgtun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRootCmd() *cobra.Command {
	var configPath string
	flags := defaultGatewayConfig()

	cmd := &cobra.Command{
		Use:           "msgtungateway",
		Short:         "HTTP gateway for message tunnel endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadGatewayConfig(configPath)
			if err != nil {
				return err
			}
			overlayFlags(cmd, &cfg, flags)
			log := msgtun.InitLogger("msgtungateway", cfg.LogLevel, os.Stderr)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	cmd.Flags().StringVar(&flags.ListenAddr, "listen", flags.ListenAddr, "HTTP address to listen on")
	cmd.Flags().StringVar(&flags.TunnelAddr, "tunnel", flags.TunnelAddr, "TCP address to accept tunnel connections on, empty to disable")
	cmd.Flags().StringVar(&flags.TunnelPath, "tunnel-path", flags.TunnelPath, "HTTP path accepting websocket tunnel connections, empty to disable")
	cmd.Flags().StringVar(&flags.MetricsPath, "metrics-path", flags.MetricsPath, "HTTP path serving prometheus metrics, empty to disable")
	cmd.Flags().StringVar(&flags.Fallback, "fallback", flags.Fallback, "upstream URL for requests without an endpoint key")
	cmd.Flags().StringVar(&flags.Separator, "separator", flags.Separator, "path prefix marking the endpoint key")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "log level")
	cmd.Flags().IntVar(&flags.MaxMuxers, "max-muxers", flags.MaxMuxers, "maximum concurrent tunnel connections")
	return cmd
}

// overlayFlags applies flags given on the command line over the config file.
func overlayFlags(cmd *cobra.Command, cfg *gatewayConfig, flags gatewayConfig) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.ListenAddr = flags.ListenAddr
	}
	if f.Changed("tunnel") {
		cfg.TunnelAddr = flags.TunnelAddr
	}
	if f.Changed("tunnel-path") {
		cfg.TunnelPath = flags.TunnelPath
	}
	if f.Changed("metrics-path") {
		cfg.MetricsPath = flags.MetricsPath
	}
	if f.Changed("fallback") {
		cfg.Fallback = flags.Fallback
	}
	if f.Changed("separator") {
		cfg.Separator = flags.Separator
	}
	if f.Changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if f.Changed("max-muxers") {
		cfg.MaxMuxers = flags.MaxMuxers
	}
}

func run(ctx context.Context, cfg gatewayConfig, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := msgtun.NewMetrics(reg)

	dir := &msgtun.Directory[msgtun.Port]{}
	metrics.RegisterDirectory(reg, dir)
	relay := msgtun.NewRelay(dir)

	var fallback http.Handler
	if cfg.Fallback != "" {
		u, err := url.Parse(cfg.Fallback)
		if err != nil {
			return err
		}
		rp := msgtun.NewReverseProxy(u, 0)
		defer rp.CloseIdleConnections()
		fallback = rp
	}
	gw := msgtun.NewGateway(dir, fallback)
	gw.Separator = cfg.Separator
	gw.Metrics = metrics

	srv := &msgtun.Server{
		Handler:   relay,
		MaxMuxers: cfg.MaxMuxers,
		Metrics:   metrics,
	}
	defer srv.Close()

	mux := http.NewServeMux()
	if cfg.TunnelPath != "" {
		mux.Handle(cfg.TunnelPath, srv)
	}
	if cfg.MetricsPath != "" {
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	mux.Handle("/", gw)
	hs := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.TunnelAddr != "" {
		ln, err := srv.Listen(cfg.TunnelAddr)
		if err != nil {
			return err
		}
		log.Info().Str("addr", ln.Addr().String()).Msg("tunnel listener")
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("http listener")
	g.Go(func() error {
		if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), msgtun.DefaultCloseTimeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Stderr.WriteString("msgtungateway: " + err.Error() + "\n")
		os.Exit(1)
	}
}
