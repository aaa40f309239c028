// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/linkdata/msgtun"
)

// gatewayConfig holds the runtime settings of msgtungateway.
type gatewayConfig struct {
	ListenAddr  string
	TunnelAddr  string
	TunnelPath  string
	MetricsPath string
	Fallback    string
	Separator   string
	LogLevel    string
	MaxMuxers   int
}

func defaultGatewayConfig() gatewayConfig {
	return gatewayConfig{
		ListenAddr:  ":8080",
		TunnelAddr:  ":10111",
		TunnelPath:  "/tunnel",
		MetricsPath: "/metrics",
		Separator:   msgtun.DefaultServiceSeparator,
		LogLevel:    "info",
	}
}

// config.toml key mapping to gatewayConfig.
type fileConfig struct {
	Listen      string `toml:"listen"`
	Tunnel      string `toml:"tunnel"`
	TunnelPath  string `toml:"tunnel_path"`
	MetricsPath string `toml:"metrics_path"`
	Fallback    string `toml:"fallback"`
	Separator   string `toml:"separator"`
	LogLevel    string `toml:"log_level"`
	MaxMuxers   int    `toml:"max_muxers"`
}

// loadGatewayConfig overlays the keys defined in the TOML file at path onto the defaults.
func loadGatewayConfig(path string) (gatewayConfig, error) {
	cfg := defaultGatewayConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return gatewayConfig{}, fmt.Errorf("load gateway config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return gatewayConfig{}, fmt.Errorf("load gateway config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("tunnel") {
		cfg.TunnelAddr = strings.TrimSpace(raw.Tunnel)
	}
	if meta.IsDefined("tunnel_path") {
		cfg.TunnelPath = strings.TrimSpace(raw.TunnelPath)
	}
	if meta.IsDefined("metrics_path") {
		cfg.MetricsPath = strings.TrimSpace(raw.MetricsPath)
	}
	if meta.IsDefined("fallback") {
		cfg.Fallback = strings.TrimSpace(raw.Fallback)
	}
	if meta.IsDefined("separator") {
		cfg.Separator = raw.Separator
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("max_muxers") {
		cfg.MaxMuxers = raw.MaxMuxers
	}

	if cfg.Separator == "" {
		return gatewayConfig{}, fmt.Errorf("load gateway config: separator must not be empty")
	}
	if cfg.TunnelPath != "" && !strings.HasPrefix(cfg.TunnelPath, "/") {
		return gatewayConfig{}, fmt.Errorf("load gateway config: tunnel_path %q must start with /", cfg.TunnelPath)
	}
	return cfg, nil
}
