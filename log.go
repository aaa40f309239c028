// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	loggerMu   sync.RWMutex
	baseLogger *zerolog.Logger
)

// SetLogger sets the logger used by the package. Until it is called,
// the global zerolog logger is used.
func SetLogger(l zerolog.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	baseLogger = &l
}

func componentLogger(component string) zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	l := log.Logger
	if baseLogger != nil {
		l = *baseLogger
	}
	return l.With().Str("component", component).Logger()
}

// InitLogger sets up console logging for a binary and returns the logger.
// An empty or invalid level means info.
func InitLogger(app, level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	SetLogger(logger)
	return logger
}
