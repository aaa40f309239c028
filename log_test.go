// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreLogger(t *testing.T) {
	loggerMu.Lock()
	prevBase := baseLogger
	loggerMu.Unlock()
	prevGlobal := log.Logger
	t.Cleanup(func() {
		loggerMu.Lock()
		baseLogger = prevBase
		loggerMu.Unlock()
		log.Logger = prevGlobal
	})
}

func Test_Log_ComponentField(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	l := componentLogger("tester")
	l.Info().Str("key", "abc").Msg("hello")

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "tester", m["component"])
	assert.Equal(t, "abc", m["key"])
	assert.Equal(t, "hello", m["message"])
}

func Test_Log_InitLoggerLevel(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer
	l := InitLogger("app", "warn", &buf)
	assert.Equal(t, zerolog.WarnLevel, l.GetLevel())
	l.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	cl := componentLogger("x")
	cl.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")

	assert.Equal(t, zerolog.InfoLevel, InitLogger("app", "bogus", &buf).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, InitLogger("app", "", &buf).GetLevel())
}
