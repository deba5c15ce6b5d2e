package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	logger, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = logger
		zerolog.SetGlobalLevel(level)
	})
}

func TestSetup_Level(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer
	setup(&buf, "warn", false)

	log.Info().Msg("hidden")
	log.Warn().Str("order", "42").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "42", entry["order"])
	assert.Contains(t, entry, "time")
}

func TestSetup_UnknownLevel(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer
	setup(&buf, "chatty", false)

	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	assert.Contains(t, buf.String(), "unknown log level")
}

func TestSetup_Pretty(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer
	setup(&buf, "info", true)

	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}
