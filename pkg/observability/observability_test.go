package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "json")

	log.Info().Msg("hidden")
	log.Warn().Str("job_id", "j1").Msg("visible")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "visible", line["message"])
	assert.Equal(t, "j1", line["job_id"])
	assert.Equal(t, "warn", line["level"])
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	log := newLogger(&bytes.Buffer{}, "loud", "")
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestNewLoggerConsole(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "debug", "console")
	log.Debug().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
