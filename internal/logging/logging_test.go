package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &out))
	return out
}

func TestComponentLogger(t *testing.T) {
	buf := capture(t)

	l := Component("db")
	l.Info().Str("driver", "sqlite").Msg("database connected")

	line := lastLine(t, buf)
	assert.Equal(t, "db", line["cmp"])
	assert.Equal(t, "sqlite", line["driver"])
	assert.Equal(t, "info", line["level"])
}

func TestSessionLoggerInContext(t *testing.T) {
	buf := capture(t)

	ctx := WithSession(context.Background(), Component("hub"), "s-1")
	Ctx(ctx).Warn().Msg("slow client")

	line := lastLine(t, buf)
	assert.Equal(t, "hub", line["cmp"])
	assert.Equal(t, "s-1", line["session"])

	Ctx(context.Background()).Info().Msg("no session")
	assert.NotContains(t, lastLine(t, buf), "session")
}
