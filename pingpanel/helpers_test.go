package pingpanel

import (
	"bytes"
	"context"
	"encoding/hex"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	type inner struct {
		Name string `json:"name"`
	}
	type outer struct {
		Secret   string         `json:"secret" log:"[redacted]"`
		Level    *slog.LevelVar `json:"level"`
		Inner    *inner         `json:"inner"`
		Empty    string         `json:"empty"`
		NilInner *inner         `json:"nil_inner"`
		Count    int            `json:"count,omitempty"`
		private  string
	}
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelDebug)

	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	logger.Info(
		"test",
		"value", structToSlogValue(
			outer{
				Secret:  "s3cr3t",
				Level:   lvl,
				Inner:   &inner{Name: "foo"},
				Count:   3,
				private: "hidden",
			},
		),
	)

	out := buf.String()
	assert.Contains(t, out, `"secret":"[redacted]"`)
	assert.Contains(t, out, `"level":"DEBUG"`)
	assert.Contains(t, out, `"inner":{"name":"foo"}`)
	assert.Contains(t, out, `"count":3`)
	assert.NotContains(t, out, "s3cr3t")
	assert.NotContains(t, out, "empty")
	assert.NotContains(t, out, "nil_inner")
	assert.NotContains(t, out, "hidden")

	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		n        int
		expected string
	}{
		{"!ping", 10, "!ping"},
		{"!ping", 5, "!ping"},
		{"!ping", 2, "!p"},
		{"héllo wörld", 4, "héll"},
		{"", 3, ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, truncate(tc.input, tc.n))
	}
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)
	_, err = hex.DecodeString(s)
	require.NoError(t, err)

	other, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)

	odd, err := generateRandomHexString(7)
	require.NoError(t, err)
	assert.Len(t, odd, 8)
}

func TestDerive64ByteKey(t *testing.T) {
	t.Parallel()
	key := derive64ByteKey("foo")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("foo"))
	assert.NotEqual(t, key, derive64ByteKey("bar"))
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestGetDiscordgoLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level    slog.Level
		expected int
		wantErr  bool
	}{
		{slog.LevelDebug, discordgo.LogDebug, false},
		{slog.LevelInfo, discordgo.LogInformational, false},
		{slog.LevelWarn, discordgo.LogWarning, false},
		{slog.LevelError, discordgo.LogError, false},
		{slog.Level(3), discordgo.LogWarning, true},
	}
	for _, tc := range tests {
		t.Run(
			tc.level.String(), func(t *testing.T) {
				got, err := discordgoLogLevel(tc.level)
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
				assert.Equal(t, tc.expected, got)
			},
		)
	}
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	t.Parallel()
	buf := &bytes.Buffer{}
	handler := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	logFunc := discordgoLoggerFunc(context.Background(), handler)

	logFunc(discordgo.LogInformational, 1, "heartbeat %d", 1)
	assert.Empty(t, buf.String())

	logFunc(discordgo.LogError, 1, "websocket closed:\n%s", "1006")
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), "websocket closed:1006")
}

func TestParseLevelVar(t *testing.T) {
	t.Parallel()
	lvl, err := ParseLevelVar("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl.Level())

	_, err = ParseLevelVar("loud")
	assert.Error(t, err)
}
