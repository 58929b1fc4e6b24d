package cmd

import (
	"fmt"
	"github.com/arcward/pingpanel/pingpanel"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	origConfigFile := configFile
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
			configFile = origConfigFile
			cfg = pingpanel.DefaultConfig()
			viper.Reset()
		},
	)

	// values set by an earlier Execute outrank the environment
	viper.Reset()
	cfg = pingpanel.DefaultConfig()

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

DC_DATABASE=/home/foo/pingpanel.sqlite3
DC_DATABASE_TYPE=sqlite
DC_DATABASE_LOG_LEVEL=INFO
DC_DATABASE_SLOW_THRESHOLD=200ms
DC_LOG_LEVEL=info
DC_STARTUP_TIMEOUT=30s
DC_SHUTDOWN_TIMEOUT=60s
DC_DEVELOPMENT=true

# Discord bot config

DISCORD_TOKEN=plain-discord-token
DC_DISCORD_TOKEN=your-discord-bot-token
DC_DISCORD_COMMAND_PREFIX=?
DC_DISCORD_COMMAND_NAME=alive
DC_DISCORD_COMMAND_RESPONSE="still here"
DC_DISCORD_NOTIFICATION_CHANNEL_ID=123456789
DC_DISCORD_STARTUP_MESSAGE="I'm here!"
DC_DISCORD_LOG_LEVEL=WARN
DC_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
DC_DISCORD_GATEWAY_INTENTS=37376

# API server

PORT=8080
DC_API_LISTEN=127.0.0.1:5050
DC_API_SSL_CERT=/etc/ssl/cert.pem
DC_API_SSL_KEY=/etc/ssl/key.pem
DC_API_SSL_TLS_MIN_VERSION=772
DC_API_SECRET=your-api-secret
DC_API_LOG_LEVEL=DEBUG
DC_API_START_RATE_LIMIT=0.5
DC_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
DC_API_CORS_ALLOW_METHODS=GET POST OPTIONS
DC_API_CORS_ALLOW_HEADERS=Origin Content-Type Accept X-Request-ID
DC_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length X-Request-ID
DC_API_CORS_ALLOW_CREDENTIALS=false
DC_API_CORS_MAX_AGE=6h
DC_API_READ_TIMEOUT=6s
DC_API_READ_HEADER_TIMEOUT=7s
DC_API_WRITE_TIMEOUT=11s
DC_API_IDLE_TIMEOUT=31s
DC_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/pingpanel.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/pingpanel.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.True(t, viper.GetBool("development"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, 37376, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "127.0.0.1:5050", viper.GetString("api.listen"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	// Unmarshal the configuration into a pingpanel.Config struct
	var config pingpanel.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)

	assert.Equal(t, "/home/foo/pingpanel.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.True(t, config.Development)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "?", config.Discord.CommandPrefix)
	assert.Equal(t, "alive", config.Discord.CommandName)
	assert.Equal(t, "?alive", config.Discord.Trigger())
	assert.Equal(t, "still here", config.Discord.CommandResponse)
	assert.Equal(t, "123456789", config.Discord.NotificationChannelID)
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(37376), config.Discord.GatewayIntents)

	assert.Equal(t, "127.0.0.1:5050", config.API.Listen)
	assert.Equal(t, "tcp", config.API.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(772), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(t, 0.5, config.API.StartRateLimit)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, config.API.CORS.AllowMethods)
	assert.Equal(
		t,
		[]string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		config.API.CORS.AllowHeaders,
	)
	assert.Equal(
		t,
		[]string{"Content-Type", "Content-Length", "X-Request-ID"},
		config.API.CORS.ExposeHeaders,
	)
	assert.False(t, config.API.CORS.AllowCredentials)
	assert.Equal(t, 6*time.Hour, config.API.CORS.MaxAge)
	assert.Equal(t, 6*time.Second, config.API.ReadTimeout)
	assert.Equal(t, 7*time.Second, config.API.ReadHeaderTimeout)
	assert.Equal(t, 11*time.Second, config.API.WriteTimeout)
	assert.Equal(t, 31*time.Second, config.API.IdleTimeout)
	assert.Equal(t, 6*time.Hour, config.API.SessionMaxAge)
}

func TestLevelToStringHookFunc(t *testing.T) {
	hook := LevelToStringHookFunc()
	levelVarType := reflect.TypeOf(&slog.LevelVar{})
	stringType := reflect.TypeOf("")

	rv, err := hook(stringType, levelVarType, "debug")
	require.NoError(t, err)
	assertLogLevel(t, slog.LevelDebug, rv)

	rv, err = hook(stringType, levelVarType, "WARN")
	require.NoError(t, err)
	assertLogLevel(t, slog.LevelWarn, rv)

	_, err = hook(stringType, levelVarType, "loud")
	assert.Error(t, err)

	// other types pass through
	rv, err = hook(stringType, stringType, "debug")
	require.NoError(t, err)
	assert.Equal(t, "debug", rv)

	rv, err = hook(reflect.TypeOf(1), levelVarType, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rv)
}

func TestInitConfig_PlainEnvFallbacks(t *testing.T) {
	origConfigFile := configFile
	t.Cleanup(
		func() {
			configFile = origConfigFile
			viper.Reset()
		},
	)
	configFile = ""

	t.Setenv("PORT", "9999")
	t.Setenv("DC_API_LISTEN", "")
	t.Setenv("DISCORD_TOKEN", "plain-discord-token")
	t.Setenv("DC_DISCORD_TOKEN", "")

	viper.Reset()
	initConfig()

	assert.Equal(t, "127.0.0.1:9999", viper.GetString("api.listen"))
	assert.Equal(t, "plain-discord-token", viper.GetString("discord.token"))
	assertLogLevel(t, pingpanel.DefaultLogLevel, viper.Get("log_level"))

	t.Setenv("DC_DISCORD_TOKEN", "prefixed-discord-token")
	assert.Equal(t, "prefixed-discord-token", viper.GetString("discord.token"))
}

func TestInitConfig_Defaults(t *testing.T) {
	origConfigFile := configFile
	t.Cleanup(
		func() {
			configFile = origConfigFile
			viper.Reset()
		},
	)
	configFile = ""

	t.Setenv("PORT", "")
	t.Setenv("DC_API_LISTEN", "")
	t.Setenv("DC_DISCORD_TOKEN", "")
	t.Setenv("DISCORD_TOKEN", "")

	viper.Reset()
	initConfig()

	var config pingpanel.Config
	require.NoError(
		t,
		viper.Unmarshal(
			&config, viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		),
	)

	defaults := pingpanel.DefaultConfig()
	assert.Equal(t, defaults.API.Listen, config.API.Listen)
	assert.Equal(t, defaults.Database, config.Database)
	assert.Equal(t, defaults.DatabaseType, config.DatabaseType)
	assert.Equal(t, defaults.Discord.Trigger(), config.Discord.Trigger())
	assert.Equal(t, defaults.Discord.CommandResponse, config.Discord.CommandResponse)
	assert.Equal(t, defaults.Discord.GatewayIntents, config.Discord.GatewayIntents)
	assert.Equal(t, defaults.API.SessionMaxAge, config.API.SessionMaxAge)
	assert.Equal(t, defaults.API.CORS.AllowMethods, config.API.CORS.AllowMethods)
	assert.Empty(t, config.Discord.Token)
	assert.Zero(t, config.API.StartRateLimit)
}
