package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/pingpanel/pingpanel"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = pingpanel.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"api.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
}

var rootCmd = &cobra.Command{
	Use:   "pingpanel [flags]",
	Short: "Discord ping bot with a web control panel",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

// LevelToStringHookFunc decodes level names ("debug", "INFO", ...) into
// a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvlVar, err := pingpanel.ParseLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", pingpanel.DefaultDatabase)
	viper.SetDefault("database_type", pingpanel.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		pingpanel.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		pingpanel.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", pingpanel.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", pingpanel.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", pingpanel.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.command_prefix", pingpanel.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.command_name", pingpanel.DefaultDiscordCommandName)
	viper.SetDefault(
		"discord.command_response",
		pingpanel.DefaultDiscordCommandResponse,
	)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", "")
	viper.SetDefault(
		"discord.log_level",
		pingpanel.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		pingpanel.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(pingpanel.DefaultDiscordGatewayIntent),
	)

	// API config
	listen := pingpanel.DefaultAPIListen
	if port := os.Getenv(pingpanel.EnvvarPort); port != "" {
		listen = net.JoinHostPort("127.0.0.1", port)
	}
	viper.SetDefault("api.listen", listen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", pingpanel.DefaultAPILogLevel.String())
	viper.SetDefault("api.start_rate_limit", pingpanel.DefaultAPIStartRateLimit)
	viper.SetDefault(
		"api.session_max_age",
		pingpanel.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", pingpanel.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		pingpanel.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", pingpanel.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", pingpanel.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", pingpanel.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		pingpanel.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		pingpanel.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		pingpanel.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", pingpanel.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		pingpanel.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(pingpanel.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = pingpanel.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// the prefixed variable wins over the plain one
	if err := viper.BindEnv(
		"discord.token",
		envPrefix+"_DISCORD_TOKEN",
		pingpanel.EnvvarDiscordToken,
	); err != nil {
		log.Fatalf("error: %v", err)
	}

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := pingpanel.ParseLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load",
	)
}
