package pingpanel

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/pingpanel/pingpanel.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// PingPanel ties the control panel API to the bot runner.
//
// The API's start endpoint is the only thing that launches the runner,
// and it does so at most once per process: state only ever moves from
// RunnerNotStarted to RunnerRunning.
type PingPanel struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Provides the status page and start trigger
	api *API

	// Holds the discord session once started
	runner *botRunner

	// Records runner lifecycle events. nil when the database is disabled.
	events *eventLog

	// Start-once guard for the runner
	state stateCell

	// runCtx is the context the runner is launched with. It's
	// context.Background until Run replaces it with the runtime context,
	// which is cancelled on shutdown.
	runCtx   context.Context
	runCtxMu sync.RWMutex

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// signalReady has a value sent on it once Run has opened the
	// database and bound the API listener
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}
}

// New creates a PingPanel from the given config. The config is
// validated, loggers are set up (the main logger also becomes
// slog's default), and the API is built, but nothing is started or
// bound until Run.
func New(config *Config) (*PingPanel, error) {
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &PingPanel{
		config:        config,
		runCtx:        context.Background(),
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	p.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	p.logger = slog.New(p.logHandler)
	slog.SetDefault(p.logger)

	discordgoLoggerOnce.Do(
		func() {
			discordgo.Logger = discordgoLoggerFunc(
				context.Background(),
				newLogHandler(
					defaultLogWriter,
					config.Discord.DiscordGoLogLevel,
				).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
			)
		},
	)

	p.runner = newBotRunner(
		config.Discord,
		slog.New(
			newLogHandler(defaultLogWriter, config.Discord.LogLevel),
		).With(loggerNameKey, "discord"),
	)

	api, err := newAPI(p, config.API)
	if err != nil {
		return nil, err
	}
	p.api = api

	return p, nil
}

// State returns the current RunnerState
func (p *PingPanel) State() RunnerState {
	return p.state.Load()
}

// Start launches the bot runner if it hasn't been launched yet, and
// reports whether this call launched it. The runner runs on its own
// goroutine, so Start never blocks on discord.
//
// The state isn't rolled back if the runner fails (ex: missing token),
// so a failed runner can't be started again without a restart.
func (p *PingPanel) Start() bool {
	if !p.state.tryStart() {
		p.events.Record(p.runContext(), RunnerEvent{Kind: EventStartRejected})
		return false
	}
	ctx := p.runContext()
	p.events.Record(ctx, RunnerEvent{Kind: EventStartRequested})
	p.runner.launch(ctx)
	return true
}

func (p *PingPanel) runContext() context.Context {
	p.runCtxMu.RLock()
	defer p.runCtxMu.RUnlock()
	return p.runCtx
}

func (p *PingPanel) setRunContext(ctx context.Context) {
	p.runCtxMu.Lock()
	defer p.runCtxMu.Unlock()
	p.runCtx = ctx
}

// Run opens the event log, binds and serves the API, and blocks until
// ctx is cancelled or the API server fails. Failing to bind the API
// listener is returned as an error, nothing else the runner does is.
func (p *PingPanel) Run(ctx context.Context) error {
	// prevents concurrent runs
	p.runMu.Lock()
	defer p.runMu.Unlock()

	logger := p.logger
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", p.config))

	startCtx, startCancel := context.WithTimeout(ctx, p.config.StartupTimeout)
	defer startCancel()

	events, err := openEventLog(
		startCtx,
		p.config.DatabaseType,
		p.config.Database,
		newLogHandler(defaultLogWriter, p.config.DatabaseLogLevel),
		p.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	p.events = events
	p.runner.events = events

	if err = p.api.Listen(startCtx); err != nil {
		logger.ErrorContext(ctx, "error binding api listener", tint.Err(err))
		_ = events.Close()
		return fmt.Errorf("error binding api listener: %w", err)
	}
	startCancel()

	g, gctx := errgroup.WithContext(ctx)
	p.setRunContext(WithLogger(gctx, p.runner.logger))

	g.Go(
		func() error {
			logger.InfoContext(ctx, "serving api", "addr", p.api.Addr())
			serveErr := p.api.Serve()
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(serveErr))
				return serveErr
			}
			return nil
		},
	)
	g.Go(
		func() error {
			<-gctx.Done()
			return p.shutdown(ctx)
		},
	)

	p.signalReady <- struct{}{}

	return g.Wait()
}

// shutdown stops the API server, waits on the bot runner, and closes
// the database, giving up after the shutdown timeout.
func (p *PingPanel) shutdown(ctx context.Context) error {
	logger := p.logger
	logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case p.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	if p.config.ShutdownTimeout == 0 {
		logger.WarnContext(ctx, "immediate shutdown")
		return errors.Join(p.api.httpServer.Close(), p.events.Close())
	}

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		p.config.ShutdownTimeout,
	)
	defer closeCancel()

	var errs []error
	if err := p.api.httpServer.Shutdown(closeCtx); err != nil {
		logger.WarnContext(ctx, "api server did not stop in time, forcing close", tint.Err(err))
		errs = append(errs, err, p.api.httpServer.Close())
	}

	if err := p.runner.wait(closeCtx); err != nil {
		logger.WarnContext(ctx, "bot runner did not stop in time", tint.Err(err))
		errs = append(errs, err)
	}

	if err := p.events.Close(); err != nil {
		errs = append(errs, err)
	}

	logger.InfoContext(
		ctx,
		"shutdown complete",
		"shutdown_duration", time.Since(shutdownStart),
	)
	return errors.Join(errs...)
}
