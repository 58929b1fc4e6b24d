package pingpanel

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrMissingToken is returned by the bot runner when no discord token
// is configured. It only stops the runner, the API keeps serving.
var ErrMissingToken = errors.New("discord token not set (set DC_DISCORD_TOKEN or DISCORD_TOKEN)")

// ConnectionError wraps a failure to create or open the discord session
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("error connecting to discord: %s", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// botRunner owns the discord session. It's launched at most once,
// holds the gateway connection until its context is cancelled, and
// answers the configured command.
type botRunner struct {
	config     *DiscordConfig
	logger     *slog.Logger
	events     *eventLog
	newSession newSessionFunc

	mu             sync.RWMutex
	session        BotSession
	botUserID      string
	startedAt      time.Time
	lastErr        error
	done           chan struct{}
	removeHandlers []func()

	connected       atomic.Bool
	connectAttempts atomic.Int64
	commandsHandled atomic.Int64
}

func newBotRunner(config *DiscordConfig, logger *slog.Logger) *botRunner {
	return &botRunner{
		config:     config,
		logger:     logger,
		newSession: newDiscordSession,
	}
}

// launch runs the bot on a new goroutine. The caller guarantees it's
// only called once (see stateCell.tryStart). A logger attached to ctx
// with WithLogger is used for the runner's lifecycle messages.
func (r *botRunner) launch(ctx context.Context) {
	done := make(chan struct{})
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = r.logger
	}

	r.mu.Lock()
	r.startedAt = time.Now().UTC()
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer r.handleRecover(ctx)

		logger.InfoContext(ctx, "bot runner started")
		if err := r.run(ctx); err != nil {
			logger.ErrorContext(ctx, "bot runner exited", tint.Err(err))
			return
		}
		logger.InfoContext(ctx, "bot runner stopped")
	}()
}

// run connects to discord and blocks until ctx is done. Errors are
// returned without retrying, discordgo handles gateway reconnects on
// its own once the session is open.
func (r *botRunner) run(ctx context.Context) error {
	if r.config.Token == "" {
		r.fail(ctx, EventConfigError, ErrMissingToken)
		return ErrMissingToken
	}

	session, err := r.newSession(r.config, r.logger)
	if err != nil {
		connErr := &ConnectionError{Err: err}
		r.fail(ctx, EventConnectionError, connErr)
		return connErr
	}

	session.SetIntents(r.config.GatewayIntents)

	r.mu.Lock()
	r.session = session
	r.removeHandlers = []func(){
		session.AddHandler(r.handlerConnect(ctx)),
		session.AddHandler(r.handlerDisconnect(ctx)),
		session.AddHandler(r.handlerReady(ctx)),
		session.AddHandler(r.handlerMessageCreate(ctx)),
	}
	r.mu.Unlock()
	defer r.removeAllHandlers()

	r.connectAttempts.Add(1)
	r.logger.InfoContext(ctx, "connecting to discord")
	if err = session.Open(); err != nil {
		connErr := &ConnectionError{Err: err}
		r.fail(ctx, EventConnectionError, connErr)
		return connErr
	}

	<-ctx.Done()

	r.logger.InfoContext(ctx, "closing discord session")
	if err = session.Close(); err != nil {
		r.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
	}
	r.connected.Store(false)
	r.events.Record(ctx, RunnerEvent{Kind: EventStopped})
	return nil
}

func (r *botRunner) fail(ctx context.Context, kind EventKind, err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	r.events.Record(ctx, RunnerEvent{Kind: kind, Error: err.Error()})
}

func (r *botRunner) removeAllHandlers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.removeHandlers {
		h()
	}
	r.removeHandlers = nil
}

// wait blocks until the runner goroutine exits, or ctx is done. It
// returns immediately if the runner was never launched.
func (r *botRunner) wait(ctx context.Context) error {
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bot runner did not stop in time: %w", ctx.Err())
	}
}

// handleRecover recovers a panic in the runner goroutine or in one of
// the session's event handlers, which discordgo calls on their own
// goroutines.
func (r *botRunner) handleRecover(ctx context.Context) {
	rc := recover()
	if rc == nil {
		return
	}
	err := fmt.Errorf("bot runner panic: %v", rc)
	r.logger.ErrorContext(
		ctx,
		"recovered from panic",
		tint.Err(err),
		"stack", string(debug.Stack()),
	)
	r.fail(ctx, EventPanic, err)
}

// LastError returns the error that stopped the runner, if any
func (r *botRunner) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

func (r *botRunner) StartedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt
}

func (r *botRunner) getBotUserID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.botUserID
}

func (r *botRunner) getSession() BotSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

func (r *botRunner) handlerReady(ctx context.Context) func(
	s *discordgo.Session,
	ev *discordgo.Ready,
) {
	return func(_ *discordgo.Session, ev *discordgo.Ready) {
		defer r.handleRecover(ctx)

		if ev == nil || ev.User == nil {
			r.logger.WarnContext(ctx, "ready event without user")
			return
		}
		r.mu.Lock()
		r.botUserID = ev.User.ID
		r.mu.Unlock()

		r.logger.InfoContext(
			ctx,
			fmt.Sprintf("bot logged in as %s", ev.User.Username),
			"session_id", ev.SessionID,
			slog.Group("user", "id", ev.User.ID, "username", ev.User.Username),
		)
		r.events.Record(
			ctx,
			RunnerEvent{
				Kind:    EventReady,
				Message: fmt.Sprintf("logged in as %s", ev.User.Username),
				UserID:  ev.User.ID,
			},
		)
	}
}

func (r *botRunner) handlerConnect(ctx context.Context) func(
	s *discordgo.Session,
	ev *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		defer r.handleRecover(ctx)

		r.connected.Store(true)
		r.logger.InfoContext(ctx, "connected")
		r.events.Record(ctx, RunnerEvent{Kind: EventConnected})

		if r.config.NotificationChannelID == "" || r.config.StartupMessage == "" {
			return
		}
		session := r.getSession()
		if session == nil {
			return
		}
		if _, err := session.ChannelMessageSend(
			r.config.NotificationChannelID,
			r.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); err != nil {
			r.logger.ErrorContext(ctx, "unable to send startup message", tint.Err(err))
		}
	}
}

func (r *botRunner) handlerDisconnect(ctx context.Context) func(
	s *discordgo.Session,
	ev *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		defer r.handleRecover(ctx)

		r.connected.Store(false)
		r.logger.InfoContext(ctx, "disconnected")
		r.events.Record(ctx, RunnerEvent{Kind: EventDisconnected})
	}
}

func (r *botRunner) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		defer r.handleRecover(ctx)

		if m == nil || m.Message == nil {
			return
		}
		r.handleMessage(ctx, m.Message)
	}
}

// handleMessage replies with the configured response when the message
// content is exactly the command trigger. Messages from bots, including
// this one, are ignored.
func (r *botRunner) handleMessage(ctx context.Context, m *discordgo.Message) bool {
	user := messageAuthor(m)
	if user == nil {
		return false
	}
	if user.Bot || user.ID == r.getBotUserID() {
		return false
	}
	if strings.TrimSpace(m.Content) != r.config.Trigger() {
		return false
	}

	session := r.getSession()
	if session == nil {
		r.logger.WarnContext(ctx, "no session to reply with")
		return false
	}

	logger := r.logger.With(
		slog.Group(
			"message",
			"id", m.ID,
			"channel_id", m.ChannelID,
			"guild_id", m.GuildID,
			"user_id", user.ID,
			"content", truncate(m.Content, 100),
		),
	)
	event := RunnerEvent{
		Kind:      EventCommand,
		Message:   r.config.CommandName,
		ChannelID: m.ChannelID,
		UserID:    user.ID,
	}

	if _, err := session.ChannelMessageSend(m.ChannelID, r.config.CommandResponse); err != nil {
		logger.ErrorContext(ctx, "error replying to command", tint.Err(err))
		event.Error = err.Error()
		r.events.Record(ctx, event)
		return false
	}
	r.commandsHandled.Add(1)
	logger.InfoContext(ctx, "replied to command")
	r.events.Record(ctx, event)
	return true
}
