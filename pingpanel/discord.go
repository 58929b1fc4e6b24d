package pingpanel

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// BotSession defines the methods of `discordgo.Session` used by the bot
// runner, to enable testing/mocking.
type BotSession interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler, returning a
	// function which removes it
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetIntents sets the gateway intents sent in the identify payload
	// during the initial handshake with the discord gateway
	SetIntents(intents discordgo.Intent)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// newSessionFunc creates the session used by the bot runner
type newSessionFunc func(config *DiscordConfig, logger *slog.Logger) (BotSession, error)

// DiscordSession implements BotSession, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// newDiscordSession is the default newSessionFunc
func newDiscordSession(config *DiscordConfig, logger *slog.Logger) (BotSession, error) {
	session := DiscordSession{logger: logger.With(loggerNameKey, "discord_session")}
	disc, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	session.session = disc

	if err = session.SetLogLevel(config.DiscordGoLogLevel.Level()); err != nil {
		return nil, err
	}
	return session, nil
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	} else {
		d.logger.Debug(
			"sent message",
			"channel_id", channelID,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) SetIntents(intents discordgo.Intent) {
	d.session.Identify.Intents = intents
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	level, err := discordgoLogLevel(lvl)
	if err != nil {
		return err
	}
	d.session.LogLevel = level
	return nil
}

// messageAuthor returns the author of the message, falling back to the
// guild member's user
func messageAuthor(m *discordgo.Message) *discordgo.User {
	if m == nil {
		return nil
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	return user
}
