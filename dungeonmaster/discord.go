package dungeonmaster

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// reactionFetchLimit is the per-emoji page size when unioning reactor
// IDs. Proposals never attract anywhere near this many reactions.
const reactionFetchLimit = 100

// Discord manages the gateway session: command registration, interaction
// and reaction handlers, and the operational log channel.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	dm                          *DungeonMaster
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// NotifyChannel posts a plain message to the given channel. Implements
// ChannelNotifier for the invoice pipeline's raid warnings.
func (d *Discord) NotifyChannel(
	_ context.Context,
	channelID string,
	content string,
) error {
	_, err := d.session.ChannelMessageSend(channelID, content)
	return err
}

// opsLog mirrors an operational error to the configured ops channel, in
// addition to structured logging. Best-effort: a failed mirror only logs.
func (d *Discord) opsLog(ctx context.Context, message string, errs ...error) {
	for _, err := range errs {
		if err != nil {
			message = fmt.Sprintf("%s: `%v`", message, err)
		}
	}
	d.logger.WarnContext(ctx, "ops channel message", "message", message)
	if d.config.OpsChannelID == "" {
		return
	}
	if _, err := d.session.ChannelMessageSend(
		d.config.OpsChannelID, message,
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	); err != nil {
		d.logger.ErrorContext(ctx, "unable to send ops message", tint.Err(err))
	}
}

// channelAllowed reports whether a channel-gated command may run in the
// given channel, by the channel's own ID or its parent (thread/category).
func (d *Discord) channelAllowed(channelID string) bool {
	if len(d.config.AllowedParentChannelIDs) == 0 {
		return true
	}
	allowed := map[string]struct{}{}
	for _, id := range d.config.AllowedParentChannelIDs {
		allowed[id] = struct{}{}
	}
	if _, ok := allowed[channelID]; ok {
		return true
	}
	channel, err := d.session.Channel(channelID)
	if err != nil || channel == nil {
		d.logger.Warn(
			"unable to fetch channel for gating check",
			"channel_id", channelID,
			tint.Err(err),
		)
		return false
	}
	_, ok := allowed[channel.ParentID]
	return ok
}

// uniqueReactorIDs returns the de-duplicated union of user IDs across
// every reaction on the message, regardless of emoji.
func (d *Discord) uniqueReactorIDs(
	channelID string,
	messageID string,
) ([]string, error) {
	msg, err := d.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("fetching proposal message: %w", err)
	}
	var ids []string
	for _, reaction := range msg.Reactions {
		users, usersErr := d.session.MessageReactions(
			channelID, messageID, reaction.Emoji.APIName(),
			reactionFetchLimit, "", "",
		)
		if usersErr != nil {
			return nil, fmt.Errorf("fetching reaction users: %w", usersErr)
		}
		for _, user := range users {
			ids = append(ids, user.ID)
		}
	}
	return dedupeStrings(ids), nil
}

// voiceChannelMemberIDs returns the user IDs currently in the same voice
// channel as the given user, from gateway state.
func voiceChannelMemberIDs(
	s *discordgo.Session,
	guildID string,
	userID string,
) ([]string, error) {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("loading guild state: %w", err)
	}
	var channelID string
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			channelID = vs.ChannelID
			break
		}
	}
	if channelID == "" {
		return nil, nil
	}
	var ids []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID {
			ids = append(ids, vs.UserID)
		}
	}
	return ids, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, sendErr := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.metricDisconnects.Add(1)
		d.connected.Store(false)
		d.logger.Warn("Disconnected")
	}
}

// DiscordSessionHandler is the bot's surface of the discordgo session.
// This is here primarily to enable mocking Discord in tests;
// [DiscordSession] implements it for 'real' gateway operations.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to the given channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendEmbed sends an embed to the given channel.
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessage fetches a single message.
	ChannelMessage(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// MessageReactions fetches the users who reacted with the given emoji.
	MessageReactions(
		channelID string,
		messageID string,
		emojiID string,
		limit int,
		beforeID string,
		afterID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.User, error)

	// MessageReactionAdd makes the bot react to a message, marking a
	// proposal as reactable.
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		opts ...discordgo.RequestOption,
	) error

	// Channel fetches channel metadata.
	Channel(
		channelID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// GuildMember fetches a guild member.
	GuildMember(
		guildID string,
		userID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// ApplicationCommandBulkOverwrite overwrites application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// FollowupMessageCreate sends a followup message to an interaction.
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, opts...)
}

func (d DiscordSession) MessageReactions(
	channelID string,
	messageID string,
	emojiID string,
	limit int,
	beforeID string,
	afterID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.User, error) {
	return d.session.MessageReactions(
		channelID, messageID, emojiID, limit, beforeID, afterID, opts...,
	)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, opts...)
}

func (d DiscordSession) Channel(
	channelID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, opts...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	cmds, err := d.session.ApplicationCommandBulkOverwrite(
		appID, guildID, commands, options...,
	)
	if err != nil {
		d.logger.Error("error overwriting application commands", tint.Err(err))
	} else {
		d.logger.Info("overwrote application commands", "count", len(cmds))
	}
	return cmds, err
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

var _ ChannelNotifier = (*Discord)(nil)
