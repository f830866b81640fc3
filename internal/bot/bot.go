package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jusunglee/pumpbot/internal/listing"
	"github.com/jusunglee/pumpbot/internal/metrics"
	"github.com/jusunglee/pumpbot/internal/security"
	"github.com/samber/lo"
)

const refreshButtonID = "refresh"

type Config struct {
	GuildID string
	// OwnerIDs may use /stats.
	OwnerIDs       []int64
	RequestTimeout time.Duration
}

type Bot struct {
	log      *slog.Logger
	session  DiscordSession
	guard    Guard
	reporter StatsReporter
	coins    listing.Fetcher
	config   Config
	now      func() time.Time
}

func New(
	log *slog.Logger,
	session DiscordSession,
	guard Guard,
	reporter StatsReporter,
	coins listing.Fetcher,
	config Config,
) *Bot {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = time.Minute
	}
	return &Bot{
		log:      log.With("subsystem", "bot"),
		session:  session,
		guard:    guard,
		reporter: reporter,
		coins:    coins,
		config:   config,
		now:      time.Now,
	}
}

// Run connects to Discord, registers commands and serves until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.session.AddHandler(b.handleInteraction)
	b.session.AddHandler(b.handleMessage)
	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.log.InfoContext(ctx, "connected to Discord", "username", r.User.Username)
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("opening Discord connection: %w", err)
	}

	if err := b.registerCommands(ctx); err != nil {
		b.session.Close()
		return fmt.Errorf("registering commands: %w", err)
	}

	b.log.InfoContext(ctx, "bot is running, press Ctrl+C to stop")
	<-ctx.Done()
	b.log.Info("shutdown signal received")
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("closing Discord connection: %w", err)
	}
	b.log.Info("shut down complete")
	return nil
}

func (b *Bot) registerCommands(ctx context.Context) error {
	guildID := b.config.GuildID
	if guildID != "" {
		b.log.InfoContext(ctx, "registering commands to guild", "guild_id", guildID)
		_, err := b.session.ApplicationCommandBulkOverwrite(b.session.GetUserID(), "", []*discordgo.ApplicationCommand{})
		if err != nil {
			b.log.WarnContext(ctx, "failed to clear global commands", "error", err)
		}
	} else {
		b.log.InfoContext(ctx, "registering commands globally (may take up to 1 hour to propagate)")
	}

	_, err := b.session.ApplicationCommandBulkOverwrite(b.session.GetUserID(), guildID, commands)
	if err != nil {
		return fmt.Errorf("bulk overwrite commands: %w", err)
	}
	b.log.InfoContext(ctx, "registered commands", "count", len(commands))
	return nil
}

var commands = []*discordgo.ApplicationCommand{
	{
		Name:        string(security.ActionStart),
		Description: "Show the welcome message and a refresh button",
	},
	{
		Name:        string(security.ActionHelp),
		Description: "Explain what the bot does",
	},
	{
		Name:        string(security.ActionRefresh),
		Description: "Show the newest coins",
	},
	{
		Name:        string(security.ActionStats),
		Description: "Security statistics (bot owners only)",
	},
}

type handlerResult struct {
	Response   string
	Components []discordgo.MessageComponent
	Ephemeral  bool
	Err        error
}

type userError struct {
	Err error
}

func (e *userError) Error() string {
	return e.Err.Error()
}

func (e *userError) Unwrap() error {
	return e.Err
}

func newUserError(err error) *userError {
	return &userError{Err: err}
}

func (b *Bot) handleInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	var action security.Action
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		action = security.Action(i.ApplicationCommandData().Name)
	case discordgo.InteractionMessageComponent:
		if i.MessageComponentData().CustomID != refreshButtonID {
			return
		}
		action = security.ActionRefreshCallback
	default:
		return
	}
	if !action.Valid() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.RequestTimeout)
	defer cancel()

	ev := interactionEvent(i.Interaction, action, b.now())
	decision := b.guard.Evaluate(ev)
	if !decision.Allow {
		metrics.CommandsTotal.WithLabelValues(string(action), "denied").Inc()
		b.respond(ctx, i.Interaction, handlerResult{Response: denialNotice(decision), Ephemeral: true})
		return
	}

	var result handlerResult
	switch action {
	case security.ActionRefresh, security.ActionRefreshCallback:
		result = b.refreshInteraction(ctx, i.Interaction, action == security.ActionRefreshCallback)
	default:
		result = b.handle(ctx, ev)
		b.respond(ctx, i.Interaction, result)
	}
	b.record(ctx, ev, result)
}

// handleMessage answers free text sent in a DM or mentioning the bot with
// the list of commands.
func (b *Bot) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == b.session.GetUserID() {
		return
	}
	if m.GuildID != "" && !b.mentioned(m.Message) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.RequestTimeout)
	defer cancel()

	ev := security.UserEvent{
		UserID:    parseUserID(m.Author.ID),
		Action:    security.ActionMessage,
		Timestamp: b.now(),
		Username:  m.Author.Username,
		IsBot:     m.Author.Bot,
		RawText:   m.Content,
	}
	decision := b.guard.Evaluate(ev)
	if !decision.Allow {
		metrics.CommandsTotal.WithLabelValues(string(ev.Action), "denied").Inc()
		// Blocked users get silence; only a rate limit is worth explaining.
		if decision.Reason == security.DecisionRateLimited {
			b.reply(ctx, m.Message, handlerResult{Response: denialNotice(decision)})
		}
		return
	}

	result := b.handle(ctx, ev)
	b.reply(ctx, m.Message, result)
	b.record(ctx, ev, result)
}

// handle produces the reply for an allowed event. Refreshes triggered by
// slash commands and buttons go through refreshInteraction instead so the
// loading message can be edited in place.
func (b *Bot) handle(ctx context.Context, ev security.UserEvent) handlerResult {
	switch ev.Action {
	case security.ActionStart:
		return handlerResult{Response: welcomeMessage, Components: refreshRow("🔄 Refresh")}
	case security.ActionHelp:
		return handlerResult{Response: helpMessage, Components: refreshRow("🔄 Refresh")}
	case security.ActionStats:
		return b.handleStats(ev)
	case security.ActionRefresh, security.ActionRefreshCallback:
		return b.handleRefresh(ctx)
	default:
		return handlerResult{Response: unknownMessage, Components: refreshRow("🔄 Refresh")}
	}
}

func (b *Bot) handleStats(ev security.UserEvent) handlerResult {
	if !lo.Contains(b.config.OwnerIDs, ev.UserID) {
		return handlerResult{
			Response:  "⛔ This command is restricted to the bot owner.",
			Ephemeral: true,
			Err:       newUserError(fmt.Errorf("user %d is not an owner", ev.UserID)),
		}
	}
	return handlerResult{Response: formatStats(b.reporter.Snapshot()), Ephemeral: true}
}

func (b *Bot) handleRefresh(ctx context.Context) handlerResult {
	coins, err := b.coins.NewestCoins(ctx)
	if err != nil {
		return handlerResult{
			Response:   fetchErrorMessage,
			Components: refreshRow("🔄 Try Again"),
			Err:        fmt.Errorf("fetching newest coins: %w", err),
		}
	}
	if len(coins) == 0 {
		return handlerResult{Response: "❌ No coins found", Components: refreshRow("🔄 Try Again")}
	}
	b.log.InfoContext(ctx, "sending coin listing", "coins", len(coins))
	return handlerResult{Response: formatCoins(coins, b.now()), Components: refreshRow("🔄 Refresh")}
}

// refreshInteraction shows a loading message, then edits it into the
// listing. A button press updates the message it is attached to.
func (b *Bot) refreshInteraction(ctx context.Context, i *discordgo.Interaction, fromButton bool) handlerResult {
	responseType := discordgo.InteractionResponseChannelMessageWithSource
	if fromButton {
		responseType = discordgo.InteractionResponseUpdateMessage
	}
	err := b.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: responseType,
		Data: &discordgo.InteractionResponseData{
			Content:    loadingMessage,
			Components: []discordgo.MessageComponent{},
		},
	})
	if err != nil {
		return handlerResult{Err: fmt.Errorf("sending loading message: %w", err)}
	}

	result := b.handleRefresh(ctx)
	_, err = b.session.InteractionResponseEdit(i, &discordgo.WebhookEdit{
		Content:    &result.Response,
		Components: &result.Components,
	})
	if err != nil {
		result.Err = errors.Join(result.Err, fmt.Errorf("editing listing message: %w", err))
	}
	return result
}

func (b *Bot) respond(ctx context.Context, i *discordgo.Interaction, result handlerResult) {
	data := &discordgo.InteractionResponseData{
		Content:    result.Response,
		Components: result.Components,
	}
	if result.Ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := b.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		b.log.ErrorContext(ctx, "failed to respond to interaction", "error", err)
	}
}

func (b *Bot) reply(ctx context.Context, m *discordgo.Message, result handlerResult) {
	_, err := b.session.ChannelMessageSendComplex(m.ChannelID, &discordgo.MessageSend{
		Content:    result.Response,
		Components: result.Components,
		Reference:  &discordgo.MessageReference{MessageID: m.ID, ChannelID: m.ChannelID, GuildID: m.GuildID},
	})
	if err != nil {
		b.log.ErrorContext(ctx, "failed to reply to message", "error", err, "channel_id", m.ChannelID)
	}
}

// record counts the outcome and logs failures, user errors at Warn.
func (b *Bot) record(ctx context.Context, ev security.UserEvent, result handlerResult) {
	outcome := "ok"
	switch {
	case result.Err == nil:
	case errors.As(result.Err, new(*userError)):
		outcome = "user_error"
		b.log.WarnContext(ctx, "user error", "action", ev.Action, "user_id", ev.UserID, "error", result.Err)
	default:
		outcome = "error"
		b.log.ErrorContext(ctx, "command failed", "action", ev.Action, "user_id", ev.UserID, "error", result.Err)
	}
	metrics.CommandsTotal.WithLabelValues(string(ev.Action), outcome).Inc()
}

func (b *Bot) mentioned(m *discordgo.Message) bool {
	self := b.session.GetUserID()
	return lo.ContainsBy(m.Mentions, func(u *discordgo.User) bool {
		return u != nil && u.ID == self
	})
}

// interactionEvent builds the security event for an interaction. Guild
// interactions carry the user on Member, DMs on User.
func interactionEvent(i *discordgo.Interaction, action security.Action, now time.Time) security.UserEvent {
	ev := security.UserEvent{Action: action, Timestamp: now}
	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user != nil {
		ev.UserID = parseUserID(user.ID)
		ev.Username = user.Username
		ev.IsBot = user.Bot
	}
	return ev
}

// parseUserID returns 0 for anything that is not a positive snowflake; the
// monitor rejects 0 as an invalid identity.
func parseUserID(id string) int64 {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
