package bot

import (
	"github.com/bwmarrin/discordgo"
	"github.com/jusunglee/pumpbot/internal/security"
)

// DiscordSession is the subset of *discordgo.Session the bot calls, so
// handlers can be tested without a gateway connection.
type DiscordSession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	GetUserID() string
}

// Guard decides whether an interaction may be served.
type Guard interface {
	Evaluate(ev security.UserEvent) security.Decision
}

// StatsReporter supplies the /stats output.
type StatsReporter interface {
	Snapshot() security.Report
}

type discordSessionAdapter struct {
	*discordgo.Session
}

func (s *discordSessionAdapter) GetUserID() string {
	if s.State == nil || s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}

// NewDiscordSession adapts session. GetUserID is only valid once the
// session has received Ready.
func NewDiscordSession(session *discordgo.Session) DiscordSession {
	return &discordSessionAdapter{Session: session}
}
