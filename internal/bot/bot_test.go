package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/jusunglee/pumpbot/internal/listing"
	"github.com/jusunglee/pumpbot/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock implementations

type MockDiscordSession struct {
	mock.Mock
}

func (m *MockDiscordSession) AddHandler(handler interface{}) func() {
	ret := m.Called(handler)
	return ret.Get(0).(func())
}

func (m *MockDiscordSession) Open() error {
	ret := m.Called()
	return ret.Error(0)
}

func (m *MockDiscordSession) Close() error {
	ret := m.Called()
	return ret.Error(0)
}

func (m *MockDiscordSession) ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	ret := m.Called(appID, guildID, commands, options)
	return ret.Get(0).([]*discordgo.ApplicationCommand), ret.Error(1)
}

func (m *MockDiscordSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	ret := m.Called(interaction, resp, options)
	return ret.Error(0)
}

func (m *MockDiscordSession) InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	ret := m.Called(interaction, newresp, options)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(*discordgo.Message), ret.Error(1)
}

func (m *MockDiscordSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	ret := m.Called(channelID, data, options)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(*discordgo.Message), ret.Error(1)
}

func (m *MockDiscordSession) GetUserID() string {
	ret := m.Called()
	return ret.String(0)
}

type MockGuard struct {
	mock.Mock
}

func (m *MockGuard) Evaluate(ev security.UserEvent) security.Decision {
	ret := m.Called(ev)
	return ret.Get(0).(security.Decision)
}

type MockReporter struct {
	mock.Mock
}

func (m *MockReporter) Snapshot() security.Report {
	ret := m.Called()
	return ret.Get(0).(security.Report)
}

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) NewestCoins(ctx context.Context) ([]listing.Coin, error) {
	ret := m.Called(ctx)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).([]listing.Coin), ret.Error(1)
}

// Test helpers

const botUserID = "999"

var fixedNow = time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

type testBot struct {
	*Bot
	session  *MockDiscordSession
	guard    *MockGuard
	reporter *MockReporter
	coins    *MockFetcher
}

func newTestBot(t *testing.T, owners ...int64) *testBot {
	t.Helper()
	tb := &testBot{
		session:  new(MockDiscordSession),
		guard:    new(MockGuard),
		reporter: new(MockReporter),
		coins:    new(MockFetcher),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tb.Bot = New(log, tb.session, tb.guard, tb.reporter, tb.coins, Config{OwnerIDs: owners})
	tb.Bot.now = func() time.Time { return fixedNow }
	tb.session.On("GetUserID").Return(botUserID).Maybe()
	t.Cleanup(func() {
		tb.session.AssertExpectations(t)
		tb.guard.AssertExpectations(t)
		tb.coins.AssertExpectations(t)
	})
	return tb
}

func commandInteraction(name, userID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:   discordgo.InteractionApplicationCommand,
		Data:   discordgo.ApplicationCommandInteractionData{Name: name},
		Member: &discordgo.Member{User: &discordgo.User{ID: userID, Username: "alice"}},
	}}
}

func buttonInteraction(customID, userID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionMessageComponent,
		Data: discordgo.MessageComponentInteractionData{CustomID: customID},
		User: &discordgo.User{ID: userID, Username: "alice"},
	}}
}

func dmMessage(userID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		Content:   content,
		Author:    &discordgo.User{ID: userID, Username: "alice"},
	}}
}

func eventFor(userID int64, action security.Action) any {
	return mock.MatchedBy(func(ev security.UserEvent) bool {
		return ev.UserID == userID && ev.Action == action && ev.Timestamp.Equal(fixedNow)
	})
}

func allow() security.Decision {
	return security.Decision{Allow: true}
}

func respondedWith(content string, ephemeral bool) any {
	return mock.MatchedBy(func(resp *discordgo.InteractionResponse) bool {
		isEphemeral := resp.Data.Flags&discordgo.MessageFlagsEphemeral != 0
		return resp.Type == discordgo.InteractionResponseChannelMessageWithSource &&
			strings.Contains(resp.Data.Content, content) &&
			isEphemeral == ephemeral
	})
}

var sampleCoins = []listing.Coin{
	{Name: "MoonShot", Symbol: "MOON", Price: "$0.00075", MarketCap: "$750K", Change24h: "+25.4%", Volume24h: "$320K"},
	{Name: "RocketFuel", Symbol: "FUEL", Price: "$0.0018", MarketCap: "$1.8M", Change24h: "-5.2%", Volume24h: "$540K"},
}

// Interaction tests

func TestStartCommand(t *testing.T) {
	tb := newTestBot(t)
	tb.guard.On("Evaluate", eventFor(42, security.ActionStart)).Return(allow()).Once()
	tb.session.On("InteractionRespond", mock.Anything, mock.MatchedBy(func(resp *discordgo.InteractionResponse) bool {
		return resp.Data.Content == welcomeMessage && len(resp.Data.Components) == 1
	}), mock.Anything).Return(nil).Once()

	tb.handleInteraction(nil, commandInteraction("start", "42"))
}

func TestDeniedCommandGetsEphemeralNotice(t *testing.T) {
	tb := newTestBot(t)
	tb.guard.On("Evaluate", eventFor(42, security.ActionRefresh)).
		Return(security.Decision{Reason: security.DecisionRateLimited, RetryAfter: 34200 * time.Millisecond}).Once()
	tb.session.On("InteractionRespond", mock.Anything, respondedWith("Try again in 35s", true), mock.Anything).Return(nil).Once()

	tb.handleInteraction(nil, commandInteraction("refresh", "42"))
	tb.coins.AssertNotCalled(t, "NewestCoins", mock.Anything)
}

func TestRefreshCommandEditsLoadingMessage(t *testing.T) {
	tb := newTestBot(t)
	tb.guard.On("Evaluate", eventFor(42, security.ActionRefresh)).Return(allow()).Once()
	tb.coins.On("NewestCoins", mock.Anything).Return(sampleCoins, nil).Once()
	tb.session.On("InteractionRespond", mock.Anything, respondedWith(loadingMessage, false), mock.Anything).Return(nil).Once()
	tb.session.On("InteractionResponseEdit", mock.Anything, mock.MatchedBy(func(edit *discordgo.WebhookEdit) bool {
		return strings.Contains(*edit.Content, "MoonShot") && len(*edit.Components) == 1
	}), mock.Anything).Return(&discordgo.Message{}, nil).Once()

	tb.handleInteraction(nil, commandInteraction("refresh", "42"))
}

func TestRefreshButtonUpdatesMessage(t *testing.T) {
	tb := newTestBot(t)
	tb.guard.On("Evaluate", eventFor(7, security.ActionRefreshCallback)).Return(allow()).Once()
	tb.coins.On("NewestCoins", mock.Anything).Return(nil, errors.New("upstream down")).Once()
	tb.session.On("InteractionRespond", mock.Anything, mock.MatchedBy(func(resp *discordgo.InteractionResponse) bool {
		return resp.Type == discordgo.InteractionResponseUpdateMessage
	}), mock.Anything).Return(nil).Once()
	tb.session.On("InteractionResponseEdit", mock.Anything, mock.MatchedBy(func(edit *discordgo.WebhookEdit) bool {
		return *edit.Content == fetchErrorMessage
	}), mock.Anything).Return(&discordgo.Message{}, nil).Once()

	tb.handleInteraction(nil, buttonInteraction(refreshButtonID, "7"))
}

func TestUnknownButtonIgnored(t *testing.T) {
	tb := newTestBot(t)
	tb.handleInteraction(nil, buttonInteraction("something_else", "7"))
	tb.guard.AssertNotCalled(t, "Evaluate", mock.Anything)
}

func TestStatsRestrictedToOwners(t *testing.T) {
	tb := newTestBot(t, 1)
	tb.guard.On("Evaluate", eventFor(42, security.ActionStats)).Return(allow()).Once()
	tb.session.On("InteractionRespond", mock.Anything, respondedWith("restricted to the bot owner", true), mock.Anything).Return(nil).Once()

	tb.handleInteraction(nil, commandInteraction("stats", "42"))
	tb.reporter.AssertNotCalled(t, "Snapshot")
}

func TestStatsForOwner(t *testing.T) {
	tb := newTestBot(t, 1)
	tb.guard.On("Evaluate", eventFor(1, security.ActionStats)).Return(allow()).Once()
	tb.reporter.On("Snapshot").Return(security.Report{
		Uptime:       90 * time.Minute,
		TotalEvents:  120,
		DeniedEvents: 7,
		ActiveBlocks: 2,
		PerAction:    map[security.Action]int64{security.ActionRefresh: 80},
	}).Once()
	tb.session.On("InteractionRespond", mock.Anything, respondedWith("Events: `120` (denied `7`)", true), mock.Anything).Return(nil).Once()

	tb.handleInteraction(nil, commandInteraction("stats", "1"))
}

// Message tests

func TestDirectMessageGetsCommandList(t *testing.T) {
	tb := newTestBot(t)
	tb.guard.On("Evaluate", mock.MatchedBy(func(ev security.UserEvent) bool {
		return ev.UserID == 5 && ev.Action == security.ActionMessage && ev.RawText == "hello"
	})).Return(allow()).Once()
	tb.session.On("ChannelMessageSendComplex", "c1", mock.MatchedBy(func(msg *discordgo.MessageSend) bool {
		return msg.Content == unknownMessage && msg.Reference.MessageID == "m1"
	}), mock.Anything).Return(&discordgo.Message{}, nil).Once()

	tb.handleMessage(nil, dmMessage("5", "hello"))
}

func TestGuildMessageWithoutMentionIgnored(t *testing.T) {
	tb := newTestBot(t)
	m := dmMessage("5", "gm")
	m.GuildID = "g1"

	tb.handleMessage(nil, m)
	tb.guard.AssertNotCalled(t, "Evaluate", mock.Anything)
}

func TestGuildMessageMentioningBot(t *testing.T) {
	tb := newTestBot(t)
	m := dmMessage("5", "<@999> coins?")
	m.GuildID = "g1"
	m.Mentions = []*discordgo.User{{ID: botUserID}}

	tb.guard.On("Evaluate", eventFor(5, security.ActionMessage)).Return(allow()).Once()
	tb.session.On("ChannelMessageSendComplex", "c1", mock.Anything, mock.Anything).Return(&discordgo.Message{}, nil).Once()

	tb.handleMessage(nil, m)
}

func TestOwnMessagesIgnored(t *testing.T) {
	tb := newTestBot(t)
	tb.handleMessage(nil, dmMessage(botUserID, "listing"))
	tb.guard.AssertNotCalled(t, "Evaluate", mock.Anything)
}

func TestBlockedMessageGetsNoReply(t *testing.T) {
	tb := newTestBot(t)
	tb.guard.On("Evaluate", eventFor(5, security.ActionMessage)).
		Return(security.Decision{Reason: security.DecisionBlocked}).Once()

	tb.handleMessage(nil, dmMessage("5", "hello"))
	tb.session.AssertNotCalled(t, "ChannelMessageSendComplex", mock.Anything, mock.Anything, mock.Anything)
}

func TestRateLimitedMessageGetsNotice(t *testing.T) {
	tb := newTestBot(t)
	tb.guard.On("Evaluate", eventFor(5, security.ActionMessage)).
		Return(security.Decision{Reason: security.DecisionRateLimited, RetryAfter: 10 * time.Second}).Once()
	tb.session.On("ChannelMessageSendComplex", "c1", mock.MatchedBy(func(msg *discordgo.MessageSend) bool {
		return strings.Contains(msg.Content, "Slow down")
	}), mock.Anything).Return(&discordgo.Message{}, nil).Once()

	tb.handleMessage(nil, dmMessage("5", "hello"))
}

// Lifecycle tests

func TestRunRegistersCommandsAndStops(t *testing.T) {
	tb := newTestBot(t)
	tb.Bot.config.GuildID = "g1"
	tb.session.On("AddHandler", mock.Anything).Return(func() {}).Times(3)
	tb.session.On("Open").Return(nil).Once()
	tb.session.On("ApplicationCommandBulkOverwrite", botUserID, "", mock.Anything, mock.Anything).
		Return([]*discordgo.ApplicationCommand{}, nil).Once()
	tb.session.On("ApplicationCommandBulkOverwrite", botUserID, "g1", commands, mock.Anything).
		Return(commands, nil).Once()
	tb.session.On("Close").Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tb.Run(ctx))
}

func TestRunOpenFailure(t *testing.T) {
	tb := newTestBot(t)
	tb.session.On("AddHandler", mock.Anything).Return(func() {}).Times(3)
	tb.session.On("Open").Return(errors.New("invalid token")).Once()

	err := tb.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening Discord connection")
}

// Formatting tests

func TestInteractionEventIdentity(t *testing.T) {
	ev := interactionEvent(commandInteraction("help", "123").Interaction, security.ActionHelp, fixedNow)
	assert.Equal(t, int64(123), ev.UserID)
	assert.Equal(t, "alice", ev.Username)

	dm := buttonInteraction(refreshButtonID, "456").Interaction
	dm.User.Bot = true
	ev = interactionEvent(dm, security.ActionRefreshCallback, fixedNow)
	assert.Equal(t, int64(456), ev.UserID)
	assert.True(t, ev.IsBot)

	ev = interactionEvent(&discordgo.Interaction{}, security.ActionHelp, fixedNow)
	assert.Zero(t, ev.UserID)

	assert.Zero(t, parseUserID("not-a-snowflake"))
	assert.Zero(t, parseUserID("-3"))
}

func TestFormatCoins(t *testing.T) {
	msg := formatCoins(sampleCoins, fixedNow)

	assert.Contains(t, msg, "Updated: 12:30:00 UTC")
	assert.Contains(t, msg, "**1. MoonShot** (`MOON`)")
	assert.Contains(t, msg, "🟢 24h: `+25.4%`")
	assert.Contains(t, msg, "🔴 24h: `-5.2%`")
	assert.Contains(t, msg, "Always DYOR")
}

func TestFormatCoinsTruncates(t *testing.T) {
	long := strings.Repeat("ドージ", 200)
	coins := []listing.Coin{{Name: long}, {Name: long}, {Name: long}, {Name: long}, {Name: long}}

	msg := formatCoins(coins, fixedNow)
	assert.True(t, utf8.ValidString(msg))
	assert.LessOrEqual(t, utf8.RuneCountInString(msg), maxMessageLen)
	assert.True(t, strings.HasSuffix(msg, truncateNotice))
}

func TestDenialNotice(t *testing.T) {
	expires := time.Unix(1_740_000_000, 0)
	tests := []struct {
		name string
		d    security.Decision
		want string
	}{
		{"rate limited", security.Decision{Reason: security.DecisionRateLimited, RetryAfter: 1500 * time.Millisecond}, "Try again in 2s"},
		{"rate limit tripped block", security.Decision{Reason: security.DecisionRateLimited, ExpiresAt: expires}, "<t:1740000000:R>"},
		{"suspicious permanent", security.Decision{Reason: security.DecisionSuspicious}, "Access has been restricted"},
		{"blocked permanent", security.Decision{Reason: security.DecisionBlocked}, "blocked from using this bot"},
		{"blocked temporary", security.Decision{Reason: security.DecisionBlocked, ExpiresAt: expires}, "temporarily blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, denialNotice(tt.d), tt.want)
		})
	}
}
