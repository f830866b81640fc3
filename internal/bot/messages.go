package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jusunglee/pumpbot/internal/listing"
	"github.com/jusunglee/pumpbot/internal/security"
	"github.com/samber/lo"
)

// Discord rejects message content over 2000 characters.
const (
	maxMessageLen  = 2000
	truncatedLen   = 1900
	truncateNotice = "\n\n… *Message truncated*"
)

const welcomeMessage = "🚀 **Pump.fun New Coins Bot** 🚀\n\n" +
	"Welcome! This bot shows you the top 5 newest coins from pump.fun.\n\n" +
	"**Commands:**\n" +
	"• `/start` - Show this welcome message\n" +
	"• `/refresh` - Get the latest new coins\n" +
	"• `/help` - Show help information\n\n" +
	"Click the **🔄 Refresh** button below to get started!"

const helpMessage = "📖 **Help - Pump.fun New Coins Bot**\n\n" +
	"This bot fetches and displays the top 5 newest coins from pump.fun.\n\n" +
	"**Available Commands:**\n" +
	"• `/start` - Show welcome message and refresh button\n" +
	"• `/refresh` - Get the latest new coins data\n" +
	"• `/help` - Show this help message\n\n" +
	"Each coin shows its name, symbol, price, market cap, 24h change and volume.\n\n" +
	"Requests are rate limited per user. Need more coins? Just click refresh again! 🚀"

const unknownMessage = "❓ **Unknown Command**\n\n" +
	"I didn't understand that. Here's what I can do:\n\n" +
	"• `/start` - Get started with the bot\n" +
	"• `/refresh` - Get latest coin data\n" +
	"• `/help` - Show detailed help\n\n" +
	"Or just click the refresh button below! 👇"

const loadingMessage = "🔄 Fetching the latest coins from pump.fun..."

const fetchErrorMessage = "❌ **Error fetching coin data**\n\n" +
	"Unable to fetch coin data right now. Please try again in a few moments."

func refreshRow(label string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    label,
					CustomID: refreshButtonID,
					Style:    discordgo.PrimaryButton,
				},
			},
		},
	}
}

func formatCoins(coins []listing.Coin, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("🚀 **Top 5 New Coins from Pump.fun** 🚀\n")
	fmt.Fprintf(&sb, "📅 Updated: %s\n\n", now.UTC().Format("15:04:05 UTC"))

	entries := lo.Map(coins, func(c listing.Coin, i int) string {
		trend := "🟢"
		if c.Falling() {
			trend = "🔴"
		}
		return fmt.Sprintf("**%d. %s** (`%s`)\n💵 Price: `%s`\n📊 Market Cap: `%s`\n%s 24h: `%s`\n📈 Volume: `%s`\n",
			i+1, c.Name, c.Symbol, orDash(c.Price), orDash(c.MarketCap), trend, orDash(c.Change24h), orDash(c.Volume24h))
	})
	sb.WriteString(strings.Join(entries, "\n"))

	sb.WriteString("\n📊 **Data Source:** pump.fun\n")
	sb.WriteString("🔄 Click refresh for latest data\n")
	sb.WriteString("⚠️ *Always DYOR before investing*")
	return truncate(sb.String())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate cuts messages over the Discord limit on a rune boundary.
func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxMessageLen {
		return s
	}
	return string(runes[:truncatedLen]) + truncateNotice
}

func formatStats(r security.Report) string {
	var sb strings.Builder
	sb.WriteString("📊 **Security Stats**\n")
	fmt.Fprintf(&sb, "Uptime: `%s`\n", r.Uptime.Round(time.Second))
	fmt.Fprintf(&sb, "Events: `%d` (denied `%d`)\n", r.TotalEvents, r.DeniedEvents)
	fmt.Fprintf(&sb, "Blocks: `%d` total, `%d` active\n", r.TotalBlocked, r.ActiveBlocks)
	fmt.Fprintf(&sb, "Rate-limit violations: `%d`\n", r.RateLimitViolations)
	fmt.Fprintf(&sb, "Suspicious: `%d` detections, `%d` users\n", r.SuspiciousDetections, r.SuspiciousUsers)
	fmt.Fprintf(&sb, "Tracked users: `%d`\n", r.TrackedUsers)

	perAction := lo.Map(security.Actions, func(a security.Action, _ int) string {
		return fmt.Sprintf("%s `%d`", a, r.PerAction[a])
	})
	sb.WriteString("Per action: " + strings.Join(perAction, " · "))
	return sb.String()
}

// denialNotice tells a user why they were not served. Block expiries use
// Discord's relative timestamp markup.
func denialNotice(d security.Decision) string {
	switch d.Reason {
	case security.DecisionRateLimited:
		if !d.ExpiresAt.IsZero() {
			return fmt.Sprintf("🚫 Too many requests. You are blocked until <t:%d:R>.", d.ExpiresAt.Unix())
		}
		return fmt.Sprintf("⏳ Slow down! Try again in %s.", ceilSeconds(d.RetryAfter))
	case security.DecisionSuspicious:
		if d.ExpiresAt.IsZero() {
			return "🚫 Unusual activity detected. Access has been restricted."
		}
		return fmt.Sprintf("🚫 Unusual activity detected. Access is restricted until <t:%d:R>.", d.ExpiresAt.Unix())
	default:
		if d.ExpiresAt.IsZero() {
			return "🚫 You have been blocked from using this bot."
		}
		return fmt.Sprintf("🚫 You are temporarily blocked. Try again <t:%d:R>.", d.ExpiresAt.Unix())
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return (d + time.Second - 1).Truncate(time.Second)
}
