package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/jusunglee/pumpbot/internal/audit"
	"github.com/jusunglee/pumpbot/internal/bot"
	"github.com/jusunglee/pumpbot/internal/envsetup"
	"github.com/jusunglee/pumpbot/internal/health"
	"github.com/jusunglee/pumpbot/internal/listing"
	"github.com/jusunglee/pumpbot/internal/logger"
	"github.com/jusunglee/pumpbot/internal/metrics"
	"github.com/jusunglee/pumpbot/internal/security"
	"github.com/jusunglee/pumpbot/internal/web"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := mainE(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func mainE() error {
	if exit, err := maybeRunSetup(os.Args[1:]); err != nil || exit {
		return err
	}
	_ = godotenv.Load()

	defaults := security.DefaultConfig()
	fs := ff.NewFlagSet("pumpbot")
	var (
		discordToken = fs.StringLong("discord-token", "", "Discord bot token")
		guildID      = fs.StringLong("guild-id", "", "Register commands to this guild only (instant); empty registers globally")
		ownerIDs     = fs.StringLong("owner-ids", "", "Comma-separated Discord user ids allowed to use /stats")
		listingURL   = fs.StringLong("listing-url", "https://frontend-api.pump.fun/coins/latest", "JSON endpoint returning the newest coins")
		userAgent    = fs.StringLong("user-agent", "pumpbot/1.0", "User-Agent sent to the listing endpoint")
		listingTTL   = fs.DurationLong("listing-cache-ttl", 15*time.Second, "How long a fetched listing is reused")
		opsPort      = fs.IntLong("ops-port", 9090, "Port for /health, /metrics and the admin API")
		adminAPIKey  = fs.StringLong("admin-api-key", "", "API key required by /admin endpoints; empty disables them")
		auditURL     = fs.StringLong("audit-database-url", "", "Audit log database: postgres:// URL or SQLite path; empty disables")
		auditBuffer  = fs.IntLong("audit-buffer", 1024, "Audit events buffered before new ones are dropped")

		rapidThreshold     = fs.IntLong("rapid-threshold", defaults.RapidThreshold, "Events inside --short-window that count as rapid fire")
		spamThreshold      = fs.IntLong("spam-threshold", defaults.SpamThreshold, "Events inside --long-window that count as spam")
		shortWindow        = fs.DurationLong("short-window", defaults.ShortWindow, "Rapid fire detection window")
		longWindow         = fs.DurationLong("long-window", defaults.LongWindow, "Spam detection window and activity retention")
		usernamePatterns   = fs.StringLong("username-patterns", strings.Join(defaults.UsernamePatterns, " "), "Space-separated regular expressions for suspicious usernames")
		violationThreshold = fs.IntLong("violation-threshold", defaults.ViolationThreshold, "Rate limit violations tolerated inside --violation-window")
		violationWindow    = fs.DurationLong("violation-window", defaults.ViolationWindow, "Window for counting rate limit violations")
		rateLimitCooldown  = fs.DurationLong("rate-limit-cooldown", defaults.RateLimitCooldown, "Block length after too many violations")
		suspiciousCooldown = fs.DurationLong("suspicious-cooldown", defaults.SuspiciousCooldown, "Block length for suspicious activity")
		sweepInterval      = fs.DurationLong("sweep-interval", defaults.SweepInterval, "Interval between cleanup sweeps")
		retention          = fs.DurationLong("retention", defaults.RetentionHorizon, "How long idle users are remembered; at least --long-window")
		shards             = fs.IntLong("shards", defaults.Shards, "Lock stripes for per-user state")
	)
	limits := limitFlags(fs)

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVars()); err != nil {
		fmt.Printf("%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("parsing flags: %w", err)
	}

	if *discordToken == "" {
		return errors.New("discord-token is required")
	}
	owners, err := parseOwnerIDs(*ownerIDs)
	if err != nil {
		return fmt.Errorf("parsing owner-ids: %w", err)
	}
	policies, err := parseLimits(limits)
	if err != nil {
		return err
	}

	log := logger.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secMetrics := metrics.NewSecurity(prometheus.DefaultRegisterer)

	store, err := openAuditStore(ctx, *auditURL)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	var (
		sink     = audit.Discard
		recorder *audit.Recorder
	)
	if store != nil {
		defer store.Close()
		recorder = audit.NewRecorder(store, log, secMetrics, *auditBuffer)
		sink = recorder
	} else {
		log.InfoContext(ctx, "audit log disabled")
	}

	monitor, err := security.NewMonitor(security.Config{
		Limits:             policies,
		RapidThreshold:     *rapidThreshold,
		SpamThreshold:      *spamThreshold,
		ShortWindow:        *shortWindow,
		LongWindow:         *longWindow,
		UsernamePatterns:   strings.Fields(*usernamePatterns),
		ViolationThreshold: *violationThreshold,
		ViolationWindow:    *violationWindow,
		RateLimitCooldown:  *rateLimitCooldown,
		SuspiciousCooldown: *suspiciousCooldown,
		SweepInterval:      *sweepInterval,
		RetentionHorizon:   *retention,
		Shards:             *shards,
	}, log, security.WithAuditSink(sink), security.WithMetrics(secMetrics))
	if err != nil {
		return fmt.Errorf("configuring security monitor: %w", err)
	}
	reporter := security.NewReporter(monitor)

	coins := listing.NewCachedClient(listing.NewClient(*listingURL, *userAgent), *listingTTL)

	dg, err := discordgo.New("Bot " + *discordToken)
	if err != nil {
		return fmt.Errorf("creating Discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent

	b := bot.New(log, bot.NewDiscordSession(dg), monitor, reporter, coins, bot.Config{
		GuildID:  *guildID,
		OwnerIDs: owners,
	})

	if *adminAPIKey == "" {
		log.WarnContext(ctx, "admin-api-key not set, /admin endpoints will refuse requests")
	}
	ops := health.New(*opsPort, web.NewRouter(monitor, reporter, store, *adminAPIKey, log).Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	if recorder != nil {
		g.Go(func() error {
			return recorder.Run(gctx)
		})
	}
	g.Go(func() error {
		log.InfoContext(gctx, "starting ops server", "port", *opsPort)
		return ops.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return b.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("exiting without error")
	return nil
}

// maybeRunSetup runs the .env wizard for `pumpbot setup`, or on a first run
// with no arguments, no .env file and no token in the environment. exit is
// true when the process should stop after setup.
func maybeRunSetup(args []string) (exit bool, err error) {
	explicit := len(args) > 0 && args[0] == "setup"
	firstRun := len(args) == 0 && os.Getenv("DISCORD_TOKEN") == "" && envsetup.NeedsSetup(".env")
	if !explicit && !firstRun {
		return false, nil
	}

	ok, err := envsetup.Run(".env")
	if err != nil {
		return true, fmt.Errorf("running setup: %w", err)
	}
	if !ok {
		return true, errors.New("setup cancelled")
	}
	return explicit, nil
}
