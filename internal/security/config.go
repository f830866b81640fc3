package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/jusunglee/pumpbot/internal/ratelimit"
)

// ErrInvalidConfig is wrapped by every ConfigError.
var ErrInvalidConfig = errors.New("invalid security configuration")

// ConfigError reports a configuration value that cannot be used.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("security config %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("security config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidConfig, e.Err}
	}
	return []error{ErrInvalidConfig}
}

func newConfigError(field, reason string, err error) *ConfigError {
	return &ConfigError{Field: field, Reason: reason, Err: err}
}

// DefaultUsernamePatterns flags the keywords spam accounts tend to carry and
// long digit runs typical of generated usernames.
var DefaultUsernamePatterns = []string{
	`(?i)bot`,
	`(?i)spam`,
	`(?i)scam`,
	`(?i)hack`,
	`(?i)premium`,
	`(?i)gift`,
	`[0-9]{6,}`,
}

type Config struct {
	// Limits holds the per-action sliding window policies. Actions without
	// an entry are not rate limited.
	Limits map[Action]ratelimit.Policy

	// RapidThreshold events inside ShortWindow flag a user as rapid-fire.
	RapidThreshold int
	// SpamThreshold events inside LongWindow flag a user as spam.
	SpamThreshold int
	ShortWindow   time.Duration
	// LongWindow is also how long the activity tracker retains events.
	LongWindow time.Duration

	UsernamePatterns []string

	// ViolationThreshold rate-limit rejections inside ViolationWindow are
	// tolerated; one more blocks the user for RateLimitCooldown.
	ViolationThreshold int
	ViolationWindow    time.Duration
	RateLimitCooldown  time.Duration

	// SuspiciousCooldown is the block length for detections. Bot accounts
	// are blocked permanently regardless.
	SuspiciousCooldown time.Duration

	SweepInterval time.Duration
	// RetentionHorizon is how long an idle user's record survives sweeps.
	// It must be at least LongWindow.
	RetentionHorizon time.Duration

	// Shards is the number of lock stripes for per-user state.
	Shards int
}

func DefaultLimits() map[Action]ratelimit.Policy {
	return map[Action]ratelimit.Policy{
		ActionStart:           {Max: 3, Window: time.Minute},
		ActionRefresh:         {Max: 3, Window: time.Minute},
		ActionRefreshCallback: {Max: 2, Window: time.Minute},
		ActionMessage:         {Max: 5, Window: time.Minute},
		ActionHelp:            {Max: 5, Window: time.Minute},
		ActionStats:           {Max: 5, Window: time.Minute},
	}
}

func DefaultConfig() Config {
	return Config{
		Limits:             DefaultLimits(),
		RapidThreshold:     10,
		SpamThreshold:      20,
		ShortWindow:        5 * time.Minute,
		LongWindow:         time.Hour,
		UsernamePatterns:   append([]string(nil), DefaultUsernamePatterns...),
		ViolationThreshold: 5,
		ViolationWindow:    10 * time.Minute,
		RateLimitCooldown:  15 * time.Minute,
		SuspiciousCooldown: time.Hour,
		SweepInterval:      10 * time.Minute,
		RetentionHorizon:   time.Hour,
		Shards:             32,
	}
}

// Validate checks every field and returns the first problem as a
// *ConfigError.
func (c Config) Validate() error {
	for action, p := range c.Limits {
		if !action.Valid() {
			return newConfigError("limits", fmt.Sprintf("unknown action %q", action), nil)
		}
		if err := p.Validate(); err != nil {
			return newConfigError("limits."+string(action), "invalid policy", err)
		}
	}

	positiveInts := []struct {
		field string
		value int
	}{
		{"rapid_threshold", c.RapidThreshold},
		{"spam_threshold", c.SpamThreshold},
		{"violation_threshold", c.ViolationThreshold},
		{"shards", c.Shards},
	}
	for _, f := range positiveInts {
		if f.value <= 0 {
			return newConfigError(f.field, fmt.Sprintf("must be positive, got %d", f.value), nil)
		}
	}

	positiveDurations := []struct {
		field string
		value time.Duration
	}{
		{"short_window", c.ShortWindow},
		{"long_window", c.LongWindow},
		{"violation_window", c.ViolationWindow},
		{"rate_limit_cooldown", c.RateLimitCooldown},
		{"suspicious_cooldown", c.SuspiciousCooldown},
		{"sweep_interval", c.SweepInterval},
		{"retention_horizon", c.RetentionHorizon},
	}
	for _, f := range positiveDurations {
		if f.value <= 0 {
			return newConfigError(f.field, fmt.Sprintf("must be positive, got %s", f.value), nil)
		}
	}

	if c.ShortWindow > c.LongWindow {
		return newConfigError("short_window", fmt.Sprintf("%s exceeds long_window %s", c.ShortWindow, c.LongWindow), nil)
	}
	// The tracker keeps history for LongWindow, so records must outlive it.
	if c.RetentionHorizon < c.LongWindow {
		return newConfigError("retention_horizon", fmt.Sprintf("%s is shorter than long_window %s", c.RetentionHorizon, c.LongWindow), nil)
	}
	return nil
}
