package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jusunglee/pumpbot/internal/audit"
	"github.com/jusunglee/pumpbot/internal/audit/postgres"
	"github.com/jusunglee/pumpbot/internal/audit/sqlite"
	"github.com/jusunglee/pumpbot/internal/ratelimit"
	"github.com/jusunglee/pumpbot/internal/security"
	"github.com/peterbourgon/ff/v4"
	"github.com/samber/lo"
)

// limitOff disables rate limiting for an action.
const limitOff = "off"

// limitFlags registers one --limit-<action> flag per action, defaulting to
// the built-in policy.
func limitFlags(fs *ff.FlagSet) map[security.Action]*string {
	defaults := security.DefaultLimits()
	return lo.SliceToMap(security.Actions, func(a security.Action) (security.Action, *string) {
		name := "limit-" + strings.ReplaceAll(string(a), "_", "-")
		def := limitOff
		if p, ok := defaults[a]; ok {
			def = p.String()
		}
		return a, fs.StringLong(name, def, fmt.Sprintf("Rate limit for %s as count/window, or %q", a, limitOff))
	})
}

func parseLimits(raw map[security.Action]*string) (map[security.Action]ratelimit.Policy, error) {
	limits := make(map[security.Action]ratelimit.Policy, len(raw))
	for action, value := range raw {
		if strings.EqualFold(strings.TrimSpace(*value), limitOff) {
			continue
		}
		p, err := ratelimit.ParsePolicy(*value)
		if err != nil {
			return nil, fmt.Errorf("limit for %s: %w", action, err)
		}
		limits[action] = p
	}
	return limits, nil
}

// parseOwnerIDs reads a comma-separated list of Discord user ids.
func parseOwnerIDs(s string) ([]int64, error) {
	var ids []int64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid owner id %q", field)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return lo.Uniq(ids), nil
}

// openAuditStore picks a backend from the URL scheme. An empty URL disables
// the audit log and returns a nil store.
func openAuditStore(ctx context.Context, url string) (audit.Store, error) {
	switch {
	case url == "":
		return nil, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		store, err := postgres.New(ctx, url)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := sqlite.New(ctx, url)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}
