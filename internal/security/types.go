package security

import "time"

// Action is the kind of user interaction being evaluated.
type Action string

const (
	ActionStart           Action = "start"
	ActionRefresh         Action = "refresh"
	ActionRefreshCallback Action = "refresh_callback"
	ActionMessage         Action = "message"
	ActionHelp            Action = "help"
	ActionStats           Action = "stats"
)

// Actions lists every action in reporting order.
var Actions = []Action{
	ActionStart,
	ActionRefresh,
	ActionRefreshCallback,
	ActionMessage,
	ActionHelp,
	ActionStats,
}

func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// UserEvent is a single inbound interaction, built by the chat adapter.
type UserEvent struct {
	UserID    int64
	Action    Action
	Timestamp time.Time
	Username  string
	IsBot     bool
	RawText   string
}

// DecisionReason explains why an event was denied.
type DecisionReason string

const (
	DecisionBlocked     DecisionReason = "blocked"
	DecisionRateLimited DecisionReason = "rate_limited"
	DecisionSuspicious  DecisionReason = "suspicious"
)

// Decision is the only thing the caller acts on.
type Decision struct {
	Allow  bool
	Reason DecisionReason
	// Threat is set when Reason is DecisionSuspicious, or DecisionBlocked
	// for a block that came from a detection.
	Threat ThreatReason
	// RetryAfter is set for rate-limited events.
	RetryAfter time.Duration
	// ExpiresAt is the end of the user's block, zero for permanent blocks
	// and for events that were not blocked.
	ExpiresAt time.Time
}

// ThreatReason is the heuristic that flagged an event.
type ThreatReason string

const (
	ThreatNone               ThreatReason = ""
	ThreatInvalidIdentity    ThreatReason = "invalid_identity"
	ThreatBotAccount         ThreatReason = "is_bot"
	ThreatSuspiciousUsername ThreatReason = "suspicious_username"
	ThreatRapidFire          ThreatReason = "rapid_fire"
	ThreatSpam               ThreatReason = "spam"
)

// BlockReason is the policy that created a block entry.
type BlockReason string

const (
	BlockRateLimit         BlockReason = "rate_limit"
	BlockSuspiciousPattern BlockReason = "suspicious_pattern"
	BlockManual            BlockReason = "manual"
)

// BlockEntry denies service to a user until ExpiresAt. A zero ExpiresAt
// never expires.
type BlockEntry struct {
	UserID    int64
	Reason    BlockReason
	Threat    ThreatReason
	BlockedAt time.Time
	ExpiresAt time.Time
}

func (b BlockEntry) Permanent() bool {
	return b.ExpiresAt.IsZero()
}

// Active reports whether the block still applies at now.
func (b BlockEntry) Active(now time.Time) bool {
	return b.Permanent() || now.Before(b.ExpiresAt)
}

// UserState is the per-user position in the CLEAN -> WARNED -> BLOCKED
// machine.
type UserState string

const (
	StateClean   UserState = "clean"
	StateWarned  UserState = "warned"
	StateBlocked UserState = "blocked"
)
