package security

import (
	"fmt"
	"regexp"
)

// Verdict is the classifier's answer for one event. Pattern holds the
// username pattern that matched, if any.
type Verdict struct {
	Suspicious bool
	Reason     ThreatReason
	Pattern    string
}

// Classifier applies the block heuristics in a fixed order: invalid
// identity, bot account, username pattern, rapid fire, spam. It holds no
// mutable state and is safe for concurrent use.
type Classifier struct {
	patterns       []*regexp.Regexp
	rapidThreshold int
	spamThreshold  int
}

func NewClassifier(patterns []string, rapidThreshold, spamThreshold int) (*Classifier, error) {
	c := &Classifier{
		patterns:       make([]*regexp.Regexp, 0, len(patterns)),
		rapidThreshold: rapidThreshold,
		spamThreshold:  spamThreshold,
	}
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, newConfigError(fmt.Sprintf("username_patterns[%d]", i), fmt.Sprintf("compiling %q", p), err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

func (c *Classifier) Classify(ev UserEvent, snap Snapshot) Verdict {
	switch {
	case ev.UserID <= 0:
		return Verdict{Suspicious: true, Reason: ThreatInvalidIdentity}
	case ev.IsBot:
		return Verdict{Suspicious: true, Reason: ThreatBotAccount}
	}
	if pattern, ok := c.MatchUsername(ev.Username); ok {
		return Verdict{Suspicious: true, Reason: ThreatSuspiciousUsername, Pattern: pattern}
	}
	switch {
	case snap.Count5Min >= c.rapidThreshold:
		return Verdict{Suspicious: true, Reason: ThreatRapidFire}
	case snap.Count1Hour >= c.spamThreshold:
		return Verdict{Suspicious: true, Reason: ThreatSpam}
	}
	return Verdict{}
}

// MatchUsername returns the first configured pattern matching name. Empty
// usernames never match.
func (c *Classifier) MatchUsername(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	for _, re := range c.patterns {
		if re.MatchString(name) {
			return re.String(), true
		}
	}
	return "", false
}
