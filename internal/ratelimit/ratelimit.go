// Package ratelimit implements a striped sliding-window limiter keyed by
// user id and action name.
package ratelimit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalidPolicy is returned for policies with a non-positive count or window.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// Policy allows at most Max occurrences of an action per trailing Window.
type Policy struct {
	Max    int
	Window time.Duration
}

func (p Policy) Validate() error {
	if p.Max <= 0 {
		return fmt.Errorf("max must be positive, got %d: %w", p.Max, ErrInvalidPolicy)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s: %w", p.Window, ErrInvalidPolicy)
	}
	return nil
}

func (p Policy) String() string {
	return fmt.Sprintf("%d/%s", p.Max, p.Window)
}

// ParsePolicy parses the "count/window" form used on the command line, e.g. "3/1m".
func ParsePolicy(s string) (Policy, error) {
	count, window, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Policy{}, fmt.Errorf("policy %q: expected count/window: %w", s, ErrInvalidPolicy)
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %q: parsing count: %w", s, err)
	}
	d, err := time.ParseDuration(window)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %q: parsing window: %w", s, err)
	}
	p := Policy{Max: n, Window: d}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %q: %w", s, err)
	}
	return p, nil
}

// Result is the outcome of a single check. RetryAfter is set only when the
// request was denied and is the time until the oldest retained entry leaves
// the window.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

type key struct {
	userID int64
	action string
}

type window struct {
	times []time.Time
	span  time.Duration
}

type stripe struct {
	mu      sync.Mutex
	windows map[key]*window
}

// Limiter holds one window per (user, action) key. Keys are spread over a
// fixed set of stripes by user id so unrelated users never share a lock.
type Limiter struct {
	policies map[string]Policy
	stripes  []*stripe
}

// New validates every policy and returns a limiter with the given number of
// stripes.
func New(policies map[string]Policy, stripes int) (*Limiter, error) {
	if stripes <= 0 {
		return nil, fmt.Errorf("stripes must be positive, got %d: %w", stripes, ErrInvalidPolicy)
	}
	copied := make(map[string]Policy, len(policies))
	for action, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("action %s: %w", action, err)
		}
		copied[action] = p
	}

	l := &Limiter{
		policies: copied,
		stripes:  make([]*stripe, stripes),
	}
	for i := range l.stripes {
		l.stripes[i] = &stripe{windows: make(map[key]*window)}
	}
	return l, nil
}

// Policy returns the configured policy for action.
func (l *Limiter) Policy(action string) (Policy, bool) {
	p, ok := l.policies[action]
	return p, ok
}

// Allow checks action against its configured policy. Actions without a
// policy are always allowed and leave no state behind.
func (l *Limiter) Allow(userID int64, action string, now time.Time) Result {
	p, ok := l.policies[action]
	if !ok {
		return Result{Allowed: true}
	}
	return l.CheckAndRecord(userID, action, now, p.Max, p.Window)
}

// CheckAndRecord evicts entries for the key that are not newer than
// now-window, then records now if fewer than maxCount remain.
func (l *Limiter) CheckAndRecord(userID int64, action string, now time.Time, maxCount int, span time.Duration) Result {
	s := l.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{userID: userID, action: action}
	w := s.windows[k]
	if w == nil {
		w = &window{}
		s.windows[k] = w
	}
	w.span = span
	w.times = evict(w.times, now.Add(-span))

	if len(w.times) >= maxCount {
		if len(w.times) == 0 {
			delete(s.windows, k)
			return Result{RetryAfter: span}
		}
		return Result{RetryAfter: oldest(w.times).Add(span).Sub(now)}
	}

	w.times = append(w.times, now)
	return Result{Allowed: true}
}

// Count reports how many entries are currently retained for the key without
// evicting anything.
func (l *Limiter) Count(userID int64, action string) int {
	s := l.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.windows[key{userID: userID, action: action}]; w != nil {
		return len(w.times)
	}
	return 0
}

// Len returns the number of live keys across all stripes.
func (l *Limiter) Len() int {
	total := 0
	for _, s := range l.stripes {
		s.mu.Lock()
		total += len(s.windows)
		s.mu.Unlock()
	}
	return total
}

// Stripes returns the stripe count.
func (l *Limiter) Stripes() int {
	return len(l.stripes)
}

// StripeOf returns the index of the stripe holding userID.
func (l *Limiter) StripeOf(userID int64) int {
	return int(uint64(userID) % uint64(len(l.stripes)))
}

// PruneStripe evicts expired entries in stripe i and deletes keys left empty.
// It returns the number of keys removed.
func (l *Limiter) PruneStripe(i int, now time.Time) int {
	s := l.stripes[i]
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, w := range s.windows {
		w.times = evict(w.times, now.Add(-w.span))
		if len(w.times) == 0 {
			delete(s.windows, k)
			removed++
		}
	}
	return removed
}

// Reset drops every window held for userID.
func (l *Limiter) Reset(userID int64) {
	s := l.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.windows {
		if k.userID == userID {
			delete(s.windows, k)
		}
	}
}

func (l *Limiter) stripeFor(userID int64) *stripe {
	return l.stripes[l.StripeOf(userID)]
}

// evict keeps only the timestamps strictly after cutoff, reusing the backing
// array.
func evict(times []time.Time, cutoff time.Time) []time.Time {
	pruned := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return pruned
}

func oldest(times []time.Time) time.Time {
	first := times[0]
	for _, t := range times[1:] {
		if t.Before(first) {
			first = t
		}
	}
	return first
}
