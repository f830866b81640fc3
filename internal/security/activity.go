package security

import (
	"sync"
	"time"
)

// Snapshot is a user's activity at the moment of the last Record.
type Snapshot struct {
	Count5Min  int
	Count1Hour int
}

type activityStripe struct {
	mu    sync.Mutex
	users map[int64][]time.Time
}

// ActivityTracker keeps each user's event times for the long window and
// derives short and long window counts from them.
type ActivityTracker struct {
	short   time.Duration
	long    time.Duration
	stripes []*activityStripe
}

func NewActivityTracker(short, long time.Duration, stripes int) *ActivityTracker {
	t := &ActivityTracker{
		short:   short,
		long:    long,
		stripes: make([]*activityStripe, stripes),
	}
	for i := range t.stripes {
		t.stripes[i] = &activityStripe{users: make(map[int64][]time.Time)}
	}
	return t
}

// Record appends now to the user's history, evicts what fell out of the
// long window and returns the resulting counts.
func (t *ActivityTracker) Record(userID int64, now time.Time) Snapshot {
	s := t.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	times := retainAfter(s.users[userID], now.Add(-t.long))
	times = append(times, now)
	s.users[userID] = times
	return t.snapshot(times, now)
}

// Peek returns the counts at now without recording anything.
func (t *ActivityTracker) Peek(userID int64, now time.Time) Snapshot {
	s := t.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.snapshot(s.users[userID], now)
}

// Entries returns how many timestamps are stored for the user.
func (t *ActivityTracker) Entries(userID int64) int {
	s := t.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users[userID])
}

// Len returns the number of users with stored history.
func (t *ActivityTracker) Len() int {
	total := 0
	for _, s := range t.stripes {
		s.mu.Lock()
		total += len(s.users)
		s.mu.Unlock()
	}
	return total
}

func (t *ActivityTracker) Forget(userID int64) {
	s := t.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}

// PruneStripe evicts expired history in stripe i and returns the number of
// users dropped because nothing was left.
func (t *ActivityTracker) PruneStripe(i int, now time.Time) int {
	s := t.stripes[i]
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-t.long)
	removed := 0
	for userID, times := range s.users {
		times = retainAfter(times, cutoff)
		if len(times) == 0 {
			delete(s.users, userID)
			removed++
			continue
		}
		s.users[userID] = times
	}
	return removed
}

func (t *ActivityTracker) snapshot(times []time.Time, now time.Time) Snapshot {
	shortCutoff := now.Add(-t.short)
	longCutoff := now.Add(-t.long)
	var snap Snapshot
	for _, ts := range times {
		if ts.After(longCutoff) {
			snap.Count1Hour++
			if ts.After(shortCutoff) {
				snap.Count5Min++
			}
		}
	}
	return snap
}

func (t *ActivityTracker) stripeFor(userID int64) *activityStripe {
	return t.stripes[uint64(userID)%uint64(len(t.stripes))]
}

func retainAfter(times []time.Time, cutoff time.Time) []time.Time {
	pruned := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	return pruned
}
