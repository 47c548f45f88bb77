package gateway

import (
	"sync"
	"time"
)

// Window caps are checked independently; exceeding any one rejects the
// operation with a retry hint for that window.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// RateCaps are the per-user sliding-window caps.
type RateCaps struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// RateLimiter tracks per-user mutation timestamps over three sliding
// windows. Each user has their own lock so unrelated users never serialize
// on a shared mutex; the outer map lock is held only for entry lookup.
type RateLimiter struct {
	mu    sync.RWMutex
	users map[string]*userWindow
	now   func() time.Time
}

type userWindow struct {
	mu       sync.Mutex
	stamps   []time.Time // ascending, pruned to the day window
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		users: make(map[string]*userWindow),
		now:   time.Now,
	}
}

// Check reports whether a mutation by the user would exceed any window cap.
// It does not record the mutation; counters advance only via Record after
// the whole validation pipeline has passed, so rejected attempts are not
// penalized. On rejection it names the exceeded window and the wait until
// that window admits another request.
func (l *RateLimiter) Check(userID string, caps RateCaps) (ok bool, window string, retryAfter time.Duration) {
	u := l.entry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	now := l.now()
	u.prune(now)

	checks := []struct {
		window string
		span   time.Duration
		cap    int
	}{
		{WindowMinute, time.Minute, caps.PerMinute},
		{WindowHour, time.Hour, caps.PerHour},
		{WindowDay, 24 * time.Hour, caps.PerDay},
	}
	for _, c := range checks {
		if c.cap <= 0 {
			continue
		}
		count, oldest := u.countSince(now.Add(-c.span), c.cap)
		if count >= c.cap {
			// The window admits another request once the blocking entry ages out.
			wait := oldest.Add(c.span).Sub(now)
			if wait < time.Second {
				wait = time.Second
			}
			return false, c.window, wait
		}
	}
	return true, "", 0
}

// Record counts a successfully validated mutation against all windows.
func (l *RateLimiter) Record(userID string) {
	u := l.entry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	now := l.now()
	u.stamps = append(u.stamps, now)
	u.lastSeen = now
}

// Reset clears the user's counters.
func (l *RateLimiter) Reset(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.users, userID)
}

// Cleanup drops users with no activity inside the day window. Run it
// periodically from the owning process.
func (l *RateLimiter) Cleanup() {
	cutoff := l.now().Add(-24 * time.Hour)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, u := range l.users {
		u.mu.Lock()
		idle := u.lastSeen.Before(cutoff)
		u.mu.Unlock()
		if idle {
			delete(l.users, id)
		}
	}
}

func (l *RateLimiter) entry(userID string) *userWindow {
	l.mu.RLock()
	u, ok := l.users[userID]
	l.mu.RUnlock()
	if ok {
		return u
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok = l.users[userID]; ok {
		return u
	}
	u = &userWindow{lastSeen: l.now()}
	l.users[userID] = u
	return u
}

// prune discards stamps older than the widest window.
func (u *userWindow) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for i < len(u.stamps) && u.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		u.stamps = append(u.stamps[:0], u.stamps[i:]...)
	}
}

// countSince counts stamps at or after the cutoff and returns the stamp
// whose expiry would next free capacity under the given cap.
func (u *userWindow) countSince(cutoff time.Time, cap int) (int, time.Time) {
	first := len(u.stamps)
	for i, ts := range u.stamps {
		if !ts.Before(cutoff) {
			first = i
			break
		}
	}
	count := len(u.stamps) - first
	var oldest time.Time
	if count >= cap && cap > 0 {
		// With count in-window entries, the (count-cap+1)-th oldest must age
		// out before another request fits.
		oldest = u.stamps[first+(count-cap)]
	}
	return count, oldest
}
