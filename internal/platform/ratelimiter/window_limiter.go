package ratelimiter

import (
	"context"
	"strings"
	"sync"
	"time"

	"defi-portal/go-client/internal/rpcerr"
)

const (
	ClassLending = "lending"
	ClassSwap    = "swap"
	ClassRewards = "rewards"
	ClassGeneral = "general"

	DefaultSweepInterval = time.Minute
	anonymousSubject     = "anonymous"
)

// Rule is the quota of one operation class.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

func (r Rule) valid() bool {
	return r.MaxRequests > 0 && r.Window > 0
}

func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ClassLending: {MaxRequests: 10, Window: time.Minute},
		ClassSwap:    {MaxRequests: 5, Window: time.Minute},
		ClassRewards: {MaxRequests: 3, Window: time.Minute},
		ClassGeneral: {MaxRequests: 30, Window: time.Minute},
	}
}

// Limiter applies a fixed window per (class, subject). Each class has its
// own quota and key space. Windows past their reset time are replaced on
// the next request and removed by Sweep.
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]Rule
	windows map[windowKey]*window
	now     func() time.Time
}

type windowKey struct {
	class   string
	subject string
}

type window struct {
	count     int
	resetTime time.Time
}

// New builds a limiter from rules; invalid rules are ignored and missing
// default classes fall back to DefaultRules.
func New(rules map[string]Rule) *Limiter {
	return newWithClock(rules, time.Now)
}

func newWithClock(rules map[string]Rule, now func() time.Time) *Limiter {
	merged := DefaultRules()
	for class, rule := range rules {
		class = normalizeClass(class)
		if class == "" || !rule.valid() {
			continue
		}
		merged[class] = rule
	}
	return &Limiter{
		rules:   merged,
		windows: make(map[windowKey]*window),
		now:     now,
	}
}

// IsAllowed reports whether one more request fits in the current window and
// records it when it does. A denial does not mutate the window.
func (l *Limiter) IsAllowed(class, subject string) bool {
	allowed, _ := l.admit(class, subject)
	return allowed
}

// Check is IsAllowed with a RateLimitError carrying the seconds until reset.
func (l *Limiter) Check(class, subject string) error {
	allowed, untilReset := l.admit(class, subject)
	if allowed {
		return nil
	}
	return rpcerr.NewRateLimitError(l.ClassOf(class), untilReset)
}

func (l *Limiter) admit(class, subject string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	class = l.ClassOf(class)
	rule := l.rules[class]
	key := windowKey{class: class, subject: normalizeSubject(subject)}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetTime) {
		l.windows[key] = &window{count: 1, resetTime: now.Add(rule.Window)}
		return true, 0
	}
	if w.count < rule.MaxRequests {
		w.count++
		return true, 0
	}
	return false, w.resetTime.Sub(now)
}

// Remaining returns the requests left in the subject's current window and
// when that window resets. An absent or expired window reports a full quota.
func (l *Limiter) Remaining(class, subject string) (int, time.Time) {
	if l == nil {
		return 0, time.Time{}
	}
	class = l.ClassOf(class)
	rule := l.rules[class]
	key := windowKey{class: class, subject: normalizeSubject(subject)}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetTime) {
		return rule.MaxRequests, now.Add(rule.Window)
	}
	return rule.MaxRequests - w.count, w.resetTime
}

// Reset drops the subject's window for class.
func (l *Limiter) Reset(class, subject string) {
	if l == nil {
		return
	}
	key := windowKey{class: l.ClassOf(class), subject: normalizeSubject(subject)}
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Sweep removes expired windows and returns how many were removed.
func (l *Limiter) Sweep() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for k, w := range l.windows {
		if !now.Before(w.resetTime) {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}

// Run sweeps on its own interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if l == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *Limiter) Rule(class string) Rule {
	if l == nil {
		return Rule{}
	}
	return l.rules[l.ClassOf(class)]
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// ClassOf maps class to the quota it is counted against; unknown classes
// fall back to general.
func (l *Limiter) ClassOf(class string) string {
	class = normalizeClass(class)
	if l == nil {
		return class
	}
	if _, ok := l.rules[class]; ok {
		return class
	}
	return ClassGeneral
}

func normalizeClass(class string) string {
	return strings.ToLower(strings.TrimSpace(class))
}

func normalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return anonymousSubject
	}
	return subject
}
