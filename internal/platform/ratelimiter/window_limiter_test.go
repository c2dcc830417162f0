package ratelimiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"defi-portal/go-client/internal/rpcerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWindowAdmitsMaxRequestsThenDenies(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(map[string]Rule{"test": {MaxRequests: 3, Window: time.Second}}, clock.Now)

	var got []bool
	for i := 0; i < 4; i++ {
		got = append(got, l.IsAllowed("test", "user1"))
		clock.Advance(10 * time.Millisecond)
	}
	want := []bool{true, true, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: expected %v, got %v (all=%v)", i+1, want[i], got[i], got)
		}
	}

	clock.Advance(1100 * time.Millisecond)
	if !l.IsAllowed("test", "user1") {
		t.Fatal("expected a fresh window after the window elapsed")
	}
	remaining, _ := l.Remaining("test", "user1")
	if remaining != 2 {
		t.Fatalf("expected a replaced window with count 1, remaining=%d", remaining)
	}
}

func TestWindowBoundaryIsExclusive(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(map[string]Rule{"test": {MaxRequests: 1, Window: time.Second}}, clock.Now)
	if !l.IsAllowed("test", "k") {
		t.Fatal("first request should pass")
	}
	clock.Advance(999 * time.Millisecond)
	if l.IsAllowed("test", "k") {
		t.Fatal("request inside window should be denied")
	}
	clock.Advance(time.Millisecond)
	if !l.IsAllowed("test", "k") {
		t.Fatal("request at reset time should open a new window")
	}
}

func TestClassesHaveIndependentKeySpaces(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(map[string]Rule{
		ClassSwap:    {MaxRequests: 1, Window: time.Minute},
		ClassLending: {MaxRequests: 1, Window: time.Minute},
	}, clock.Now)

	if !l.IsAllowed(ClassSwap, "alice") {
		t.Fatal("first swap should pass")
	}
	if l.IsAllowed(ClassSwap, "alice") {
		t.Fatal("second swap should be denied")
	}
	if !l.IsAllowed(ClassLending, "alice") {
		t.Fatal("lending quota must be unaffected by swap exhaustion")
	}
	if !l.IsAllowed(ClassSwap, "bob") {
		t.Fatal("other subjects must be unaffected")
	}
}

func TestCheckReturnsRetryAfterSeconds(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(map[string]Rule{ClassRewards: {MaxRequests: 1, Window: 10 * time.Second}}, clock.Now)
	if err := l.Check(ClassRewards, "alice"); err != nil {
		t.Fatalf("first check should pass: %v", err)
	}
	clock.Advance(2500 * time.Millisecond)
	err := l.Check(ClassRewards, "alice")
	var rl *rpcerr.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.RetryAfterSeconds != 8 {
		t.Fatalf("expected ceil(7.5)=8 seconds, got %d", rl.RetryAfterSeconds)
	}
	if rl.Class != ClassRewards {
		t.Fatalf("unexpected class %q", rl.Class)
	}
}

func TestDenialDoesNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(map[string]Rule{"test": {MaxRequests: 1, Window: time.Second}}, clock.Now)
	l.IsAllowed("test", "k")
	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		if l.IsAllowed("test", "k") {
			t.Fatal("expected denial")
		}
	}
	clock.Advance(500 * time.Millisecond)
	if !l.IsAllowed("test", "k") {
		t.Fatal("denials must not push the reset time")
	}
}

func TestUnknownClassUsesGeneral(t *testing.T) {
	l := New(nil)
	if got := l.Rule("mystery"); got != DefaultRules()[ClassGeneral] {
		t.Fatalf("expected general rule, got %+v", got)
	}
	if got := l.Rule(" SWAP "); got != DefaultRules()[ClassSwap] {
		t.Fatalf("expected swap rule, got %+v", got)
	}
}

func TestInvalidRulesAreIgnored(t *testing.T) {
	l := New(map[string]Rule{ClassSwap: {MaxRequests: 0, Window: time.Second}})
	if got := l.Rule(ClassSwap); got != DefaultRules()[ClassSwap] {
		t.Fatalf("invalid override should be ignored, got %+v", got)
	}
}

func TestSweepRemovesExpiredWindows(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(map[string]Rule{
		"short": {MaxRequests: 5, Window: time.Second},
		"long":  {MaxRequests: 5, Window: time.Hour},
	}, clock.Now)
	l.IsAllowed("short", "a")
	l.IsAllowed("short", "b")
	l.IsAllowed("long", "a")

	clock.Advance(2 * time.Second)
	if removed := l.Sweep(); removed != 2 {
		t.Fatalf("expected 2 expired windows removed, got %d", removed)
	}
	if l.size() != 1 {
		t.Fatalf("expected 1 live window, got %d", l.size())
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestResetClearsWindow(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(map[string]Rule{"test": {MaxRequests: 1, Window: time.Minute}}, clock.Now)
	l.IsAllowed("test", "k")
	if l.IsAllowed("test", "k") {
		t.Fatal("expected denial")
	}
	l.Reset("test", "k")
	if !l.IsAllowed("test", "k") {
		t.Fatal("expected admission after reset")
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	if !l.IsAllowed(ClassSwap, "k") || l.Check(ClassSwap, "k") != nil {
		t.Fatal("nil limiter should allow everything")
	}
}

func TestConcurrentAdmissionsNeverExceedQuota(t *testing.T) {
	l := New(map[string]Rule{"test": {MaxRequests: 50, Window: time.Hour}})
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.IsAllowed("test", "shared") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 50 {
		t.Fatalf("expected exactly 50 admissions, got %d", admitted)
	}
}
