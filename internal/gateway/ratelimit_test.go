package gateway

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeShared is an in-memory SharedStore. Setting err makes every call
// fail with it.
type fakeShared struct {
	mu      sync.Mutex
	sets    map[string]map[string]struct{}
	counts  map[string]int64
	revoked map[string]time.Time
	err     error
}

func newFakeShared() *fakeShared {
	return &fakeShared{
		sets:    make(map[string]map[string]struct{}),
		counts:  make(map[string]int64),
		revoked: make(map[string]time.Time),
	}
}

func (f *fakeShared) AddToSet(_ context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]struct{})
	}
	f.sets[key][member] = struct{}{}
	return nil
}

func (f *fakeShared) IsMember(_ context.Context, key, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.sets[key][member]
	return ok, nil
}

func (f *fakeShared) Expire(context.Context, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeShared) Increment(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeShared) RevokeTokens(_ context.Context, subject string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.revoked[subject] = at
	return nil
}

func (f *fakeShared) RevokedAfter(_ context.Context, subject string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return time.Time{}, f.err
	}
	return f.revoked[subject], nil
}

func (f *fakeShared) Ping(context.Context) error { return nil }
func (f *fakeShared) Close() error               { return nil }

func (f *fakeShared) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestRateLimiter_DisabledWithoutSharedStore(t *testing.T) {
	l := NewRateLimiter(nil, testLogger(), 1, time.Minute)
	for i := 0; i < 10; i++ {
		if !l.Allow(context.Background(), "a1") {
			t.Fatal("limiter without shared store denied a hop")
		}
	}
}

func TestRateLimiter_DisabledWithZeroLimit(t *testing.T) {
	l := NewRateLimiter(newFakeShared(), testLogger(), 0, time.Minute)
	if !l.Allow(context.Background(), "a1") {
		t.Fatal("limiter with zero limit denied a hop")
	}
}

func TestRateLimiter_EnforcesLimit(t *testing.T) {
	shared := newFakeShared()
	l := NewRateLimiter(shared, testLogger(), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "a1") {
			t.Fatalf("hop %d denied under the limit", i+1)
		}
	}
	if l.Allow(ctx, "a1") {
		t.Error("hop over the limit allowed")
	}
	// Another agent has its own budget.
	if !l.Allow(ctx, "a2") {
		t.Error("other agent's first hop denied")
	}
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	shared := newFakeShared()
	shared.setErr(context.DeadlineExceeded)
	l := NewRateLimiter(shared, testLogger(), 1, time.Minute)

	if !l.Allow(context.Background(), "a1") {
		t.Fatal("limiter denied a hop when the counter is unreachable")
	}
}
