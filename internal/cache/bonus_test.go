package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bastion-project/bastion/internal/match"
)

type stubFetcher struct {
	calls  atomic.Int32
	mu     sync.Mutex
	values map[string]match.Bonus
	err    error
	gate   chan struct{}
}

func (f *stubFetcher) FetchBonus(ctx context.Context, userID, towerType string) (match.Bonus, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return match.Bonus{}, ctx.Err()
		}
	}
	if f.err != nil {
		return match.Bonus{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[userID+"/"+towerType], nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestLookupMissIsNonBlockingThenFills(t *testing.T) {
	f := &stubFetcher{
		values: map[string]match.Bonus{"u1/arrow": {DamagePct: 0.5}},
		gate:   make(chan struct{}),
	}
	c := NewBonusCache(f, 16, time.Minute, time.Second)
	defer c.Close()

	start := time.Now()
	if b := c.Lookup("u1", "arrow"); !b.IsZero() {
		t.Fatalf("miss returned %+v", b)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("lookup blocked on fetch")
	}

	// repeated misses while in flight do not start more fetches
	c.Lookup("u1", "arrow")
	c.Lookup("u1", "arrow")
	close(f.gate)

	waitFor(t, func() bool { return c.Lookup("u1", "arrow").DamagePct == 0.5 })
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetch calls = %d", n)
	}
}

func TestFailureDegradesToZeroAndBacksOff(t *testing.T) {
	f := &stubFetcher{err: errors.New("service down")}
	c := NewBonusCache(f, 16, time.Minute, time.Second)
	defer c.Close()

	c.Lookup("u1", "arrow")
	waitFor(t, func() bool { return f.calls.Load() == 1 && c.inflightCount() == 0 })

	for i := 0; i < 10; i++ {
		if b := c.Lookup("u1", "arrow"); !b.IsZero() {
			t.Fatalf("bonus during outage: %+v", b)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetches during backoff = %d", n)
	}
}

func TestInvalidateUser(t *testing.T) {
	f := &stubFetcher{values: map[string]match.Bonus{
		"u1/arrow":  {DamagePct: 0.1},
		"u1/cannon": {DamagePct: 0.2},
		"u2/arrow":  {DamagePct: 0.3},
	}}
	c := NewBonusCache(f, 16, time.Minute, time.Second)
	defer c.Close()

	for _, k := range [][2]string{{"u1", "arrow"}, {"u1", "cannon"}, {"u2", "arrow"}} {
		if _, err := c.Get(context.Background(), k[0], k[1]); err != nil {
			t.Fatal(err)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d", c.Len())
	}

	if n := c.InvalidateUser("u1"); n != 2 {
		t.Fatalf("removed %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("len after invalidate = %d", c.Len())
	}

	f.mu.Lock()
	f.values["u1/arrow"] = match.Bonus{DamagePct: 0.9}
	f.mu.Unlock()
	waitFor(t, func() bool { return c.Lookup("u1", "arrow").DamagePct == 0.9 })
}

func TestEntriesExpire(t *testing.T) {
	f := &stubFetcher{values: map[string]match.Bonus{"u1/arrow": {DamagePct: 0.1}}}
	c := NewBonusCache(f, 16, 30*time.Millisecond, time.Second)
	defer c.Close()

	if _, err := c.Get(context.Background(), "u1", "arrow"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return c.Len() == 0 })
}

func TestPrefetch(t *testing.T) {
	f := &stubFetcher{values: map[string]match.Bonus{"u1/arrow": {RangePct: 0.1}}}
	c := NewBonusCache(f, 16, time.Minute, time.Second)
	defer c.Close()

	c.Prefetch("u1", []string{"arrow", "cannon"})
	waitFor(t, func() bool { return c.Len() == 2 })
	if c.Lookup("u1", "arrow").RangePct != 0.1 {
		t.Fatal("prefetched value missing")
	}
}
