package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTTL_Expiry(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewTTL[string, int](time.Minute, WithClock(clk.Now))

	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}

	clk.Advance(59 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Error("entry expired early")
	}

	clk.Advance(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Error("entry should have expired")
	}
}

func TestTTL_ZeroNeverExpires(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	c := NewTTL[string, string](0, WithClock(clk.Now))
	c.Set("k", "v")
	clk.Advance(1000 * time.Hour)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Error("zero ttl entries must not expire")
	}
}

func TestTTL_Purge(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	c := NewTTL[int, int](time.Second, WithClock(clk.Now))
	c.Set(1, 1)
	c.Set(2, 2)
	clk.Advance(2 * time.Second)
	c.Set(3, 3)

	if n := c.Purge(); n != 2 {
		t.Errorf("expected 2 purged, got %d", n)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", c.Len())
	}
}

func TestTTL_GetOrLoad(t *testing.T) {
	type key struct {
		cur  string
		from string
	}
	c := NewTTL[key, int](0)
	var calls atomic.Int32

	load := func(context.Context) (int, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return 7, nil
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), key{"EUR", "2020-01-01"}, load)
			if err != nil || v != 7 {
				t.Errorf("unexpected result %v %v", v, err)
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("expected a single load, got %d", n)
	}
}

func TestTTL_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := NewTTL[string, int](time.Minute)
	boom := errors.New("boom")

	if _, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 3, nil })
	if err != nil || v != 3 {
		t.Errorf("expected retry to load 3, got %v %v", v, err)
	}
}
