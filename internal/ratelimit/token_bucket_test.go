package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func TestTokenBucket(t *testing.T) {
	t.Run("starts full and refills", func(t *testing.T) {
		clk := &fakeClock{now: time.Unix(0, 0)}
		b := NewTokenBucket(clk, 4, 2)

		for i := 0; i < 4; i++ {
			if !b.Allow(1) {
				t.Fatalf("take %d rejected from a full bucket", i)
			}
		}
		if b.Allow(1) {
			t.Fatalf("empty bucket allowed a token")
		}

		clk.Advance(500 * time.Millisecond)
		if !b.Allow(1) {
			t.Fatalf("expected one token after 500ms at 2/s")
		}
		if b.Allow(1) {
			t.Fatalf("expected exactly one refilled token")
		}
	})

	t.Run("caps at burst", func(t *testing.T) {
		clk := &fakeClock{now: time.Unix(0, 0)}
		b := NewTokenBucket(clk, 3, 10)
		if !b.Allow(3) {
			t.Fatalf("initial burst rejected")
		}

		clk.Advance(time.Hour)
		if got := b.Tokens(); got != 3 {
			t.Fatalf("Tokens()=%v after long idle, want 3", got)
		}
		if b.Allow(4) {
			t.Fatalf("request above burst allowed")
		}
		if !b.Allow(3) {
			t.Fatalf("full burst rejected after refill")
		}
	})

	t.Run("failed take consumes nothing", func(t *testing.T) {
		clk := &fakeClock{now: time.Unix(0, 0)}
		b := NewTokenBucket(clk, 5, 1)
		if !b.Allow(3) {
			t.Fatalf("Allow(3) rejected")
		}
		if b.Allow(3) {
			t.Fatalf("Allow(3) allowed with 2 tokens left")
		}
		if !b.Allow(2) {
			t.Fatalf("remaining 2 tokens were lost by the failed take")
		}
	})

	t.Run("backward clock", func(t *testing.T) {
		clk := &fakeClock{now: time.Unix(100, 0)}
		b := NewTokenBucket(clk, 2, 1)
		if !b.Allow(2) {
			t.Fatalf("initial burst rejected")
		}

		clk.Advance(-time.Minute)
		if b.Allow(1) {
			t.Fatalf("refilled after clock moved backwards")
		}
		clk.Advance(time.Second)
		if !b.Allow(1) {
			t.Fatalf("expected refill once the clock moves forward again")
		}
	})

	t.Run("zero sized", func(t *testing.T) {
		b := NewTokenBucket(nil, 0, 0)
		if !b.Allow(0) {
			t.Fatalf("Allow(0) rejected")
		}
		if b.Allow(1) {
			t.Fatalf("zero sized bucket allowed a token")
		}
	})

	t.Run("no refill rate", func(t *testing.T) {
		clk := &fakeClock{now: time.Unix(0, 0)}
		b := NewTokenBucket(clk, 1, 0)
		if !b.Allow(1) {
			t.Fatalf("initial token rejected")
		}
		clk.Advance(time.Hour)
		if b.Allow(1) {
			t.Fatalf("bucket without a rate refilled")
		}
	})
}
