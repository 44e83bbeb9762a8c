package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterWaitSpacesRequestsPerHost(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 releases a token every 100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://eutils.example.org/esearch.fcgi"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://eutils.example.org/efetch.fcgi"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}

	// A different host has its own bucket.
	start = time.Now()
	if err := l.Wait(ctx, "https://journal.example.com/article"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("expected immediate token for new host, got %v", dur)
	}
	if got := l.Hosts(); got != 2 {
		t.Errorf("expected 2 host buckets, got %d", got)
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	if err := l.Wait(context.Background(), "https://slow.example.org"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "https://slow.example.org"); err == nil {
		t.Fatal("expected the deadline to cut the wait short")
	}
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		if err := l.Wait(context.Background(), "::bad url"); err != nil {
			t.Fatal(err)
		}
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("unlimited limiter should not block, took %v", dur)
	}
}
