package realtime

import (
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl := NewRateLimiter(3, 3*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 3 {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("burst exceeded")
	}
	if !rl.Allow(now.Add(time.Second)) {
		t.Fatalf("one token should refill after one interval")
	}
	if rl.Allow(now.Add(time.Second)) {
		t.Fatalf("only one token should have refilled")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	now := time.Now()
	for i := range DefaultConfig().RateEvents {
		if !rl.Allow(now) {
			t.Fatalf("event %d rejected under default budget", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("default budget exceeded")
	}
}

func TestRoomLocks_ReleaseDropsEntries(t *testing.T) {
	l := newRoomLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("room-1")
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("room lock admitted %d holders", maxSeen)
	}
	if n := l.size(); n != 0 {
		t.Fatalf("idle room locks retained: %d", n)
	}
}
