package ids

import (
	"testing"
	"time"
)

func TestGenerator_MonotonicWithinMillisecond(t *testing.T) {
	t.Parallel()

	g := NewGenerator()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	prev := ""
	for i := 0; i < 100; i++ {
		id, err := g.New(now)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
		}
		if prev != "" && id <= prev {
			t.Fatalf("expected strictly increasing ids: prev=%s got=%s", prev, id)
		}
		prev = id
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Now())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if !Valid(id) {
		t.Fatalf("expected %q to be valid", id)
	}
	if Valid("not-a-ulid") {
		t.Fatalf("expected invalid id to be rejected")
	}
}
