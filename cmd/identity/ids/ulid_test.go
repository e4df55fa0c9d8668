package ids

import (
	"testing"
	"time"
)

func TestNewULID_SortsWithinMillisecond(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if !Valid(id) {
			t.Fatalf("invalid id %q", id)
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestValid(t *testing.T) {
	for _, s := range []string{"", "short", "01ARZ3NDEKTSV4RRFFQ69G5FA!", "01ARZ3NDEKTSV4RRFFQ69G5FAVX"} {
		if Valid(s) {
			t.Fatalf("Valid(%q) = true", s)
		}
	}
	if !Valid("01ARZ3NDEKTSV4RRFFQ69G5FAV") {
		t.Fatalf("expected canonical ULID to be valid")
	}
}
