package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := Clock{}.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestIDsAreUniqueV7(t *testing.T) {
	t.Parallel()

	gen := IDs{}
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := ParseRunID(id1)
	if err != nil {
		t.Fatalf("ParseRunID() error = %v", err)
	}
	if parsed.Version() != uuid.Version(7) {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if id1 > id2 {
		t.Fatalf("expected time-ordered IDs, got %s after %s", id1, id2)
	}
}

func TestParseRunIDRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := ParseRunID("not-a-uuid"); err == nil {
		t.Fatal("expected error for invalid run id")
	}
}
