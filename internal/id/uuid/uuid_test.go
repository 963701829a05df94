// Package uuid includes tests for the UUID generator wrapper.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique and valid UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
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
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

// TestGeneratorDeriveID checks child ids are stable per (parent, index) and distinct otherwise.
func TestGeneratorDeriveID(t *testing.T) {
	t.Parallel()

	gen := New()
	a := gen.DeriveID("parent-1", 0)
	if a != gen.DeriveID("parent-1", 0) {
		t.Fatal("expected derived id to be deterministic")
	}
	seen := map[string]struct{}{a: {}}
	for _, id := range []string{
		gen.DeriveID("parent-1", 1),
		gen.DeriveID("parent-1", 2),
		gen.DeriveID("parent-1", 3),
		gen.DeriveID("parent-2", 0),
	} {
		if _, dup := seen[id]; dup {
			t.Fatalf("derived id collision: %s", id)
		}
		seen[id] = struct{}{}
		if _, err := goUUID.Parse(id); err != nil {
			t.Fatalf("derived id not valid UUID: %v", err)
		}
	}
}
