package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique v7 UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := gen.NewID()
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		parsed, err := goUUID.Parse(id)
		if err != nil {
			t.Fatalf("id not valid UUID: %v", err)
		}
		if parsed.Version() != 7 {
			t.Fatalf("expected v7, got v%d", parsed.Version())
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestWorkerIDIncludesSlot(t *testing.T) {
	t.Parallel()

	a, b := WorkerID(3), WorkerID(3)
	if !strings.Contains(a, "-w3-") {
		t.Fatalf("expected slot in %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct worker ids, got %q twice", a)
	}
}
