package registry

import (
	"log/slog"
	"testing"
	"time"

	"voicegateway/internal/events"
)

func newTestRegistry() *Registry {
	sink := events.NewSink(slog.Default())
	return New(sink, slog.Default(), Config{MaxTracks: 1, StuckThresholdMs: 10000, UpdateInterval: 5 * time.Second})
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	a := r.GetOrCreate(42)
	b := r.GetOrCreate(42)
	if a != b {
		t.Fatal("GetOrCreate must return the same Guild for the same id")
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
}

func TestGetMissesUnregisteredGuild(t *testing.T) {
	r := newTestRegistry()
	if _, ok := r.Get(1); ok {
		t.Fatal("Get on an empty registry must report ok=false")
	}
}

func TestRemoveClearsGuild(t *testing.T) {
	r := newTestRegistry()
	r.GetOrCreate(7)
	r.Remove(7)
	if _, ok := r.Get(7); ok {
		t.Fatal("guild must be gone after Remove")
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
}

func TestGuildsSnapshotsCurrentIDs(t *testing.T) {
	r := newTestRegistry()
	r.GetOrCreate(1)
	r.GetOrCreate(2)
	ids := r.Guilds()
	if len(ids) != 2 {
		t.Fatalf("Guilds() returned %d ids, want 2", len(ids))
	}
}
