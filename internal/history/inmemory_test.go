package history

import (
	"context"
	"testing"
)

func TestInMemoryStoreAppendRecent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	kinds := []string{KindCreated, KindEntered, KindPeerConnected, KindLeft}
	for _, kind := range kinds {
		if err := s.Append(ctx, Event{RoomID: "r1", GroupCallID: "g1", Kind: kind}); err != nil {
			t.Fatalf("Append(%s) error = %v", kind, err)
		}
	}
	if err := s.Append(ctx, Event{RoomID: "r1", GroupCallID: "other", Kind: KindCreated}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.Recent(ctx, "r1", "g1", 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != len(kinds) {
		t.Fatalf("Recent() len = %d, want %d", len(got), len(kinds))
	}
	for i, kind := range kinds {
		if got[i].Kind != kind {
			t.Fatalf("event %d kind = %q, want %q (insertion order)", i, got[i].Kind, kind)
		}
		if got[i].ID == "" || got[i].CreatedAt.IsZero() {
			t.Fatalf("event %d missing generated fields: %+v", i, got[i])
		}
	}

	tail, err := s.Recent(ctx, "r1", "g1", 2)
	if err != nil {
		t.Fatalf("Recent(limit=2) error = %v", err)
	}
	if len(tail) != 2 || tail[0].Kind != KindPeerConnected || tail[1].Kind != KindLeft {
		t.Fatalf("Recent(limit=2) = %+v, want last two events", tail)
	}
}

func TestInMemoryStoreEmpty(t *testing.T) {
	s := NewInMemoryStore()
	got, err := s.Recent(context.Background(), "r1", "g1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Recent() = %v, want nil", got)
	}
}
