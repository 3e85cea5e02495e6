package memory

import (
	"errors"
	"testing"

	"equinox/internal/domain"
	storepkg "equinox/internal/store"
)

func TestListEventsNewestFirst(t *testing.T) {
	store := NewStore(10)
	store.AppendEvent(domain.EventMoveSuggested, "", map[string]interface{}{"move": "e2e4"})
	store.AppendEvent(domain.EventMoveSubmitted, "game-1", map[string]interface{}{"move": "e2e4"})

	events := store.ListEvents(10)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != domain.EventMoveSubmitted || events[0].GameAccount != "game-1" {
		t.Fatalf("unexpected newest event %+v", events[0])
	}
	if events[0].ID == "" || events[0].CreatedAt.IsZero() {
		t.Fatal("expected id and timestamp to be set")
	}
}

func TestAppendEventDropsOldest(t *testing.T) {
	store := NewStore(3)
	for i := 0; i < 5; i++ {
		store.AppendEvent(domain.EventMoveSuggested, "", map[string]interface{}{"i": i})
	}
	events := store.ListEvents(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[2].Payload["i"] != 2 {
		t.Fatalf("oldest kept event = %v, want i=2", events[2].Payload)
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	store := NewStore(0)
	if _, err := store.GetReceipt("game-1", 4); !errors.Is(err, storepkg.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	sigs := []string{"sig-a", "sig-b"}
	store.SaveReceipt(domain.TransactionReceipt{
		GameAccount:  "game-1",
		MoveSequence: 4,
		Signature:    "sig-b",
		Signatures:   sigs,
		State:        domain.ConfirmationConfirmed,
		Attempts:     2,
	})
	sigs[0] = "mutated"

	got, err := store.GetReceipt("game-1", 4)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if got.Signature != "sig-b" || got.Attempts != 2 || got.Signatures[0] != "sig-a" {
		t.Fatalf("unexpected receipt %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("expected UpdatedAt to be set")
	}
}
