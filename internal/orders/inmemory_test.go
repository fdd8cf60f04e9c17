package orders

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemorySaveAssignsIDAndTimestamp(t *testing.T) {
	s := NewInMemoryStore()
	saved, err := s.Save(context.Background(), Order{
		ConversationID: "conv-1",
		Items:          []Item{{Name: "espresso", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved.ID == "" {
		t.Fatalf("Save() did not assign an id")
	}
	if saved.CreatedAt.IsZero() {
		t.Fatalf("Save() did not assign a timestamp")
	}

	got, err := s.Get(context.Background(), saved.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ConversationID != "conv-1" || len(got.Items) != 1 || got.Items[0].Name != "espresso" {
		t.Fatalf("Get() = %+v", got)
	}
}

func TestInMemoryGetUnknown(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("error = %v, want ErrOrderNotFound", err)
	}
}

func TestInMemoryListNewestFirst(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		_, err := s.Save(context.Background(), Order{
			ConversationID: "conv",
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			CustomerName:   string(rune('a' + i)),
		})
		if err != nil {
			t.Fatalf("Save(%d) error = %v", i, err)
		}
	}

	got, err := s.List(context.Background(), 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].CustomerName != "c" || got[1].CustomerName != "b" {
		t.Fatalf("order = %q, %q", got[0].CustomerName, got[1].CustomerName)
	}
}

func TestNewStoreDefaultsToInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("store type = %T, want *InMemoryStore", s)
	}
}
