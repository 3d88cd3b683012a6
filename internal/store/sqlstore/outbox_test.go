package sqlstore

import (
	"context"
	"testing"

	"github.com/pliu/chatrelay/internal/models"
)

func TestOutbox(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	ctx := context.Background()
	createTestConversation(t, "c1", models.KindDirect, "a@x.com", "b@x.com")
	m1 := saveTestMessage(t, "m1", "c1", "a@x.com", "hi")
	m2 := saveTestMessage(t, "m2", "c1", "a@x.com", "are you there?")

	if err := testStore.SaveUndelivered(ctx, "b@x.com", m1); err != nil {
		t.Fatalf("SaveUndelivered failed: %v", err)
	}
	if err := testStore.SaveUndelivered(ctx, "b@x.com", m2); err != nil {
		t.Fatalf("SaveUndelivered failed: %v", err)
	}

	entries, err := testStore.GetUndelivered(ctx, "b@x.com")
	if err != nil {
		t.Fatalf("GetUndelivered failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message.Content != "hi" || entries[1].Message.ID != "m2" {
		t.Errorf("Entries out of order: %+v", entries)
	}

	if others, _ := testStore.GetUndelivered(ctx, "a@x.com"); len(others) != 0 {
		t.Errorf("Expected no entries for sender, got %d", len(others))
	}

	if err := testStore.MarkDelivered(ctx, "b@x.com", []string{"m1"}); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	entries, _ = testStore.GetUndelivered(ctx, "b@x.com")
	if len(entries) != 1 || entries[0].Message.ID != "m2" {
		t.Errorf("Expected only m2 pending, got %+v", entries)
	}

	if err := testStore.MarkDelivered(ctx, "b@x.com", nil); err != nil {
		t.Errorf("MarkDelivered with no ids failed: %v", err)
	}
}
