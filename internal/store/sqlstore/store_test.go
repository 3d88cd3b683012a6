package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/pliu/chatrelay/internal/models"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T) {
	var err error
	testStore, err = New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.db.Close()
}

func createTestConversation(t *testing.T, id string, kind models.ConversationKind, participants ...string) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{
		ID:           id,
		Kind:         kind,
		Participants: participants,
		CreatedBy:    participants[0],
	}
	if kind == models.KindGroup {
		conv.Name = "Group " + id
	}
	if err := testStore.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	return conv
}

func saveTestMessage(t *testing.T, id, convID, sender, content string) *models.Message {
	t.Helper()
	msg := &models.Message{
		ID:             id,
		ConversationID: convID,
		SenderEmail:    sender,
		SenderName:     sender,
		Content:        content,
		ContentType:    models.ContentText,
		CreatedAt:      time.Now().UTC(),
	}
	if err := testStore.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("Failed to save message: %v", err)
	}
	return msg
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New("nosuchdriver", ""); err == nil {
		t.Error("Expected error for unknown driver, got nil")
	}
}

func TestRebind(t *testing.T) {
	s := &SQLStore{driverName: "postgres"}
	got := s.rebind("SELECT 1 WHERE a = ? AND b IN (?, ?)")
	want := "SELECT 1 WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	s = &SQLStore{driverName: "sqlite3"}
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}
