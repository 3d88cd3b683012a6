package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/pliu/chatrelay/internal/models"
	"github.com/pliu/chatrelay/internal/store"
)

func TestCreateConversation(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	createTestConversation(t, "c1", models.KindGroup, "a@x.com", "b@x.com", "c@x.com")

	conv, err := testStore.GetConversation(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv.Kind != models.KindGroup {
		t.Errorf("Expected kind group, got %s", conv.Kind)
	}
	if conv.Name != "Group c1" {
		t.Errorf("Expected name 'Group c1', got '%s'", conv.Name)
	}
	want := []string{"a@x.com", "b@x.com", "c@x.com"}
	if len(conv.Participants) != len(want) {
		t.Fatalf("Expected %d participants, got %v", len(want), conv.Participants)
	}
	for i, p := range want {
		if conv.Participants[i] != p {
			t.Errorf("Participant %d: expected %s, got %s", i, p, conv.Participants[i])
		}
	}
}

func TestGetConversationNotFound(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	_, err := testStore.GetConversation(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFindDirectConversation(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	createTestConversation(t, "d1", models.KindDirect, "a@x.com", "b@x.com")

	conv, err := testStore.FindDirectConversation(context.Background(), "b@x.com", "a@x.com")
	if err != nil {
		t.Fatalf("FindDirectConversation failed: %v", err)
	}
	if conv.ID != "d1" {
		t.Errorf("Expected d1, got %s", conv.ID)
	}

	_, err = testStore.FindDirectConversation(context.Background(), "a@x.com", "c@x.com")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// A second direct conversation for the same pair violates the unique key.
	dup := &models.Conversation{ID: "d2", Kind: models.KindDirect, Participants: []string{"b@x.com", "a@x.com"}, CreatedBy: "b@x.com"}
	if err := testStore.CreateConversation(context.Background(), dup); err == nil {
		t.Error("Expected error creating duplicate direct conversation")
	}
}

func TestGetUserConversations(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	createTestConversation(t, "c1", models.KindGroup, "a@x.com", "b@x.com")
	createTestConversation(t, "c2", models.KindGroup, "a@x.com", "c@x.com")
	createTestConversation(t, "c3", models.KindGroup, "b@x.com", "c@x.com")

	// A new message moves c1 to the front.
	saveTestMessage(t, "m1", "c1", "a@x.com", "hi")

	convs, err := testStore.GetUserConversations(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("GetUserConversations failed: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("Expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != "c1" {
		t.Errorf("Expected most recent conversation c1 first, got %s", convs[0].ID)
	}
	for _, c := range convs {
		if !c.HasParticipant("a@x.com") {
			t.Errorf("Conversation %s does not list a@x.com: %v", c.ID, c.Participants)
		}
	}

	convs, err = testStore.GetUserConversations(context.Background(), "nobody@x.com")
	if err != nil {
		t.Fatalf("GetUserConversations failed: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("Expected no conversations, got %d", len(convs))
	}
}
