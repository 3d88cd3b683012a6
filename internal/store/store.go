package store

import (
	"context"
	"errors"

	"github.com/pliu/chatrelay/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// Store is the durable side of the chat server. Implementations must be safe
// for concurrent use.
type Store interface {
	// Conversation operations
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	FindDirectConversation(ctx context.Context, a, b string) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, email string) ([]models.Conversation, error)

	// Message operations. GetMessages returns at most limit messages older
	// than beforeID (newest page when beforeID is empty) in ascending order.
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]models.Message, error)
	EditMessage(ctx context.Context, id, senderEmail, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, id, senderEmail string) (*models.Message, error)
	AddReaction(ctx context.Context, id, email, emoji string) (*models.Message, error)

	// Read state
	MarkRead(ctx context.Context, conversationID, email, messageID string) error
	GetReadCursor(ctx context.Context, conversationID, email string) (string, error)
	GetUnreadCounts(ctx context.Context, email string) (map[string]int, error)

	// Offline outbox
	SaveUndelivered(ctx context.Context, recipient string, msg *models.Message) error
	GetUndelivered(ctx context.Context, recipient string) ([]models.OutboxEntry, error)
	MarkDelivered(ctx context.Context, recipient string, messageIDs []string) error

	Ping(ctx context.Context) error
	Close() error
}
