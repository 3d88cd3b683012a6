package ws

import (
	"encoding/json"
	"time"

	"github.com/pliu/chatrelay/internal/models"
)

// Inbound frame types.
const (
	typeAuth               = "auth"
	typePing               = "ping"
	typeCreateConversation = "create_conversation"
	typeGetConversations   = "get_conversations"
	typeJoinConversation   = "join_conversation"
	typeLeaveConversation  = "leave_conversation"
	typeSendMessage        = "send_message"
	typeGetMessages        = "get_messages"
	typeEditMessage        = "edit_message"
	typeDeleteMessage      = "delete_message"
	typeAddReaction        = "add_reaction"
	typeMarkRead           = "mark_read"
	typeTyping             = "typing"
)

// Outbound event types.
const (
	eventAuthSuccess         = "auth_success"
	eventPong                = "pong"
	eventError               = "error"
	eventConversationCreated = "conversation_created"
	eventConversationsList   = "conversations_list"
	eventJoinedConversation  = "joined_conversation"
	eventNewMessage          = "new_message"
	eventMessagesLoaded      = "messages_loaded"
	eventMessageEdited       = "message_edited"
	eventMessageDeleted      = "message_deleted"
	eventReactionAdded       = "reaction_added"
	eventMessageRead         = "message_read"
	eventUserTyping          = "user_typing"
	eventOfflineMessage      = "offline_message"
	eventNewConversation     = "new_conversation"
)

// Error codes carried by error frames.
const (
	codeInvalidPayload       = "invalid_payload"
	codeUnknownType          = "unknown_type"
	codeUnauthenticated      = "unauthenticated"
	codeAlreadyAuthenticated = "already_authenticated"
	codeNotInRoom            = "not_in_room"
	codeForbidden            = "forbidden"
	codeNotFound             = "not_found"
	codeRateLimited          = "rate_limited"
	codeInternal             = "internal"
)

// timestampLayout matches JavaScript's Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outboundFrame struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

func encodeFrame(typ string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal(outboundFrame{
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(timestampLayout),
	})
}

// decodePayload unmarshals raw into v. A missing payload decodes as {}.
func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Inbound payloads

type authPayload struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

type createConversationPayload struct {
	Type             models.ConversationKind `json:"type"`
	Participants     []string                `json:"participants"`
	ConversationName string                  `json:"conversationName"`
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type sendMessagePayload struct {
	Content     string              `json:"content"`
	ContentType models.ContentType  `json:"contentType"`
	ReplyTo     string              `json:"replyTo"`
	Attachments []models.Attachment `json:"attachments"`
}

type getMessagesPayload struct {
	Limit           int    `json:"limit"`
	BeforeMessageID string `json:"beforeMessageId"`
}

type messagePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	Emoji     string `json:"emoji"`
}

// Outbound payloads

type errorPayload struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	RequestType string `json:"requestType,omitempty"`
}

type authSuccessPayload struct {
	Email        string         `json:"email"`
	Name         string         `json:"name"`
	UnreadCounts map[string]int `json:"unreadCounts"`
}

type conversationEnvelope struct {
	Conversation *models.Conversation `json:"conversation"`
}

type conversationSummary struct {
	models.Conversation
	UnreadCount int `json:"unreadCount"`
}

type conversationsListPayload struct {
	Conversations []conversationSummary `json:"conversations"`
}

type joinedConversationPayload struct {
	ConversationID string           `json:"conversationId"`
	Messages       []models.Message `json:"messages"`
}

type messageEnvelope struct {
	Message *models.Message `json:"message"`
}

type offlineMessagePayload struct {
	Message          models.Message `json:"message"`
	SentWhileOffline bool           `json:"sentWhileOffline"`
}

type messagesLoadedPayload struct {
	ConversationID string           `json:"conversationId"`
	Messages       []models.Message `json:"messages"`
	HasMore        bool             `json:"hasMore"`
}

type messageEditedPayload struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId"`
	Content        string     `json:"content"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

type messageDeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type reactionAddedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Emoji          string `json:"emoji"`
	UserEmail      string `json:"userEmail"`
}

type messageReadPayload struct {
	ConversationID    string `json:"conversationId"`
	UserEmail         string `json:"userEmail"`
	LastReadMessageID string `json:"lastReadMessageId"`
}

type userTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserEmail      string `json:"userEmail"`
	UserName       string `json:"userName"`
}
