package models

import "time"

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

type ContentType string

const (
	ContentText   ContentType = "text"
	ContentImage  ContentType = "image"
	ContentFile   ContentType = "file"
	ContentSystem ContentType = "system"
)

// Valid reports whether c is one of the known content types.
func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentImage, ContentFile, ContentSystem:
		return true
	}
	return false
}

type Conversation struct {
	ID           string           `json:"conversationId"`
	Kind         ConversationKind `json:"type"`
	Participants []string         `json:"participants"`
	Name         string           `json:"name,omitempty"`
	CreatedBy    string           `json:"createdBy"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// HasParticipant reports whether email is a member of the conversation.
func (c *Conversation) HasParticipant(email string) bool {
	for _, p := range c.Participants {
		if p == email {
			return true
		}
	}
	return false
}

type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

type Message struct {
	ID             string              `json:"messageId"`
	ConversationID string              `json:"conversationId"`
	SenderEmail    string              `json:"senderEmail"`
	SenderName     string              `json:"senderName"`
	Content        string              `json:"content"`
	ContentType    ContentType         `json:"contentType"`
	ReplyTo        string              `json:"replyTo,omitempty"`
	Attachments    []Attachment        `json:"attachments,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"` // emoji -> reacting emails
	Edited         bool                `json:"edited"`
	EditedAt       *time.Time          `json:"editedAt,omitempty"`
	Deleted        bool                `json:"deleted"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// OutboxEntry is a message held for a recipient who had no live connection
// when it was sent.
type OutboxEntry struct {
	ID        int64     `json:"-"`
	Recipient string    `json:"recipient"`
	Message   Message   `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}
