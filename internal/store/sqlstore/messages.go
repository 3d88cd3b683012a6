package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pliu/chatrelay/internal/models"
	"github.com/pliu/chatrelay/internal/store"
)

const messageColumns = "id, conversation_id, sender_email, sender_name, content, content_type, reply_to, attachments, edited, edited_at, deleted, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var contentType, attachments string
	var editedAt sql.NullTime
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderEmail, &m.SenderName, &m.Content, &contentType,
		&m.ReplyTo, &attachments, &m.Edited, &editedAt, &m.Deleted, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.ContentType = models.ContentType(contentType)
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func encodeAttachments(attachments []models.Attachment) (string, error) {
	if len(attachments) == 0 {
		return "", nil
	}
	b, err := json.Marshal(attachments)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SaveMessage appends msg to its conversation. Storage order is insertion
// order, which is the order callers observe in GetMessages.
func (s *SQLStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	attachments, err := encodeAttachments(msg.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.rebind(`
		INSERT INTO messages (id, conversation_id, sender_email, sender_name, content, content_type, reply_to, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, query, msg.ID, msg.ConversationID, msg.SenderEmail, msg.SenderName,
		msg.Content, string(msg.ContentType), msg.ReplyTo, attachments, msg.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	query = s.rebind("UPDATE conversations SET updated_at = ? WHERE id = ?")
	res, err := tx.ExecContext(ctx, query, msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE id = ?")
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msgs := []models.Message{*m}
	if err := s.loadReactions(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *SQLStore) GetMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]models.Message, error) {
	var rows *sql.Rows
	var err error
	if beforeID == "" {
		query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?")
		rows, err = s.db.QueryContext(ctx, query, conversationID, limit)
	} else {
		query := s.rebind(`SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = ? AND seq < (SELECT seq FROM messages WHERE id = ?)
			ORDER BY seq DESC LIMIT ?`)
		rows, err = s.db.QueryContext(ctx, query, conversationID, beforeID, limit)
	}
	if err != nil {
		return nil, err
	}

	var newestFirst []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		newestFirst = append(newestFirst, *m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	messages := make([]models.Message, len(newestFirst))
	for i, m := range newestFirst {
		messages[len(newestFirst)-1-i] = m
	}
	if err := s.loadReactions(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// ownMessage loads a live message and checks it was sent by senderEmail.
func (s *SQLStore) ownMessage(ctx context.Context, id, senderEmail string) error {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if m.Deleted {
		return store.ErrNotFound
	}
	if m.SenderEmail != senderEmail {
		return store.ErrForbidden
	}
	return nil
}

func (s *SQLStore) EditMessage(ctx context.Context, id, senderEmail, content string) (*models.Message, error) {
	if err := s.ownMessage(ctx, id, senderEmail); err != nil {
		return nil, err
	}
	query := s.rebind("UPDATE messages SET content = ?, edited = ?, edited_at = ? WHERE id = ? AND sender_email = ? AND deleted = ?")
	res, err := s.db.ExecContext(ctx, query, content, true, time.Now().UTC(), id, senderEmail, false)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

// DeleteMessage tombstones the message: the row stays so cached histories
// remain consistent, its content and attachments are cleared.
func (s *SQLStore) DeleteMessage(ctx context.Context, id, senderEmail string) (*models.Message, error) {
	if err := s.ownMessage(ctx, id, senderEmail); err != nil {
		return nil, err
	}
	query := s.rebind("UPDATE messages SET deleted = ?, content = '', attachments = '' WHERE id = ? AND sender_email = ? AND deleted = ?")
	res, err := s.db.ExecContext(ctx, query, true, id, senderEmail, false)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

func (s *SQLStore) AddReaction(ctx context.Context, id, email, emoji string) (*models.Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Deleted {
		return nil, store.ErrNotFound
	}

	query := s.rebind(`
		INSERT INTO message_reactions (message_id, emoji, email, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, emoji, email) DO NOTHING
	`)
	if _, err := s.db.ExecContext(ctx, query, id, emoji, email, time.Now().UTC()); err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

func (s *SQLStore) loadReactions(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	index := make(map[string]int, len(messages))
	ids := make([]string, len(messages))
	for i, m := range messages {
		index[m.ID] = i
		ids[i] = m.ID
	}

	query := s.rebind(fmt.Sprintf(
		"SELECT message_id, emoji, email FROM message_reactions WHERE message_id IN (%s) ORDER BY created_at, email",
		placeholders(len(ids)),
	))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, emoji, email string
		if err := rows.Scan(&messageID, &emoji, &email); err != nil {
			return err
		}
		m := &messages[index[messageID]]
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		m.Reactions[emoji] = append(m.Reactions[emoji], email)
	}
	return rows.Err()
}

// MarkRead moves the read cursor of email in the conversation. The cursor
// may move backwards; the last write wins.
func (s *SQLStore) MarkRead(ctx context.Context, conversationID, email, messageID string) error {
	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.ConversationID != conversationID {
		return store.ErrNotFound
	}

	query := s.rebind(`
		INSERT INTO read_cursors (conversation_id, email, message_id, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, email) DO UPDATE SET message_id = excluded.message_id, updated_at = excluded.updated_at
	`)
	_, err = s.db.ExecContext(ctx, query, conversationID, email, messageID, time.Now().UTC())
	return err
}

func (s *SQLStore) GetReadCursor(ctx context.Context, conversationID, email string) (string, error) {
	var messageID string
	query := s.rebind("SELECT message_id FROM read_cursors WHERE conversation_id = ? AND email = ?")
	err := s.db.QueryRowContext(ctx, query, conversationID, email).Scan(&messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return messageID, err
}

// GetUnreadCounts returns, per conversation of email, the number of live
// messages from other senders stored after the read cursor. Conversations
// with nothing unread are omitted.
func (s *SQLStore) GetUnreadCounts(ctx context.Context, email string) (map[string]int, error) {
	query := s.rebind(`
		SELECT p.conversation_id, COUNT(m.seq)
		FROM conversation_participants p
		JOIN messages m ON m.conversation_id = p.conversation_id
		LEFT JOIN read_cursors rc ON rc.conversation_id = p.conversation_id AND rc.email = p.email
		LEFT JOIN messages cm ON cm.id = rc.message_id
		WHERE p.email = ? AND m.sender_email <> ? AND m.deleted = ?
			AND (cm.seq IS NULL OR m.seq > cm.seq)
		GROUP BY p.conversation_id
	`)
	rows, err := s.db.QueryContext(ctx, query, email, email, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var convID string
		var n int
		if err := rows.Scan(&convID, &n); err != nil {
			return nil, err
		}
		counts[convID] = n
	}
	return counts, rows.Err()
}
