package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pliu/chatrelay/internal/models"
	"github.com/pliu/chatrelay/internal/store"
)

// directKey identifies the unordered participant pair of a direct conversation.
func directKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

func (s *SQLStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	var key sql.NullString
	if conv.Kind == models.KindDirect && len(conv.Participants) == 2 {
		key = sql.NullString{String: directKey(conv.Participants[0], conv.Participants[1]), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.rebind("INSERT INTO conversations (id, kind, name, created_by, direct_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if _, err := tx.ExecContext(ctx, query, conv.ID, string(conv.Kind), conv.Name, conv.CreatedBy, key, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	query = s.rebind("INSERT INTO conversation_participants (conversation_id, email, position) VALUES (?, ?, ?)")
	for i, email := range conv.Participants {
		if _, err := tx.ExecContext(ctx, query, conv.ID, email, i); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := s.rebind("SELECT id, kind, name, created_by, created_at, updated_at FROM conversations WHERE id = ?")
	return s.getConversation(ctx, query, id)
}

func (s *SQLStore) FindDirectConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	query := s.rebind("SELECT id, kind, name, created_by, created_at, updated_at FROM conversations WHERE direct_key = ?")
	return s.getConversation(ctx, query, directKey(a, b))
}

func (s *SQLStore) getConversation(ctx context.Context, query string, arg any) (*models.Conversation, error) {
	var c models.Conversation
	var kind string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&c.ID, &kind, &c.Name, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Kind = models.ConversationKind(kind)

	convs := []models.Conversation{c}
	if err := s.loadParticipants(ctx, convs); err != nil {
		return nil, err
	}
	return &convs[0], nil
}

func (s *SQLStore) GetUserConversations(ctx context.Context, email string) ([]models.Conversation, error) {
	query := s.rebind(`
		SELECT c.id, c.kind, c.name, c.created_by, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON c.id = p.conversation_id
		WHERE p.email = ?
		ORDER BY c.updated_at DESC, c.id
	`)
	rows, err := s.db.QueryContext(ctx, query, email)
	if err != nil {
		return nil, err
	}

	convs := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		var kind string
		if err := rows.Scan(&c.ID, &kind, &c.Name, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		c.Kind = models.ConversationKind(kind)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := s.loadParticipants(ctx, convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// loadParticipants fills Participants for every conversation in convs,
// preserving creation order.
func (s *SQLStore) loadParticipants(ctx context.Context, convs []models.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	index := make(map[string]int, len(convs))
	ids := make([]string, len(convs))
	for i, c := range convs {
		index[c.ID] = i
		ids[i] = c.ID
		convs[i].Participants = []string{}
	}

	query := s.rebind(fmt.Sprintf(
		"SELECT conversation_id, email FROM conversation_participants WHERE conversation_id IN (%s) ORDER BY conversation_id, position",
		placeholders(len(ids)),
	))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var convID, email string
		if err := rows.Scan(&convID, &email); err != nil {
			return err
		}
		i := index[convID]
		convs[i].Participants = append(convs[i].Participants, email)
	}
	return rows.Err()
}
