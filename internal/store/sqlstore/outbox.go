package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pliu/chatrelay/internal/models"
)

// SaveUndelivered queues a copy of msg for recipient. The copy is stored
// whole so it can be delivered even if the message is edited later.
func (s *SQLStore) SaveUndelivered(ctx context.Context, recipient string, msg *models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode outbox message: %w", err)
	}
	query := s.rebind("INSERT INTO outbox (recipient, message_id, payload, created_at) VALUES (?, ?, ?, ?)")
	_, err = s.db.ExecContext(ctx, query, recipient, msg.ID, string(payload), time.Now().UTC())
	return err
}

func (s *SQLStore) GetUndelivered(ctx context.Context, recipient string) ([]models.OutboxEntry, error) {
	query := s.rebind("SELECT id, recipient, payload, created_at FROM outbox WHERE recipient = ? AND delivered_at IS NULL ORDER BY id")
	rows, err := s.db.QueryContext(ctx, query, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.Recipient, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Message); err != nil {
			return nil, fmt.Errorf("decode outbox entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLStore) MarkDelivered(ctx context.Context, recipient string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	query := s.rebind(fmt.Sprintf(
		"UPDATE outbox SET delivered_at = ? WHERE recipient = ? AND delivered_at IS NULL AND message_id IN (%s)",
		placeholders(len(messageIDs)),
	))
	args := append([]any{time.Now().UTC(), recipient}, stringArgs(messageIDs)...)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
