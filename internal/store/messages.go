package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/agora/internal/envelope"
)

// MessageRecord is the durable projection of an envelope message.
type MessageRecord struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Type          string    `json:"type"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Content       string    `json:"content"`
	RoomID        string    `json:"room_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SaveMessage projects a message into a record and upserts it. Saving
// the same message id twice is a no-op update, so at-least-once
// middleware invocation stays idempotent.
func (s *Store) SaveMessage(msg *envelope.Message) (*MessageRecord, error) {
	content, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}

	rec := &MessageRecord{
		ID:            msg.ID,
		CorrelationID: msg.CorrelationID,
		Type:          string(msg.Type),
		Sender:        msg.SenderID,
		Recipient:     msg.RecipientID,
		Content:       string(content),
		RoomID:        msg.RoomID(),
		CreatedAt:     msg.CreatedAt,
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, correlation_id, type, sender, recipient, content, room_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content=excluded.content`,
		rec.ID, rec.CorrelationID, rec.Type, rec.Sender, rec.Recipient,
		rec.Content, rec.RoomID, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return rec, nil
}

// GetByMessageID returns the record for id, or nil when unknown.
func (s *Store) GetByMessageID(id string) (*MessageRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, correlation_id, type, sender, recipient, content, room_id, created_at
		FROM messages WHERE id = ?`, id)
	rec, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return rec, nil
}

// GetByCorrelationID returns the conversation chain for a correlation
// id, oldest first.
func (s *Store) GetByCorrelationID(id string) ([]MessageRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, correlation_id, type, sender, recipient, content, room_id, created_at
		FROM messages
		WHERE correlation_id = ? OR id = ?
		ORDER BY created_at ASC`, id, id)
	if err != nil {
		return nil, fmt.Errorf("get by correlation: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// GetByRoom returns the most recent messages for a room in
// chronological order, optionally filtered by message type.
func (s *Store) GetByRoom(roomID string, limit int, typeFilter string) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, correlation_id, type, sender, recipient, content, room_id, created_at
		FROM messages
		WHERE room_id = ?`
	args := []any{roomID}
	if typeFilter != "" {
		query += ` AND type = ?`
		args = append(args, typeFilter)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get by room: %w", err)
	}
	defer rows.Close()

	records, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*MessageRecord, error) {
	var rec MessageRecord
	var corr, room *string
	if err := row.Scan(&rec.ID, &corr, &rec.Type, &rec.Sender, &rec.Recipient,
		&rec.Content, &room, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if corr != nil {
		rec.CorrelationID = *corr
	}
	if room != nil {
		rec.RoomID = *room
	}
	return &rec, nil
}

func collectMessages(rows *sql.Rows) ([]MessageRecord, error) {
	var records []MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
