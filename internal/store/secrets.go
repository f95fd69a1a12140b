package store

import (
	"database/sql"
	"fmt"
	"time"
)

// WebhookSecret stores an encrypted credential for an external agent
// webhook. Value and Nonce carry the AES-GCM ciphertext produced by
// the vault; plaintext never reaches the database.
type WebhookSecret struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Value     []byte    `json:"-"`
	Nonce     []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) SaveWebhookSecret(sec *WebhookSecret) error {
	_, err := s.db.Exec(`
		INSERT INTO webhook_secrets (id, name, value, nonce)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, value=excluded.value,
			nonce=excluded.nonce, updated_at=CURRENT_TIMESTAMP`,
		sec.ID, sec.Name, sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("save webhook secret: %w", err)
	}
	return nil
}

func (s *Store) GetWebhookSecret(id string) (*WebhookSecret, error) {
	row := s.db.QueryRow(`
		SELECT id, name, value, nonce, created_at, updated_at
		FROM webhook_secrets WHERE id = ?`, id)

	var sec WebhookSecret
	err := row.Scan(&sec.ID, &sec.Name, &sec.Value, &sec.Nonce, &sec.CreatedAt, &sec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook secret: %w", err)
	}
	return &sec, nil
}

// ListWebhookSecrets returns all secrets without their values; this
// is the listing surface for the web API, which must never expose
// ciphertext.
func (s *Store) ListWebhookSecrets() ([]WebhookSecret, error) {
	rows, err := s.db.Query(`
		SELECT id, name, created_at, updated_at
		FROM webhook_secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list webhook secrets: %w", err)
	}
	defer rows.Close()

	var secrets []WebhookSecret
	for rows.Next() {
		var sec WebhookSecret
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook secret: %w", err)
		}
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}

func (s *Store) DeleteWebhookSecret(id string) error {
	if _, err := s.db.Exec(`DELETE FROM webhook_secrets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete webhook secret: %w", err)
	}
	return nil
}
