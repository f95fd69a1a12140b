package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Trigger is a scheduled workflow run. Schedule holds a cron
// expression; Input is the JSON-encoded initial data for the run.
type Trigger struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Workflow   string          `json:"workflow"`
	Schedule   string          `json:"schedule"`
	Input      json.RawMessage `json:"input,omitempty"`
	Status     string          `json:"status"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	LastStatus string          `json:"last_status,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Store) SaveTrigger(tr *Trigger) error {
	if tr.Status == "" {
		tr.Status = "active"
	}
	_, err := s.db.Exec(`
		INSERT INTO triggers (id, name, workflow, schedule, input, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, workflow=excluded.workflow,
			schedule=excluded.schedule, input=excluded.input,
			status=excluded.status, next_run_at=excluded.next_run_at`,
		tr.ID, tr.Name, tr.Workflow, tr.Schedule, nullableRaw(tr.Input), tr.Status, tr.NextRunAt)
	if err != nil {
		return fmt.Errorf("save trigger: %w", err)
	}
	return nil
}

func (s *Store) GetTrigger(id string) (*Trigger, error) {
	row := s.db.QueryRow(`
		SELECT id, name, workflow, schedule, input, status, next_run_at, last_run_at, last_status, last_error, created_at
		FROM triggers WHERE id = ?`, id)
	tr, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return tr, nil
}

func (s *Store) ListTriggers() ([]Trigger, error) {
	rows, err := s.db.Query(`
		SELECT id, name, workflow, schedule, input, status, next_run_at, last_run_at, last_status, last_error, created_at
		FROM triggers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, *tr)
	}
	return triggers, rows.Err()
}

// GetDueTriggers returns active triggers whose next run is at or before
// now.
func (s *Store) GetDueTriggers(now time.Time) ([]Trigger, error) {
	rows, err := s.db.Query(`
		SELECT id, name, workflow, schedule, input, status, next_run_at, last_run_at, last_status, last_error, created_at
		FROM triggers
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("get due triggers: %w", err)
	}
	defer rows.Close()

	var triggers []Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, *tr)
	}
	return triggers, rows.Err()
}

// UpdateTriggerRun records the outcome of a run and schedules the next
// one. A nil nextRun deactivates the trigger.
func (s *Store) UpdateTriggerRun(id, lastStatus, lastError string, nextRun *time.Time) error {
	status := "active"
	if nextRun == nil {
		status = "completed"
	}
	_, err := s.db.Exec(`
		UPDATE triggers
		SET last_run_at=CURRENT_TIMESTAMP, last_status=?, last_error=?, next_run_at=?, status=?
		WHERE id=?`,
		lastStatus, lastError, nextRun, status, id)
	if err != nil {
		return fmt.Errorf("update trigger run: %w", err)
	}
	return nil
}

func (s *Store) DeleteTrigger(id string) error {
	if _, err := s.db.Exec(`DELETE FROM triggers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	return nil
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var tr Trigger
	var input *string
	var lastStatus, lastError *string
	if err := row.Scan(&tr.ID, &tr.Name, &tr.Workflow, &tr.Schedule, &input, &tr.Status,
		&tr.NextRunAt, &tr.LastRunAt, &lastStatus, &lastError, &tr.CreatedAt); err != nil {
		return nil, err
	}
	if input != nil {
		tr.Input = json.RawMessage(*input)
	}
	if lastStatus != nil {
		tr.LastStatus = *lastStatus
	}
	if lastError != nil {
		tr.LastError = *lastError
	}
	return &tr, nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
