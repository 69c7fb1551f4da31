package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/diayal/courierd/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get kv %s: %w", key, err)
	}
	return value, nil
}

// Set replaces the value under key atomically.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv(key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`, key, value, ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

// Delete removes key; deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete kv %s: %w", key, err)
	}
	return nil
}

// AppendAction inserts an action at the tail of the pending log.
func (s *Store) AppendAction(ctx context.Context, action model.PendingAction) error {
	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return fmt.Errorf("marshal action payload: %w", err)
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pending_actions(action_id, action_type, delivery_id, payload_json, created_at, retries)
VALUES (?, ?, ?, ?, ?, ?)
`, action.ID, string(action.Type), action.DeliveryID, string(payload), ts(action.CreatedAt), action.Retries)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

// ListActions returns the pending log in insertion order.
func (s *Store) ListActions(ctx context.Context) ([]model.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT action_id, action_type, delivery_id, payload_json, created_at, retries
FROM pending_actions
ORDER BY seq ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	out := make([]model.PendingAction, 0)
	for rows.Next() {
		var (
			action      model.PendingAction
			actionType  string
			payloadJSON string
			createdAt   string
		)
		if err := rows.Scan(&action.ID, &actionType, &action.DeliveryID, &payloadJSON, &createdAt, &action.Retries); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		action.Type = model.ActionType(actionType)
		if err := json.Unmarshal([]byte(payloadJSON), &action.Payload); err != nil {
			return nil, fmt.Errorf("decode action payload %s: %w", action.ID, err)
		}
		action.CreatedAt, err = parseTS(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse action created_at %s: %w", action.ID, err)
		}
		out = append(out, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter actions: %w", err)
	}
	return out, nil
}

// RemoveAction deletes by id; removing an absent id is a no-op.
func (s *Store) RemoveAction(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE action_id = ?`, id); err != nil {
		return fmt.Errorf("remove action %s: %w", id, err)
	}
	return nil
}

// UpdateActionRetries persists a new retry count for one action in place.
func (s *Store) UpdateActionRetries(ctx context.Context, id string, retries int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pending_actions SET retries = ? WHERE action_id = ?`, retries, id)
	if err != nil {
		return fmt.Errorf("update action retries %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CountActions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

// AppendDeadLetter records an action that left the pending log without a
// successful replay.
func (s *Store) AppendDeadLetter(ctx context.Context, dl model.DeadLetter) error {
	payload, err := json.Marshal(dl.Action.Payload)
	if err != nil {
		return fmt.Errorf("marshal dead letter payload: %w", err)
	}
	if dl.DroppedAt.IsZero() {
		dl.DroppedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO dead_letters(action_id, action_type, delivery_id, payload_json, created_at, retries, cause, last_error, dropped_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, dl.Action.ID, string(dl.Action.Type), dl.Action.DeliveryID, string(payload),
		ts(dl.Action.CreatedAt), dl.Action.Retries, string(dl.Cause), dl.LastError, ts(dl.DroppedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context) ([]model.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT action_id, action_type, delivery_id, payload_json, created_at, retries, cause, last_error, dropped_at
FROM dead_letters
ORDER BY seq ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	out := make([]model.DeadLetter, 0)
	for rows.Next() {
		var (
			dl          model.DeadLetter
			actionType  string
			payloadJSON string
			createdAt   string
			cause       string
			droppedAt   string
		)
		if err := rows.Scan(&dl.Action.ID, &actionType, &dl.Action.DeliveryID, &payloadJSON,
			&createdAt, &dl.Action.Retries, &cause, &dl.LastError, &droppedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Action.Type = model.ActionType(actionType)
		dl.Cause = model.DeadLetterCause(cause)
		if err := json.Unmarshal([]byte(payloadJSON), &dl.Action.Payload); err != nil {
			return nil, fmt.Errorf("decode dead letter payload %s: %w", dl.Action.ID, err)
		}
		if dl.Action.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse dead letter created_at %s: %w", dl.Action.ID, err)
		}
		if dl.DroppedAt, err = parseTS(droppedAt); err != nil {
			return nil, fmt.Errorf("parse dead letter dropped_at %s: %w", dl.Action.ID, err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter dead letters: %w", err)
	}
	return out, nil
}

func (s *Store) PurgeDeadLetters(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`); err != nil {
		return fmt.Errorf("purge dead letters: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}
