package storage

import (
	"database/sql"
	"fmt"

	"palaver/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vmihailenco/msgpack/v5"
)

// SQLiteHistory is a HistoryStore for deployments that want history in a
// file other tools can query.
type SQLiteHistory struct {
	conn *sql.DB
}

var _ HistoryStore = (*SQLiteHistory)(nil)

func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// One writer keeps NextSequence-like numbering race free.
	conn.SetMaxOpenConns(1)

	h := &SQLiteHistory{conn: conn}
	if err := h.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return h, nil
}

func (h *SQLiteHistory) Close() error {
	return h.conn.Close()
}

func (h *SQLiteHistory) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS history (
			user_key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			time INTEGER NOT NULL,
			incoming INTEGER NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			body BLOB NOT NULL,
			PRIMARY KEY (user_key, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_time ON history(user_key, time)`,
	}
	for _, query := range queries {
		if _, err := h.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to init history schema: %w", err)
		}
	}
	return nil
}

func (h *SQLiteHistory) AppendHistory(user models.UserID, ue models.UserEvent) (uint64, error) {
	flat := ue.Flatten()
	body, err := msgpack.Marshal(&flat)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	tx, err := h.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullInt64
	if err := tx.QueryRow("SELECT MAX(seq) FROM history WHERE user_key = ?", user.Key()).Scan(&last); err != nil {
		return 0, err
	}
	seq := uint64(last.Int64) + 1

	_, err = tx.Exec(
		"INSERT INTO history (user_key, seq, event_id, time, incoming, kind, text, body) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		user.Key(), seq, ue.ID, ue.Time, ue.Incoming, string(flat.Kind), flat.Text, body,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert history: %w", err)
	}
	return seq, tx.Commit()
}

func (h *SQLiteHistory) ListHistory(user models.UserID, from, to uint64) ([]HistoryEntry, error) {
	query := "SELECT seq, body FROM history WHERE user_key = ? AND seq >= ?"
	args := []any{user.Key(), from}
	if to != 0 {
		query += " AND seq <= ?"
		args = append(args, to)
	}
	query += " ORDER BY seq"

	rows, err := h.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			seq  uint64
			body []byte
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, err
		}
		var flat models.FlatEvent
		if err := msgpack.Unmarshal(body, &flat); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %d: %w", seq, err)
		}
		ue, err := flat.Unflatten()
		if err != nil {
			return nil, err
		}
		entries = append(entries, HistoryEntry{Seq: seq, Event: ue})
	}
	return entries, rows.Err()
}
