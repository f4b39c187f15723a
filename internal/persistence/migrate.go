package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Columns that only the legacy row shape carried. Their presence triggers the
// one-shot rebuild into the current shape.
var legacyTaskColumns = []string{"mode", "inbox_path"}

// migrateLegacyTasks rebuilds the tasks table when an older row shape is
// detected: rows are copied into a fresh current-shape table, preserving ids
// and the AUTOINCREMENT high-water mark. No-op for a missing or current
// table. This is a one-time upgrade step, not a migration framework.
func (s *Store) migrateLegacyTasks(ctx context.Context) error {
	columns, err := s.tableColumns(ctx, "tasks")
	if err != nil {
		return err
	}
	if len(columns) == 0 || !hasLegacyColumn(columns) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin legacy migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var oldSeq int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM sqlite_sequence WHERE name = 'tasks';`).Scan(&oldSeq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read tasks sequence: %w", err)
	}

	steps := []string{
		`CREATE TABLE tasks_migrated (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			text TEXT NOT NULL,
			attachments_json TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			result_text TEXT,
			error_text TEXT
		);`,
		`INSERT INTO tasks_migrated (
			id, chat_id, user_id, username, text, attachments_json,
			status, created_at, started_at, finished_at, result_text, error_text
		)
		SELECT id, chat_id, user_id, username, text,
			COALESCE(attachments_json, '[]'),
			status, created_at, started_at, finished_at, result_text, error_text
		FROM tasks;`,
		`DROP TABLE tasks;`,
		`ALTER TABLE tasks_migrated RENAME TO tasks;`,
	}
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("rebuild legacy tasks table: %w", err)
		}
	}

	// The copy advanced the sequence to max(id); restore the old high-water
	// mark when it was further ahead (rows deleted from the legacy table).
	if _, err := tx.ExecContext(ctx, `
		UPDATE sqlite_sequence SET seq = MAX(seq, ?) WHERE name = 'tasks';
	`, oldSeq); err != nil {
		return fmt.Errorf("restore tasks sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit legacy migration tx: %w", err)
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q);`, table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table info rows: %w", err)
	}
	return columns, nil
}

func hasLegacyColumn(columns []string) bool {
	present := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		present[c] = struct{}{}
	}
	for _, legacy := range legacyTaskColumns {
		if _, ok := present[legacy]; ok {
			return true
		}
	}
	return false
}
