package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

// Task is one unit of work derived from an inbound chat message. Rows are
// owned by the store and move strictly pending -> running -> done|failed.
type Task struct {
	ID          int64      `json:"id"`
	ChatID      int64      `json:"chat_id"`
	UserID      int64      `json:"user_id"`
	Username    string     `json:"username"`
	Text        string     `json:"text"`
	Attachments []string   `json:"attachments"`
	Status      TaskStatus `json:"status"`
	CreatedAt   string     `json:"created_at"`
	StartedAt   string     `json:"started_at,omitempty"`
	FinishedAt  string     `json:"finished_at,omitempty"`
	ResultText  string     `json:"result_text,omitempty"`
	ErrorText   string     `json:"error_text,omitempty"`
}

// CountsByStatus is the queue shape reported by /status.
type CountsByStatus struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Enqueue inserts a new pending task and returns its store-assigned id.
// There is no deduplication.
func (s *Store) Enqueue(ctx context.Context, chatID, userID int64, username, text string, attachments []string) (int64, error) {
	if attachments == nil {
		attachments = []string{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return 0, fmt.Errorf("encode attachments: %w", err)
	}

	var taskID int64
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO tasks (chat_id, user_id, username, text, attachments_json, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, chatID, userID, username, text, string(attachmentsJSON), TaskStatusPending, utcNow())
		if execErr != nil {
			return fmt.Errorf("insert task: %w", execErr)
		}
		taskID, execErr = res.LastInsertId()
		if execErr != nil {
			return fmt.Errorf("task id: %w", execErr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return taskID, nil
}

// ClaimNext atomically claims the oldest pending task: select-then-update in
// one immediate transaction, so concurrent claimers always get disjoint rows.
// Returns nil when the queue is empty.
func (s *Store) ClaimNext(ctx context.Context) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, chat_id, user_id, username, text, attachments_json, status,
				created_at, COALESCE(started_at, ''), COALESCE(finished_at, ''),
				COALESCE(result_text, ''), COALESCE(error_text, '')
			FROM tasks
			WHERE status = ?
			ORDER BY id ASC
			LIMIT 1;
		`, TaskStatusPending)

		task, scanErr := scanTask(row)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				claimed = nil
				return nil
			}
			return fmt.Errorf("select pending task: %w", scanErr)
		}

		startedAt := utcNow()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = ? WHERE id = ?;
		`, TaskStatusRunning, startedAt, task.ID); err != nil {
			return fmt.Errorf("mark task running: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.Status = TaskStatusRunning
		task.StartedAt = startedAt
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks the task done with its result text and clears any previous
// error text.
func (s *Store) Complete(ctx context.Context, taskID int64, resultText string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, finished_at = ?, result_text = ?, error_text = NULL
			WHERE id = ?;
		`, TaskStatusDone, utcNow(), resultText, taskID); err != nil {
			return fmt.Errorf("complete task %d: %w", taskID, err)
		}
		return nil
	})
}

// Fail marks the task failed with its error text.
func (s *Store) Fail(ctx context.Context, taskID int64, errorText string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, finished_at = ?, error_text = ?
			WHERE id = ?;
		`, TaskStatusFailed, utcNow(), errorText, taskID); err != nil {
			return fmt.Errorf("fail task %d: %w", taskID, err)
		}
		return nil
	})
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, user_id, username, text, attachments_json, status,
			created_at, COALESCE(started_at, ''), COALESCE(finished_at, ''),
			COALESCE(result_text, ''), COALESCE(error_text, '')
		FROM tasks
		WHERE id = ?;
	`, taskID)
	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", taskID, err)
	}
	return task, nil
}

// Counts reports how many tasks sit in each status.
func (s *Store) Counts(ctx context.Context) (CountsByStatus, error) {
	var counts CountsByStatus
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks GROUP BY status;
	`)
	if err != nil {
		return counts, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan task count: %w", err)
		}
		switch status {
		case TaskStatusPending:
			counts.Pending = n
		case TaskStatusRunning:
			counts.Running = n
		case TaskStatusDone:
			counts.Done = n
		case TaskStatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("task count rows: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var attachmentsJSON string
	if err := row.Scan(
		&task.ID,
		&task.ChatID,
		&task.UserID,
		&task.Username,
		&task.Text,
		&attachmentsJSON,
		&task.Status,
		&task.CreatedAt,
		&task.StartedAt,
		&task.FinishedAt,
		&task.ResultText,
		&task.ErrorText,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attachmentsJSON), &task.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments for task %d: %w", task.ID, err)
	}
	return &task, nil
}
