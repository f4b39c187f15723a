package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Namespaced meta keys. Chat sessions and chat modes live in the same table
// as plain scalar entries like the inbound cursor and the push ledger.
const (
	chatSessionKeyPrefix = "chat_session:"
	chatModeKeyPrefix    = "chat_mode:"

	// MetaKeyLastUpdateID is the last-processed inbound update cursor.
	MetaKeyLastUpdateID = "last_update_id"
	// MetaKeyLastPushAttempt holds the UTC calendar day of the last push attempt.
	MetaKeyLastPushAttempt = "last_push_attempt_utc"
)

// GetMeta returns the value for key, or def when the key is absent.
func (s *Store) GetMeta(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts key to value, last write wins.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value;
		`, key, value); err != nil {
			return fmt.Errorf("set meta %q: %w", key, err)
		}
		return nil
	})
}

// DeleteMeta removes key. Deleting an absent key is not an error.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("delete meta %q: %w", key, err)
		}
		return nil
	})
}

// ChatSessionID returns the agent session token for the chat, empty when the
// chat has no session yet (the caller then starts a fresh bootstrap session).
func (s *Store) ChatSessionID(ctx context.Context, chatID int64) (string, error) {
	return s.GetMeta(ctx, chatSessionKey(chatID), "")
}

// SetChatSessionID records the agent session token for the chat,
// overwriting any previous one.
func (s *Store) SetChatSessionID(ctx context.Context, chatID int64, sessionID string) error {
	return s.SetMeta(ctx, chatSessionKey(chatID), sessionID)
}

// ClearChatSessionID drops the chat's session mapping so the next task starts
// a fresh session.
func (s *Store) ClearChatSessionID(ctx context.Context, chatID int64) error {
	return s.DeleteMeta(ctx, chatSessionKey(chatID))
}

// ListChatSessionIDs scans all chat session entries. The sweeper uses the
// result as its retain set.
func (s *Store) ListChatSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM meta WHERE key LIKE ? AND value != '';
	`, chatSessionKeyPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat session rows: %w", err)
	}
	return ids, nil
}

// ChatMode returns the chat's default mode token, "auto" when unset.
func (s *Store) ChatMode(ctx context.Context, chatID int64) (string, error) {
	return s.GetMeta(ctx, chatModeKey(chatID), "auto")
}

// SetChatMode records the chat's default mode token.
func (s *Store) SetChatMode(ctx context.Context, chatID int64, mode string) error {
	return s.SetMeta(ctx, chatModeKey(chatID), strings.TrimSpace(mode))
}

func chatSessionKey(chatID int64) string {
	return fmt.Sprintf("%s%d", chatSessionKeyPrefix, chatID)
}

func chatModeKey(chatID int64) string {
	return fmt.Sprintf("%s%d", chatModeKeyPrefix, chatID)
}
