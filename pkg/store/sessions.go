package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultSessionTitle is used until auto-titling replaces it with the
// opening user message.
const DefaultSessionTitle = "New conversation"

// autoTitleLimit is the number of leading characters of the first user
// message kept as the session title.
const autoTitleLimit = 30

// CreateSession inserts a new active session for the user. An empty
// title falls back to DefaultSessionTitle.
func (s *Store) CreateSession(ctx context.Context, userID int64, title, modelDescriptor string) (*Session, error) {
	if title == "" {
		title = DefaultSessionTitle
	}
	now := time.Now().UTC()

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (user_id, title, model_descriptor, created_at, updated_at, is_active)
			VALUES (?, ?, ?, ?, ?, 1)`,
			userID, title, modelDescriptor, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.GetSession(ctx, id)
}

// GetSession retrieves a session by id, active or not.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, model_descriptor, created_at, updated_at, is_active
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.ModelDescriptor,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns the user's sessions ordered by most recent
// activity. Inactive (soft-deleted) sessions are skipped unless
// includeInactive is set.
func (s *Store) ListSessions(ctx context.Context, userID int64, includeInactive bool) ([]*Session, error) {
	query := `
		SELECT id, user_id, title, model_descriptor, created_at, updated_at, is_active
		FROM sessions WHERE user_id = ?`
	if !includeInactive {
		query += " AND is_active = 1"
	}
	query += " ORDER BY updated_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.ModelDescriptor,
			&sess.CreatedAt, &sess.UpdatedAt, &sess.Active); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// SessionInfos returns presentation-ready summaries of the user's
// active sessions, most recently used first.
func (s *Store) SessionInfos(ctx context.Context, userID int64) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.created_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		WHERE s.user_id = ? AND s.is_active = 1
		ORDER BY s.updated_at DESC, s.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list session infos: %w", err)
	}
	defer rows.Close()

	var infos []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.Title, &info.CreatedAt, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// RenameSession sets the session title and bumps updated_at.
func (s *Store) RenameSession(ctx context.Context, id int64, title string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?",
			title, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("rename session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// DeactivateSession soft-deletes the session: the row and its messages
// survive, only the active flag is cleared.
func (s *Store) DeactivateSession(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE sessions SET is_active = 0, updated_at = ? WHERE id = ?",
			time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("deactivate session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// DeleteSession hard-deletes the session, cascading its messages first
// so the session row is never removed while messages reference it.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE session_id = ?", id); err != nil {
			return fmt.Errorf("delete session messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// AppendMessage adds a message to the session and bumps the session's
// updated_at in the same unit of work.
func (s *Store) AppendMessage(ctx context.Context, sessionID int64, role Role, content string, tokenCount int) (*Message, error) {
	now := time.Now().UTC()

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content, timestamp, token_count)
			VALUES (?, ?, ?, ?, ?)`,
			sessionID, role, content, now, tokenCount,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET updated_at = ? WHERE id = ?", now, sessionID); err != nil {
			return fmt.Errorf("bump session updated_at: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:         id,
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		Timestamp:  now,
		TokenCount: tokenCount,
	}, nil
}

// Messages returns the session's messages in insertion order. A limit
// of 0 returns everything.
func (s *Store) Messages(ctx context.Context, sessionID int64, limit int) ([]*Message, error) {
	query := `
		SELECT id, session_id, role, content, timestamp, token_count
		FROM messages WHERE session_id = ?
		ORDER BY timestamp, id`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp, &m.TokenCount); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// History returns role/content pairs in insertion order, directly
// usable for prompt assembly.
func (s *Store) History(ctx context.Context, sessionID int64, limit int) ([]Turn, error) {
	msgs, err := s.Messages(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = Turn{Role: m.Role, Content: m.Content}
	}
	return turns, nil
}

// MessageCount returns the number of messages in the session.
func (s *Store) MessageCount(ctx context.Context, sessionID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// ClearMessages deletes all of the session's messages and bumps
// updated_at. The session row survives.
func (s *Store) ClearMessages(ctx context.Context, sessionID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE sessions SET updated_at = ? WHERE id = ?", time.Now().UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("bump session updated_at: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// AutoTitle sets the session title from the first recorded message if
// that message came from the user: its first 30 characters, with an
// ellipsis when longer. Reports whether a title was set; a session
// whose first message is not a user message is left untouched.
func (s *Store) AutoTitle(ctx context.Context, sessionID int64) (bool, error) {
	msgs, err := s.Messages(ctx, sessionID, 1)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 || msgs[0].Role != RoleUser {
		return false, nil
	}

	title := msgs[0].Content
	if runes := []rune(title); len(runes) > autoTitleLimit {
		title = string(runes[:autoTitleLimit]) + "..."
	}

	if err := s.RenameSession(ctx, sessionID, title); err != nil {
		return false, err
	}
	return true, nil
}
