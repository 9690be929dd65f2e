package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/kandev/larkacp/internal/errors"
)

// CreateSession inserts a new session row with status idle.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.Status = StatusIdle
	sess.CreatedAt = now
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
		(id, chat_id, thread_id, creator_id, status, initial_prompt, acp_session_id,
		 working_dir, doc_token, working_message_id, mode, project_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.ChatID, sess.ThreadID, sess.CreatorID, sess.Status, sess.InitialPrompt,
		sess.ACPSessionID, sess.WorkingDir, sess.DocToken, sess.WorkingMessageID, sess.Mode,
		sess.ProjectID, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func scanSession(row interface {
	Scan(dest ...any) error
}) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.ChatID, &sess.ThreadID, &sess.CreatorID, &sess.Status,
		&sess.InitialPrompt, &sess.ACPSessionID, &sess.WorkingDir, &sess.DocToken,
		&sess.WorkingMessageID, &sess.Mode, &sess.ProjectID, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

const sessionColumns = `id, chat_id, thread_id, creator_id, status, initial_prompt, acp_session_id,
		 working_dir, doc_token, working_message_id, mode, project_id, created_at, updated_at`

// GetSession finds a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, &apperrors.SessionNotFoundError{SessionID: id}
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetMostRecentByThread implements Thread Resolver step 1 (§4.4): the
// most-recently-touched session whose threadId matches.
func (s *Store) GetMostRecentByThread(ctx context.Context, threadID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE thread_id = ? ORDER BY updated_at DESC LIMIT 1
	`, threadID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetMostRecentByProject implements Thread Resolver step 2a.
func (s *Store) GetMostRecentByProject(ctx context.Context, projectID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? ORDER BY updated_at DESC LIMIT 1
	`, projectID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetMostRecentByChat implements Thread Resolver step 2b.
func (s *Store) GetMostRecentByChat(ctx context.Context, chatID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE chat_id = ? ORDER BY updated_at DESC LIMIT 1
	`, chatID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListByProject lists sessions for a project ordered by updatedAt desc (§4.3).
func (s *Store) ListByProject(ctx context.Context, projectID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? ORDER BY updated_at DESC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListByChat lists every session for a chat, across all projects,
// ordered by updatedAt desc (§4.6 /listall).
func (s *Store) ListByChat(ctx context.Context, chatID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE chat_id = ? ORDER BY updated_at DESC
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetStatus enforces the idle<->running state-transition invariant (§4.3,
// §7). Any other transition returns a SessionStateError.
func (s *Store) SetStatus(ctx context.Context, id string, to Status) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == to {
		return &apperrors.SessionStateError{SessionID: id, From: apperrors.SessionState(sess.Status), To: apperrors.SessionState(to)}
	}
	if !(sess.Status == StatusIdle && to == StatusRunning) && !(sess.Status == StatusRunning && to == StatusIdle) {
		return &apperrors.SessionStateError{SessionID: id, From: apperrors.SessionState(sess.Status), To: apperrors.SessionState(to)}
	}
	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, to, time.Now().UTC(), id)
	return err
}

// SetACPSessionID records the acpSessionId after the first newSession call.
func (s *Store) SetACPSessionID(ctx context.Context, id, acpSessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET acp_session_id = ?, updated_at = ? WHERE id = ?`, acpSessionID, time.Now().UTC(), id)
	return err
}

// SetMode persists the session's current ACP mode id.
func (s *Store) SetMode(ctx context.Context, id, mode string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET mode = ?, updated_at = ? WHERE id = ?`, mode, time.Now().UTC(), id)
	return err
}

// SetWorkingMessageID records which IM message owns the currently
// streaming card, or clears it when messageID is empty (§4.9 Close).
func (s *Store) SetWorkingMessageID(ctx context.Context, id, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET working_message_id = ?, updated_at = ? WHERE id = ?`, messageID, time.Now().UTC(), id)
	return err
}

// BindProject sets or clears (when projectID == "") a session's project binding.
func (s *Store) BindProject(ctx context.Context, id, projectID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET project_id = ?, updated_at = ? WHERE id = ?`, projectID, time.Now().UTC(), id)
	return err
}

// Touch bumps updatedAt without changing any other field.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// DeleteSession removes a session row.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// ReconcileRunningToIdle resets any session persisted as running to idle.
// Used at startup (SPEC_FULL §C): a running status with no live subprocess
// is a cold-start artifact, not a real in-flight prompt.
func (s *Store) ReconcileRunningToIdle(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE status = ?`, StatusIdle, time.Now().UTC(), StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
