package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harborlabs/chatgate/internal/domain"
)

// SessionStore is the session-history collaborator as seen by the gateway:
// read the most recent messages of a session, append exactly one
// (user, assistant) pair per completed turn.
type SessionStore interface {
	// RecentMessages returns up to limit of the session's newest messages,
	// ordered oldest to newest.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.StoredMessage, error)

	// AppendExchange appends the user message then the assistant message.
	// When the session holds at most two messages afterwards, its title is
	// overwritten with a truncated prefix of the user's message.
	AppendExchange(ctx context.Context, sessionID, model, userText, assistantText string) error
}

type PostgresSessionStore struct {
	db *sql.DB
}

func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

func (s *PostgresSessionStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.StoredMessage, error) {
	query := `
		SELECT id, session_id, role, content, model, created_at
		FROM (
			SELECT id, session_id, role, content, model, created_at
			FROM session_messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.StoredMessage
	for rows.Next() {
		var m domain.StoredMessage
		var model sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &model, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if model.Valid {
			m.Model = model.String
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (s *PostgresSessionStore) AppendExchange(ctx context.Context, sessionID, model, userText, assistantText string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	insert := `
		INSERT INTO session_messages (id, session_id, role, content, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := tx.ExecContext(ctx, insert, uuid.New().String(), sessionID, domain.RoleUser, userText, model, now); err != nil {
		return fmt.Errorf("insert user message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert, uuid.New().String(), sessionID, domain.RoleAssistant, assistantText, model, now.Add(time.Millisecond)); err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_messages WHERE session_id = $1`, sessionID).Scan(&count); err != nil {
		return fmt.Errorf("count messages: %w", err)
	}

	if count <= 2 {
		title := TitleFromMessage(userText)
		result, err := tx.ExecContext(ctx, `UPDATE sessions SET title = $2, updated_at = $3 WHERE id = $1`, sessionID, title, now)
		if err != nil {
			return fmt.Errorf("update title: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return domain.ErrSessionNotFound
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = $2 WHERE id = $1`, sessionID, now); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// TitleFromMessage derives a session title from the first user message: a
// prefix of at most TitleMaxLen characters, ellipsized when truncated.
func TitleFromMessage(text string) string {
	runes := []rune(text)
	if len(runes) <= domain.TitleMaxLen {
		return text
	}
	return string(runes[:domain.TitleMaxLen]) + "..."
}
