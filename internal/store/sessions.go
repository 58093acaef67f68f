package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Session is one conversation.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one entry in a session's log.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// sessionCategories is checked in order; the first category with a keyword
// present in the message names the session.
var sessionCategories = []struct {
	name     string
	keywords []string
}{
	{"code", []string{"code", "programming", "python", "javascript", "html", "css", "function", "script"}},
	{"analysis", []string{"analyze", "analysis", "data", "statistics", "report", "insights"}},
	{"writing", []string{"write", "essay", "article", "content", "blog", "story"}},
	{"help", []string{"help", "how to", "explain", "tutorial", "guide", "assistance"}},
	{"research", []string{"research", "find", "search", "information", "study"}},
	{"creative", []string{"create", "design", "generate", "make", "build"}},
	{"question", []string{"what", "why", "how", "when", "where", "who"}},
	{"math", []string{"calculate", "solve", "math", "equation", "formula"}},
	{"planning", []string{"plan", "schedule", "organize", "strategy", "roadmap"}},
	{"review", []string{"review", "check", "evaluate", "assess", "feedback"}},
}

const maxSessionName = 40

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_\s]+`)

// SessionName derives a short title from the first message of a session:
// "Category: First Three Words" when a keyword category matches, otherwise
// the first four words, capped at 40 characters.
func SessionName(message string) string {
	clean := nonWord.ReplaceAllString(strings.ToLower(message), " ")
	words := strings.Fields(clean)
	title := cases.Title(language.Und)

	category := ""
	for _, c := range sessionCategories {
		for _, k := range c.keywords {
			if strings.Contains(clean, k) {
				category = c.name
				break
			}
		}
		if category != "" {
			break
		}
	}

	var name string
	if category != "" {
		name = title.String(category) + ": " + title.String(strings.Join(words[:min(3, len(words))], " "))
	} else {
		name = title.String(strings.Join(words[:min(4, len(words))], " "))
	}
	if name == "" {
		name = "Chat Session"
	}
	if r := []rune(name); len(r) > maxSessionName {
		name = string(r[:maxSessionName-3]) + "..."
	}
	return name
}

// CreateSession starts a session named after firstMessage.
func (s *Store) CreateSession(ctx context.Context, model, systemPrompt, firstMessage string) (Session, error) {
	ts := s.stamp()
	sess := Session{
		ID:           uuid.NewString(),
		Name:         SessionName(firstMessage),
		Model:        model,
		SystemPrompt: systemPrompt,
		CreatedAt:    fromStamp(ts),
		UpdatedAt:    fromStamp(ts),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, model, system_prompt, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.Model, sess.SystemPrompt, ts, ts)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.name, s.model, s.system_prompt, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s WHERE s.id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

// ListSessions returns sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.model, s.system_prompt, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		ORDER BY s.updated_at DESC, s.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (Session, error) {
	var sess Session
	var created, updated int64
	if err := sc.Scan(&sess.ID, &sess.Name, &sess.Model, &sess.SystemPrompt, &created, &updated, &sess.MessageCount); err != nil {
		return Session{}, err
	}
	sess.CreatedAt = fromStamp(created)
	sess.UpdatedAt = fromStamp(updated)
	return sess, nil
}

// AppendMessage adds a message to a session and bumps its activity time.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content, metadata string) (Message, error) {
	ts := s.stamp()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, role, content, metadata, ts)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	id, _ := res.LastInsertId()
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return Message{ID: id, SessionID: sessionID, Role: role, Content: content, Metadata: metadata, CreatedAt: fromStamp(ts)}, nil
}

// Messages returns the last limit messages of a session in chronological
// order. A limit of zero returns them all.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	q := `SELECT id, session_id, role, content, metadata, created_at FROM messages WHERE session_id = ? ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Metadata, &ts); err != nil {
			return nil, err
		}
		m.CreatedAt = fromStamp(ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearMessages deletes a session's messages but keeps the session.
func (s *Store) ClearMessages(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SessionUpdate changes the fields that are set; nil fields keep their value.
type SessionUpdate struct {
	Name         *string `json:"name"`
	Model        *string `json:"model"`
	SystemPrompt *string `json:"system_prompt"`
}

// UpdateSession applies upd and returns the stored session. A blank name is
// rejected rather than stored.
func (s *Store) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (Session, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.stamp()}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Session{}, errors.New("session name must not be empty")
		}
		sets = append(sets, "name = ?")
		args = append(args, name)
	}
	if upd.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, strings.TrimSpace(*upd.Model))
	}
	if upd.SystemPrompt != nil {
		sets = append(sets, "system_prompt = ?")
		args = append(args, *upd.SystemPrompt)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return Session{}, fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s.GetSession(ctx, id)
}

// DeleteSession removes a session; its messages go with it.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}
