package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"nexuschat/internal/chat"
)

var ErrNotFound = errors.New("not found")

const titleMaxRunes = 60

var conversationColumns = []string{"id", "owner", "title", "persona", "created_at", "updated_at"}

func (s *Store) CreateConversation(ctx context.Context, owner, persona string) (Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{
		ID:        uuid.NewString(),
		Owner:     owner,
		Persona:   persona,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q := s.sql.Insert("conversations").
		Columns(conversationColumns...).
		Values(c.ID, c.Owner, c.Title, c.Persona, c.CreatedAt, c.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, owner, id string) (Conversation, error) {
	q := s.sql.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"id": id, "owner": owner})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}
	var c Conversation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.Owner, &c.Title, &c.Persona, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns the owner's conversations, most recently active first.
func (s *Store) ListConversations(ctx context.Context, owner string, limit int) ([]Conversation, error) {
	q := s.sql.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"owner": owner}).
		OrderBy("updated_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Owner, &c.Title, &c.Persona, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) RenameConversation(ctx context.Context, owner, id, title string) error {
	return s.updateConversation(ctx, owner, id, "rename conversation", map[string]any{"title": strings.TrimSpace(title)})
}

func (s *Store) SetConversationPersona(ctx context.Context, owner, id, persona string) error {
	return s.updateConversation(ctx, owner, id, "set conversation persona", map[string]any{"persona": persona})
}

func (s *Store) updateConversation(ctx context.Context, owner, id, op string, set map[string]any) error {
	set["updated_at"] = time.Now().UTC()
	q := s.sql.Update("conversations").
		SetMap(set).
		Where(sq.Eq{"id": id, "owner": owner})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s query: %w", op, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, owner, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sqlStr, args, err := s.sql.Delete("conversations").Where(sq.Eq{"id": id, "owner": owner}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	sqlStr, args, err = s.sql.Delete("messages").Where(sq.Eq{"conversation_id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete messages query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

// AppendMessage stores m and bumps the conversation's activity time. The first
// user message of an untitled conversation becomes its title.
func (s *Store) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sqlStr, args, err := s.sql.Insert("messages").
		Columns("conversation_id", "role", "content", "thought", "mode", "status", "created_at").
		Values(m.ConversationID, string(m.Role), m.Content, m.Thought, string(m.Mode), string(m.Status), m.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build append message query: %w", err)
	}
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&m.ID); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}

	set := map[string]any{"updated_at": m.CreatedAt}
	where := sq.Eq{"id": m.ConversationID}
	sqlStr, args, err = s.sql.Update("conversations").SetMap(set).Where(where).ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build touch conversation query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Message{}, ErrNotFound
	}

	if m.Role == chat.RoleUser {
		if title := Title(m.Content); title != "" {
			sqlStr, args, err = s.sql.Update("conversations").
				Set("title", title).
				Where(sq.Eq{"id": m.ConversationID, "title": ""}).
				ToSql()
			if err != nil {
				return Message{}, fmt.Errorf("build auto title query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
				return Message{}, fmt.Errorf("auto title conversation: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append message: %w", err)
	}
	return m, nil
}

// Messages returns the last limit messages of a conversation in order.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	q := s.sql.Select("id", "conversation_id", "role", "content", "thought", "mode", "status", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var role, mode, status string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Thought, &mode, &status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role, m.Mode, m.Status = chat.Role(role), chat.Mode(mode), chat.Status(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// History returns the model context for a conversation: the last limit
// messages as turns, skipping error bubbles.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]chat.Turn, error) {
	msgs, err := s.Messages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	turns := make([]chat.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Status == chat.StatusError || strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, chat.Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

// Title derives a conversation title from the first line of a prompt.
func Title(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if utf8.RuneCountInString(line) <= titleMaxRunes {
		return line
	}
	r := []rune(line)
	return strings.TrimSpace(string(r[:titleMaxRunes])) + "…"
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
