package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) UpsertPersona(ctx context.Context, p Persona) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("persona name is empty")
	}
	q := s.sql.Insert("personas").
		Columns("owner", "name", "system_prompt", "model", "created_at").
		Values(p.Owner, p.Name, p.SystemPrompt, p.Model, time.Now().UTC()).
		Suffix("ON CONFLICT(owner, name) DO UPDATE SET system_prompt=excluded.system_prompt, model=excluded.model")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build persona upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert persona: %w", err)
	}
	return nil
}

func (s *Store) GetPersona(ctx context.Context, owner, name string) (Persona, error) {
	q := s.sql.Select("owner", "name", "system_prompt", "model", "created_at").
		From("personas").
		Where(sq.Eq{"owner": owner, "name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Persona{}, fmt.Errorf("build get persona query: %w", err)
	}
	var p Persona
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&p.Owner, &p.Name, &p.SystemPrompt, &p.Model, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Persona{}, ErrNotFound
		}
		return Persona{}, fmt.Errorf("get persona: %w", err)
	}
	return p, nil
}

func (s *Store) ListPersonas(ctx context.Context, owner string) ([]Persona, error) {
	q := s.sql.Select("owner", "name", "system_prompt", "model", "created_at").
		From("personas").
		Where(sq.Eq{"owner": owner}).
		OrderBy("name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list personas query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	out := make([]Persona, 0)
	for rows.Next() {
		var p Persona
		if err := rows.Scan(&p.Owner, &p.Name, &p.SystemPrompt, &p.Model, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan persona row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persona rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeletePersona(ctx context.Context, owner, name string) error {
	sqlStr, args, err := s.sql.Delete("personas").Where(sq.Eq{"owner": owner, "name": name}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete persona query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOwnerAPIKey stores the sealed key envelope; nil clears it.
func (s *Store) SetOwnerAPIKey(ctx context.Context, owner string, encAPIKey *string) error {
	return s.upsertOwnerSetting(ctx, owner, "enc_api_key", encAPIKey)
}

// GetOwnerAPIKey returns the sealed envelope, or ErrNotFound when the owner
// has not set a key.
func (s *Store) GetOwnerAPIKey(ctx context.Context, owner string) (string, error) {
	settings, err := s.GetOwnerSettings(ctx, owner)
	if err != nil {
		return "", err
	}
	if settings.EncAPIKey == nil || *settings.EncAPIKey == "" {
		return "", ErrNotFound
	}
	return *settings.EncAPIKey, nil
}

func (s *Store) SetActiveConversation(ctx context.Context, owner, conversationID string) error {
	return s.upsertOwnerSetting(ctx, owner, "active_conversation_id", &conversationID)
}

func (s *Store) GetActiveConversation(ctx context.Context, owner string) (string, error) {
	settings, err := s.GetOwnerSettings(ctx, owner)
	if err != nil {
		return "", err
	}
	if settings.ActiveConversation == nil || *settings.ActiveConversation == "" {
		return "", ErrNotFound
	}
	return *settings.ActiveConversation, nil
}

func (s *Store) upsertOwnerSetting(ctx context.Context, owner, column string, value *string) error {
	q := s.sql.Insert("owner_settings").
		Columns("owner", column, "updated_at").
		Values(owner, value, nowExpr(s.driver)).
		Suffix(fmt.Sprintf("ON CONFLICT(owner) DO UPDATE SET %s=excluded.%s, updated_at=excluded.updated_at", column, column))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build owner setting query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set owner %s: %w", column, err)
	}
	return nil
}

func (s *Store) GetOwnerSettings(ctx context.Context, owner string) (OwnerSettings, error) {
	q := s.sql.Select("owner", "enc_api_key", "active_conversation_id", "updated_at").
		From("owner_settings").
		Where(sq.Eq{"owner": owner})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return OwnerSettings{}, fmt.Errorf("build owner settings query: %w", err)
	}
	var out OwnerSettings
	var encAPIKey, active sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&out.Owner, &encAPIKey, &active, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OwnerSettings{}, ErrNotFound
		}
		return OwnerSettings{}, fmt.Errorf("get owner settings: %w", err)
	}
	if encAPIKey.Valid {
		out.EncAPIKey = &encAPIKey.String
	}
	if active.Valid {
		out.ActiveConversation = &active.String
	}
	return out, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}
	q := s.sql.Insert("audit_log").
		Columns("owner", "action", "meta_json").
		Values(e.Owner, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// CountActions reports how many audit entries owner has for action.
func (s *Store) CountActions(ctx context.Context, owner, action string) (int, error) {
	sqlStr, args, err := s.sql.Select("COUNT(*)").From("audit_log").Where(sq.Eq{"owner": owner, "action": action}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count actions query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}
