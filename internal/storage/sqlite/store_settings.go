package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/donorgate/donorgate/internal/settings"
)

// SaveSettings stores the canonical blob for a settings group.
func (s *Store) SaveSettings(ctx context.Context, group string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	group = strings.TrimSpace(group)
	if !settings.Known(group) {
		return settings.ErrUnknownGroup
	}
	if len(value) == 0 || !json.Valid(value) {
		return fmt.Errorf("settings value must be valid json")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO settings (group_name, value_json, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(group_name) DO UPDATE SET
	value_json = excluded.value_json,
	updated_at = excluded.updated_at
`, group, string(value), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("save settings %s: %w", group, err)
	}
	return nil
}

// GetSettings returns the canonical blob for a settings group. A missing
// row or a malformed stored blob degrades to the group default; reads never
// fail on bad data.
func (s *Store) GetSettings(ctx context.Context, group string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	group = strings.TrimSpace(group)
	if !settings.Known(group) {
		return nil, settings.ErrUnknownGroup
	}

	var stored string
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT value_json FROM settings WHERE group_name = ?
`, group).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settings.Default(group)
		}
		return nil, fmt.Errorf("get settings %s: %w", group, err)
	}

	return settings.Normalize(group, json.RawMessage(stored), nil)
}
