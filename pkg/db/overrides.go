package db

import (
	"context"
	"log/slog"
)

// LoadTemplateOverrides returns the stored game → template ID overrides.
func (r *Repository) LoadTemplateOverrides(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT game, template_id FROM template_overrides`)
	if err != nil {
		slog.Error("database_overrides_query_failed", "error", err)
		return nil, storageErr(err, "failed to load template overrides")
	}
	defer rows.Close()

	overrides := make(map[string]int)
	for rows.Next() {
		var game string
		var templateID int
		if err := rows.Scan(&game, &templateID); err != nil {
			return nil, storageErr(err, "failed to scan template override")
		}
		overrides[game] = templateID
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "rows error")
	}
	return overrides, nil
}

// SaveTemplateOverride upserts the template ID for game.
func (r *Repository) SaveTemplateOverride(ctx context.Context, game string, templateID int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO template_overrides (game, template_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(game) DO UPDATE SET template_id = excluded.template_id, updated_at = excluded.updated_at
	`, game, templateID, r.now().UTC().UnixNano())
	if err != nil {
		slog.Error("database_override_save_failed", "game", game, "error", err)
		return storageErr(err, "failed to save template override")
	}

	slog.Info("database_override_saved", "game", game, "template_id", templateID)
	return nil
}
