package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// WebhookCursor returns the last delivered store position for a hook.
func (r Repo) WebhookCursor(ctx context.Context, hookID string) (int64, bool, error) {
	var pos int64
	err := r.DB.QueryRowContext(ctx, `SELECT position FROM webhook_cursors WHERE hook_id=?`, hookID).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return pos, true, nil
}

func (r Repo) SaveWebhookCursor(ctx context.Context, hookID string, pos int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook_id, position, updated_at)
VALUES (?,?,?)
ON CONFLICT(hook_id) DO UPDATE SET position=excluded.position, updated_at=excluded.updated_at`,
		hookID, pos, r.now().Format(time.RFC3339))
	return err
}
