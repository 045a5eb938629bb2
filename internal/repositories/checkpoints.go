package repositories

import (
	"context"
	"database/sql"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/models"
)

// CheckpointRepository persists incremental sync positions, unique per
// (user, service, entity type).
type CheckpointRepository struct {
	db     querier
	logger *log.Logger
}

// NewCheckpointRepository creates a CheckpointRepository.
func NewCheckpointRepository(db *sql.DB, logger *log.Logger) *CheckpointRepository {
	return &CheckpointRepository{db: db, logger: logger}
}

// WithTx rebinds the repository to an open transaction.
func (r *CheckpointRepository) WithTx(tx *sql.Tx) *CheckpointRepository {
	return &CheckpointRepository{db: tx, logger: r.logger}
}

// Get returns the checkpoint for (user, service, entity), or nil when no
// sync has completed yet.
func (r *CheckpointRepository) Get(ctx context.Context, userID, service, entityType string) (*models.SyncCheckpoint, error) {
	var (
		cp     models.SyncCheckpoint
		lastTS sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, service, entity_type, last_timestamp, cursor
		FROM sync_checkpoints
		WHERE user_id = ? AND service = ? AND entity_type = ? AND is_deleted = 0
	`, userID, service, entityType).Scan(&cp.ID, &cp.UserID, &cp.Service, &cp.EntityType, &lastTS, &cp.Cursor)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get_checkpoint")
	}
	cp.LastTimestamp = timePtr(lastTS)
	return &cp, nil
}

// Upsert records sync progress after a successful batch.
func (r *CheckpointRepository) Upsert(ctx context.Context, cp models.SyncCheckpoint) error {
	start := now()
	ts := now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (user_id, service, entity_type, last_timestamp, cursor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, service, entity_type) DO UPDATE SET
			last_timestamp = excluded.last_timestamp,
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, cp.UserID, cp.Service, cp.EntityType, nullTime(cp.LastTimestamp), cp.Cursor, ts, ts)
	if err != nil {
		return classify(err, "upsert_checkpoint")
	}
	logOp(r.logger, "upsert_checkpoint", start, "user", cp.UserID, "service", cp.Service, "entity", cp.EntityType)
	return nil
}
