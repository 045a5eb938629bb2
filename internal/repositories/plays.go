package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/models"
)

// PlayRepository persists immutable play events.
type PlayRepository struct {
	db     querier
	logger *log.Logger
}

// NewPlayRepository creates a PlayRepository.
func NewPlayRepository(db *sql.DB, logger *log.Logger) *PlayRepository {
	return &PlayRepository{db: db, logger: logger}
}

// WithTx rebinds the repository to an open transaction.
func (r *PlayRepository) WithTx(tx *sql.Tx) *PlayRepository {
	return &PlayRepository{db: tx, logger: r.logger}
}

// BulkInsertPlays appends play events and returns how many were written.
// Plays are append-only; duplicates are the caller's concern (incremental
// sync windows guarantee non-overlap).
func (r *PlayRepository) BulkInsertPlays(ctx context.Context, plays []models.TrackPlay) (int, error) {
	start := now()
	inserted := 0
	for _, p := range plays {
		contextJSON, err := marshalJSON(p.Context)
		if err != nil {
			return inserted, err
		}
		ts := now()
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO track_plays (track_id, service, played_at, ms_played, context, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.TrackID, p.Service, p.PlayedAt.UTC(), p.MSPlayed, contextJSON, ts, ts)
		if err != nil {
			return inserted, classify(err, "insert_play")
		}
		inserted++
	}
	logOp(r.logger, "bulk_insert_plays", start, "inserted", inserted)
	return inserted, nil
}

// GetPlays lists play events for one service, newest first, optionally
// bounded to events after since.
func (r *PlayRepository) GetPlays(ctx context.Context, service string, since *time.Time, limit int) ([]models.TrackPlay, error) {
	query := `
		SELECT id, track_id, service, played_at, ms_played, context
		FROM track_plays
		WHERE service = ? AND is_deleted = 0
	`
	args := []any{service}
	if since != nil {
		query += " AND played_at > ?"
		args = append(args, since.UTC())
	}
	query += " ORDER BY played_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "get_plays")
	}
	defer rows.Close()

	var plays []models.TrackPlay
	for rows.Next() {
		var (
			p      models.TrackPlay
			rawCtx sql.NullString
			played time.Time
		)
		if err := rows.Scan(&p.ID, &p.TrackID, &p.Service, &played, &p.MSPlayed, &rawCtx); err != nil {
			return nil, classify(err, "get_plays")
		}
		p.PlayedAt = played.UTC()
		if p.Context, err = unmarshalMap(rawCtx); err != nil {
			return nil, err
		}
		plays = append(plays, p)
	}
	return plays, rows.Err()
}
