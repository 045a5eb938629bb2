package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/models"
)

// LikeRepository persists per-service track preference state.
type LikeRepository struct {
	db     querier
	logger *log.Logger
}

// NewLikeRepository creates a LikeRepository.
func NewLikeRepository(db *sql.DB, logger *log.Logger) *LikeRepository {
	return &LikeRepository{db: db, logger: logger}
}

// WithTx rebinds the repository to an open transaction.
func (r *LikeRepository) WithTx(tx *sql.Tx) *LikeRepository {
	return &LikeRepository{db: tx, logger: r.logger}
}

// UpsertLike records the liked state of a track on one service, unique per
// (track, service).
func (r *LikeRepository) UpsertLike(ctx context.Context, trackID int, service string, isLiked bool, likedAt *time.Time) error {
	ts := now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO track_likes (track_id, service, is_liked, liked_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(track_id, service) DO UPDATE SET
			is_liked = excluded.is_liked,
			liked_at = COALESCE(excluded.liked_at, track_likes.liked_at),
			updated_at = excluded.updated_at,
			is_deleted = 0,
			deleted_at = NULL
	`, trackID, service, isLiked, nullTime(likedAt), ts, ts)
	return classify(err, "upsert_like")
}

// MarkSynced stamps the like row for (track, service) with a sync time,
// creating the row when the preference was only known canonically.
func (r *LikeRepository) MarkSynced(ctx context.Context, trackID int, service string, syncedAt time.Time) error {
	ts := now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO track_likes (track_id, service, is_liked, last_synced, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(track_id, service) DO UPDATE SET
			last_synced = excluded.last_synced,
			updated_at = excluded.updated_at
	`, trackID, service, syncedAt.UTC(), ts, ts)
	return classify(err, "mark_like_synced")
}

// GetUnsyncedLikes returns liked rows on sourceService that have no liked
// counterpart on targetService, optionally restricted to likes after since.
func (r *LikeRepository) GetUnsyncedLikes(ctx context.Context, sourceService, targetService string, since *time.Time) ([]models.TrackLike, error) {
	start := now()

	query := `
		SELECT l.id, l.track_id, l.service, l.is_liked, l.liked_at, l.last_synced
		FROM track_likes l
		WHERE l.service = ? AND l.is_liked = 1 AND l.is_deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM track_likes t
			WHERE t.track_id = l.track_id AND t.service = ? AND t.is_liked = 1
			  AND t.last_synced IS NOT NULL AND t.is_deleted = 0
		  )
	`
	args := []any{sourceService, targetService}
	if since != nil {
		query += " AND l.liked_at > ?"
		args = append(args, since.UTC())
	}
	query += " ORDER BY l.liked_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "get_unsynced_likes")
	}
	defer rows.Close()

	var likes []models.TrackLike
	for rows.Next() {
		var (
			l          models.TrackLike
			likedAt    sql.NullTime
			lastSynced sql.NullTime
		)
		if err := rows.Scan(&l.ID, &l.TrackID, &l.Service, &l.IsLiked, &likedAt, &lastSynced); err != nil {
			return nil, classify(err, "get_unsynced_likes")
		}
		l.LikedAt = timePtr(likedAt)
		l.LastSynced = timePtr(lastSynced)
		likes = append(likes, l)
	}
	logOp(r.logger, "get_unsynced_likes", start, "source", sourceService, "target", targetService, "found", len(likes))
	return likes, rows.Err()
}
