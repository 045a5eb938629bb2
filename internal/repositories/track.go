package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// TrackRepository persists canonical tracks.
//
// SaveTrack enforces the identity invariant: a canonical track is never
// duplicated, and lookup precedence for "same track" is
// id → isrc → spotify id → mbid. It never creates mappings; those are
// written by ConnectorRepository so match_method stays honest.
type TrackRepository struct {
	db     querier
	logger *log.Logger
}

// NewTrackRepository creates a TrackRepository bound to the given connection.
func NewTrackRepository(db *sql.DB, logger *log.Logger) *TrackRepository {
	return &TrackRepository{db: db, logger: logger}
}

// WithTx rebinds the repository to an open transaction.
func (r *TrackRepository) WithTx(tx *sql.Tx) *TrackRepository {
	return &TrackRepository{db: tx, logger: r.logger}
}

// SaveTrack finds or creates the canonical row for track and returns the
// track bound to its database id. On a precedence match, missing scalar
// fields (album, duration, release date, isrc) are filled from the incoming
// track; non-empty stored values are never overwritten.
func (r *TrackRepository) SaveTrack(ctx context.Context, track models.Track) (models.Track, error) {
	start := now()

	if err := validateTrack(track); err != nil {
		return models.Track{}, err
	}

	id, err := r.resolveIdentity(ctx, track)
	if err != nil {
		return models.Track{}, err
	}

	if id == 0 {
		id, err = r.insert(ctx, track)
		if err != nil {
			return models.Track{}, err
		}
		logOp(r.logger, "save_track", start, "track_id", id, "created", true)
		return track.WithID(id), nil
	}

	if err := r.fillMissing(ctx, id, track); err != nil {
		return models.Track{}, err
	}
	logOp(r.logger, "save_track", start, "track_id", id, "created", false)
	return track.WithID(id), nil
}

// SaveTracks saves every track in order, returning the id-bound copies.
func (r *TrackRepository) SaveTracks(ctx context.Context, tracks []models.Track) ([]models.Track, error) {
	saved := make([]models.Track, len(tracks))
	for i, t := range tracks {
		s, err := r.SaveTrack(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to save track %q: %w", t.Title, err)
		}
		saved[i] = s
	}
	return saved, nil
}

// GetByID retrieves a track by id, excluding soft-deleted rows.
func (r *TrackRepository) GetByID(ctx context.Context, id int) (models.Track, error) {
	query := `
		SELECT id, title, artists, album, duration_ms, release_date, isrc
		FROM tracks
		WHERE id = ? AND is_deleted = 0
	`
	track, err := scanTrack(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Track{}, err
	}

	ids, err := r.connectorIDs(ctx, id)
	if err != nil {
		return models.Track{}, err
	}
	for name, external := range ids {
		track = track.WithConnectorTrackID(name, external)
	}
	return track, nil
}

// GetByIDs bulk-fetches tracks, keyed by id. Missing ids are absent from the
// result rather than an error.
func (r *TrackRepository) GetByIDs(ctx context.Context, ids []int) (map[int]models.Track, error) {
	if len(ids) == 0 {
		return map[int]models.Track{}, nil
	}
	query := fmt.Sprintf(`
		SELECT id, title, artists, album, duration_ms, release_date, isrc
		FROM tracks
		WHERE id IN (%s) AND is_deleted = 0
	`, placeholders(len(ids)))

	rows, err := r.db.QueryContext(ctx, query, intArgs(ids)...)
	if err != nil {
		return nil, classify(err, "get_tracks")
	}
	defer rows.Close()

	out := make(map[int]models.Track, len(ids))
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		out[track.ID] = track
	}
	return out, rows.Err()
}

// SoftDelete marks a track deleted without removing the row.
func (r *TrackRepository) SoftDelete(ctx context.Context, id int) error {
	ts := now()
	res, err := r.db.ExecContext(ctx,
		"UPDATE tracks SET is_deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ? AND is_deleted = 0",
		ts, ts, id)
	if err != nil {
		return classify(err, "soft_delete_track")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: track %d", shared.ErrNotFound, id)
	}
	return nil
}

// HardDelete permanently removes a track row. Not used in normal operation.
func (r *TrackRepository) HardDelete(ctx context.Context, id int) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM tracks WHERE id = ?", id)
	return classify(err, "hard_delete_track")
}

// resolveIdentity applies the precedence lookup and returns the matching
// canonical id, or 0 when no key matches.
func (r *TrackRepository) resolveIdentity(ctx context.Context, track models.Track) (int, error) {
	if track.ID != 0 {
		var exists int
		err := r.db.QueryRowContext(ctx,
			"SELECT id FROM tracks WHERE id = ? AND is_deleted = 0", track.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: track %d", shared.ErrNotFound, track.ID)
		}
		if err != nil {
			return 0, classify(err, "resolve_track_by_id")
		}
		return exists, nil
	}

	if track.ISRC != "" {
		var id int
		err := r.db.QueryRowContext(ctx,
			"SELECT id FROM tracks WHERE isrc = ? AND is_deleted = 0 LIMIT 1", track.ISRC).Scan(&id)
		if err == nil {
			return id, nil
		}
		if err != sql.ErrNoRows {
			return 0, classify(err, "resolve_track_by_isrc")
		}
	}

	for _, connector := range []string{models.ConnectorSpotify, models.ConnectorMusicBrainz} {
		external, ok := track.ConnectorTrackID(connector)
		if !ok || external == "" {
			continue
		}
		id, err := r.lookupByConnectorID(ctx, connector, external)
		if err != nil {
			return 0, err
		}
		if id != 0 {
			return id, nil
		}
	}

	return 0, nil
}

// lookupByConnectorID resolves a canonical id through an existing mapping.
func (r *TrackRepository) lookupByConnectorID(ctx context.Context, connector, external string) (int, error) {
	var id int
	err := r.db.QueryRowContext(ctx, `
		SELECT tm.track_id
		FROM track_mappings tm
		JOIN connector_tracks ct ON ct.id = tm.connector_track_id
		WHERE ct.connector_name = ? AND ct.connector_track_id = ?
		  AND tm.is_deleted = 0 AND ct.is_deleted = 0
		LIMIT 1
	`, connector, external).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err, "resolve_track_by_connector")
	}
	return id, nil
}

func (r *TrackRepository) insert(ctx context.Context, track models.Track) (int, error) {
	artists, err := marshalArtists(track.Artists)
	if err != nil {
		return 0, err
	}
	ts := now()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO tracks (title, artists, album, duration_ms, release_date, isrc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, track.Title, artists, track.Album, track.DurationMS, releaseDateArg(track.ReleaseDate), track.ISRC, ts, ts)
	if err != nil {
		return 0, classify(err, "insert_track")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify(err, "insert_track")
	}
	return int(id), nil
}

// fillMissing updates only columns whose stored value is empty.
func (r *TrackRepository) fillMissing(ctx context.Context, id int, track models.Track) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tracks SET
			album = CASE WHEN album = '' AND ? != '' THEN ? ELSE album END,
			duration_ms = CASE WHEN duration_ms = 0 AND ? != 0 THEN ? ELSE duration_ms END,
			release_date = CASE WHEN release_date IS NULL AND ? IS NOT NULL THEN ? ELSE release_date END,
			isrc = CASE WHEN isrc = '' AND ? != '' THEN ? ELSE isrc END,
			updated_at = ?
		WHERE id = ?
	`,
		track.Album, track.Album,
		track.DurationMS, track.DurationMS,
		releaseDateArg(track.ReleaseDate), releaseDateArg(track.ReleaseDate),
		track.ISRC, track.ISRC,
		now(), id)
	return classify(err, "fill_track_fields")
}

// connectorIDs collects every external id mapped to a canonical track.
func (r *TrackRepository) connectorIDs(ctx context.Context, trackID int) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ct.connector_name, ct.connector_track_id
		FROM track_mappings tm
		JOIN connector_tracks ct ON ct.id = tm.connector_track_id
		WHERE tm.track_id = ? AND tm.is_deleted = 0 AND ct.is_deleted = 0
	`, trackID)
	if err != nil {
		return nil, classify(err, "get_connector_ids")
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, external string
		if err := rows.Scan(&name, &external); err != nil {
			return nil, classify(err, "get_connector_ids")
		}
		out[name] = external
	}
	return out, rows.Err()
}

func validateTrack(track models.Track) error {
	if track.Title == "" {
		return fmt.Errorf("%w: track title must not be empty", shared.ErrValidation)
	}
	if len(track.Artists) == 0 {
		return fmt.Errorf("%w: track requires at least one artist", shared.ErrValidation)
	}
	return nil
}

func marshalArtists(artists []models.Artist) (string, error) {
	type artistJSON struct {
		Name string `json:"name"`
	}
	out := make([]artistJSON, len(artists))
	for i, a := range artists {
		out[i] = artistJSON{Name: a.Name}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to marshal artists: %w", err)
	}
	return string(data), nil
}

func unmarshalArtists(data string) ([]models.Artist, error) {
	var raw []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artists: %w", err)
	}
	artists := make([]models.Artist, len(raw))
	for i, a := range raw {
		artists[i] = models.Artist{Name: a.Name}
	}
	return artists, nil
}

func releaseDateArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return shared.UTC(t)
}

// rowScanner lets scanTrack work with both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (models.Track, error) {
	var (
		id         int
		title      string
		artistsRaw string
		album      string
		durationMS int
		release    sql.NullTime
		isrc       string
	)
	err := row.Scan(&id, &title, &artistsRaw, &album, &durationMS, &release, &isrc)
	if err == sql.ErrNoRows {
		return models.Track{}, fmt.Errorf("%w: track", shared.ErrNotFound)
	}
	if err != nil {
		return models.Track{}, classify(err, "scan_track")
	}

	artists, err := unmarshalArtists(artistsRaw)
	if err != nil {
		return models.Track{}, err
	}

	track, err := models.NewTrack(title, artists...)
	if err != nil {
		return models.Track{}, err
	}
	if album != "" {
		track = track.WithAlbum(album)
	}
	if durationMS != 0 {
		track = track.WithDurationMS(durationMS)
	}
	if release.Valid {
		track = track.WithReleaseDate(release.Time)
	}
	if isrc != "" {
		track = track.WithISRC(isrc)
	}
	return track.WithID(id), nil
}
