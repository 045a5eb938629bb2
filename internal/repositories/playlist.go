package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// PlaylistRepository persists playlists, their connector mappings and their
// ordered membership rows.
type PlaylistRepository struct {
	db         querier
	sqlDB      *sql.DB
	tracks     *TrackRepository
	connectors *ConnectorRepository
	logger     *log.Logger
}

// NewPlaylistRepository creates a PlaylistRepository. The connector
// repository is used to ingest tracks that arrive with a source connector so
// their direct mappings are recorded.
func NewPlaylistRepository(db *sql.DB, logger *log.Logger, connectors *ConnectorRepository) *PlaylistRepository {
	return &PlaylistRepository{
		db:         db,
		sqlDB:      db,
		tracks:     NewTrackRepository(db, logger),
		connectors: connectors,
		logger:     logger,
	}
}

func (r *PlaylistRepository) withTx(tx *sql.Tx) *PlaylistRepository {
	return &PlaylistRepository{
		db:         tx,
		tracks:     r.tracks.WithTx(tx),
		connectors: r.connectors.WithTx(tx),
		logger:     r.logger,
	}
}

// sortKey renders a lexicographically ordered key for position i.
func sortKey(i int) string {
	return fmt.Sprintf("a%08d", i)
}

// SavePlaylist persists a playlist in one transaction: tracks lacking ids
// first (via connector ingestion when a source connector is known), then the
// playlist row, its connector mappings, and ordered membership rows.
func (r *PlaylistRepository) SavePlaylist(ctx context.Context, playlist models.Playlist) (models.Playlist, error) {
	start := now()
	if playlist.Name == "" {
		return models.Playlist{}, fmt.Errorf("%w: playlist name must not be empty", shared.ErrValidation)
	}

	var saved models.Playlist
	err := Transact(ctx, r.sqlDB, func(tx *sql.Tx) error {
		var err error
		saved, err = r.withTx(tx).savePlaylist(ctx, playlist)
		return err
	})
	if err != nil {
		return models.Playlist{}, err
	}
	logOp(r.logger, "save_playlist", start, "playlist_id", saved.ID, "tracks", len(saved.Tracks))
	return saved, nil
}

func (r *PlaylistRepository) savePlaylist(ctx context.Context, playlist models.Playlist) (models.Playlist, error) {
	tracks, err := r.persistTracks(ctx, playlist)
	if err != nil {
		return models.Playlist{}, err
	}

	ts := now()
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO playlists (name, description, created_at, updated_at) VALUES (?, ?, ?, ?)",
		playlist.Name, playlist.Description, ts, ts)
	if err != nil {
		return models.Playlist{}, classify(err, "insert_playlist")
	}
	id64, err := res.LastInsertId()
	if err != nil {
		return models.Playlist{}, classify(err, "insert_playlist")
	}
	playlistID := int(id64)

	for connector, external := range playlist.ConnectorPlaylistIDs {
		if err := r.upsertMapping(ctx, playlistID, connector, external); err != nil {
			return models.Playlist{}, err
		}
	}

	for i, track := range tracks {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO playlist_tracks (playlist_id, track_id, sort_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, playlistID, track.ID, sortKey(i), ts, ts)
		if err != nil {
			return models.Playlist{}, classify(err, "insert_playlist_track")
		}
	}

	return playlist.WithID(playlistID).WithTracks(tracks), nil
}

// UpdatePlaylist diffs the stored membership against the incoming playlist
// by track id: kept tracks get their sort key updated when it moved, new
// tracks are inserted, removed tracks are soft-deleted, and connector
// mappings are upserted.
func (r *PlaylistRepository) UpdatePlaylist(ctx context.Context, id int, playlist models.Playlist) (models.Playlist, error) {
	start := now()

	var updated models.Playlist
	err := Transact(ctx, r.sqlDB, func(tx *sql.Tx) error {
		var err error
		updated, err = r.withTx(tx).updatePlaylist(ctx, id, playlist)
		return err
	})
	if err != nil {
		return models.Playlist{}, err
	}
	logOp(r.logger, "update_playlist", start, "playlist_id", id, "tracks", len(updated.Tracks))
	return updated, nil
}

func (r *PlaylistRepository) updatePlaylist(ctx context.Context, id int, playlist models.Playlist) (models.Playlist, error) {
	var exists int
	err := r.db.QueryRowContext(ctx,
		"SELECT id FROM playlists WHERE id = ? AND is_deleted = 0", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return models.Playlist{}, fmt.Errorf("%w: playlist %d", shared.ErrNotFound, id)
	}
	if err != nil {
		return models.Playlist{}, classify(err, "find_playlist")
	}

	tracks, err := r.persistTracks(ctx, playlist)
	if err != nil {
		return models.Playlist{}, err
	}

	ts := now()
	if _, err := r.db.ExecContext(ctx,
		"UPDATE playlists SET name = ?, description = ?, updated_at = ? WHERE id = ?",
		playlist.Name, playlist.Description, ts, id); err != nil {
		return models.Playlist{}, classify(err, "update_playlist")
	}

	existing := map[int]string{} // track_id -> sort_key
	rows, err := r.db.QueryContext(ctx,
		"SELECT track_id, sort_key FROM playlist_tracks WHERE playlist_id = ? AND is_deleted = 0", id)
	if err != nil {
		return models.Playlist{}, classify(err, "get_playlist_tracks")
	}
	for rows.Next() {
		var trackID int
		var key string
		if err := rows.Scan(&trackID, &key); err != nil {
			rows.Close()
			return models.Playlist{}, classify(err, "get_playlist_tracks")
		}
		existing[trackID] = key
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.Playlist{}, classify(err, "get_playlist_tracks")
	}

	incoming := map[int]bool{}
	for i, track := range tracks {
		incoming[track.ID] = true
		key := sortKey(i)
		if oldKey, ok := existing[track.ID]; ok {
			if oldKey != key {
				if _, err := r.db.ExecContext(ctx,
					"UPDATE playlist_tracks SET sort_key = ?, updated_at = ? WHERE playlist_id = ? AND track_id = ?",
					key, ts, id, track.ID); err != nil {
					return models.Playlist{}, classify(err, "reorder_playlist_track")
				}
			}
			continue
		}
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO playlist_tracks (playlist_id, track_id, sort_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(playlist_id, track_id) DO UPDATE SET
				sort_key = excluded.sort_key, is_deleted = 0, deleted_at = NULL, updated_at = excluded.updated_at
		`, id, track.ID, key, ts, ts); err != nil {
			return models.Playlist{}, classify(err, "insert_playlist_track")
		}
	}

	for trackID := range existing {
		if incoming[trackID] {
			continue
		}
		if _, err := r.db.ExecContext(ctx,
			"UPDATE playlist_tracks SET is_deleted = 1, deleted_at = ?, updated_at = ? WHERE playlist_id = ? AND track_id = ?",
			ts, ts, id, trackID); err != nil {
			return models.Playlist{}, classify(err, "remove_playlist_track")
		}
	}

	for connector, external := range playlist.ConnectorPlaylistIDs {
		if err := r.upsertMapping(ctx, id, connector, external); err != nil {
			return models.Playlist{}, err
		}
	}

	return playlist.WithID(id).WithTracks(tracks), nil
}

// GetPlaylist loads a playlist with its tracks ordered by sort key.
func (r *PlaylistRepository) GetPlaylist(ctx context.Context, id int) (models.Playlist, error) {
	var (
		name        string
		description string
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT name, description FROM playlists WHERE id = ? AND is_deleted = 0", id).
		Scan(&name, &description)
	if err == sql.ErrNoRows {
		return models.Playlist{}, fmt.Errorf("%w: playlist %d", shared.ErrNotFound, id)
	}
	if err != nil {
		return models.Playlist{}, classify(err, "get_playlist")
	}

	playlist := models.Playlist{ID: id, Name: name, Description: description}

	mappings, err := r.db.QueryContext(ctx,
		"SELECT connector_name, connector_playlist_id FROM playlist_mappings WHERE playlist_id = ? AND is_deleted = 0", id)
	if err != nil {
		return models.Playlist{}, classify(err, "get_playlist_mappings")
	}
	for mappings.Next() {
		var connector, external string
		if err := mappings.Scan(&connector, &external); err != nil {
			mappings.Close()
			return models.Playlist{}, classify(err, "get_playlist_mappings")
		}
		playlist = playlist.WithConnectorPlaylistID(connector, external)
	}
	mappings.Close()
	if err := mappings.Err(); err != nil {
		return models.Playlist{}, classify(err, "get_playlist_mappings")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.artists, t.album, t.duration_ms, t.release_date, t.isrc
		FROM playlist_tracks pt
		JOIN tracks t ON t.id = pt.track_id
		WHERE pt.playlist_id = ? AND pt.is_deleted = 0 AND t.is_deleted = 0
		ORDER BY pt.sort_key ASC
	`, id)
	if err != nil {
		return models.Playlist{}, classify(err, "get_playlist_tracks")
	}
	defer rows.Close()

	var tracks []models.Track
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return models.Playlist{}, err
		}
		tracks = append(tracks, track)
	}
	if err := rows.Err(); err != nil {
		return models.Playlist{}, classify(err, "get_playlist_tracks")
	}

	playlist.ID = id
	return playlist.WithTracks(tracks), nil
}

// PlaylistSummary is a playlist row without its membership loaded.
type PlaylistSummary struct {
	ID          int
	Name        string
	Description string
	TrackCount  int
}

// ListPlaylists returns summaries of all stored playlists ordered by id.
func (r *PlaylistRepository) ListPlaylists(ctx context.Context) ([]PlaylistSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.description,
			(SELECT COUNT(*) FROM playlist_tracks pt WHERE pt.playlist_id = p.id AND pt.is_deleted = 0)
		FROM playlists p
		WHERE p.is_deleted = 0
		ORDER BY p.id ASC
	`)
	if err != nil {
		return nil, classify(err, "list_playlists")
	}
	defer rows.Close()

	var summaries []PlaylistSummary
	for rows.Next() {
		var s PlaylistSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.TrackCount); err != nil {
			return nil, classify(err, "list_playlists")
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list_playlists")
	}
	return summaries, nil
}

// FindByConnector resolves a stored playlist through its connector mapping.
func (r *PlaylistRepository) FindByConnector(ctx context.Context, connector, externalID string) (models.Playlist, error) {
	var id int
	err := r.db.QueryRowContext(ctx, `
		SELECT playlist_id FROM playlist_mappings
		WHERE connector_name = ? AND connector_playlist_id = ? AND is_deleted = 0
	`, connector, externalID).Scan(&id)
	if err == sql.ErrNoRows {
		return models.Playlist{}, fmt.Errorf("%w: playlist mapping %s/%s", shared.ErrNotFound, connector, externalID)
	}
	if err != nil {
		return models.Playlist{}, classify(err, "find_playlist_by_connector")
	}
	return r.GetPlaylist(ctx, id)
}

// persistTracks makes sure every playlist track has a database id, routing
// through connector ingestion when the playlist carries a source connector
// so direct mappings get recorded.
func (r *PlaylistRepository) persistTracks(ctx context.Context, playlist models.Playlist) ([]models.Track, error) {
	connector, _, hasSource := playlist.SourceConnector()

	tracks := make([]models.Track, len(playlist.Tracks))
	for i, track := range playlist.Tracks {
		if track.ID != 0 {
			tracks[i] = track
			continue
		}

		external, hasExternal := track.ConnectorTrackID(connector)
		if hasSource && hasExternal {
			release := sql.NullTime{}
			if !track.ReleaseDate.IsZero() {
				release = sql.NullTime{Time: track.ReleaseDate, Valid: true}
			}
			saved, err := r.connectors.IngestExternalTrack(ctx, IngestParams{
				Connector:   connector,
				ExternalID:  external,
				Metadata:    track.ConnectorMetadata[connector],
				Title:       track.Title,
				Artists:     track.Artists,
				Album:       track.Album,
				DurationMS:  track.DurationMS,
				ReleaseDate: release,
				ISRC:        track.ISRC,
			})
			if err != nil {
				return nil, err
			}
			tracks[i] = saved
			continue
		}

		saved, err := r.tracks.SaveTrack(ctx, track)
		if err != nil {
			return nil, err
		}
		tracks[i] = saved
	}
	return tracks, nil
}

func (r *PlaylistRepository) upsertMapping(ctx context.Context, playlistID int, connector, external string) error {
	ts := now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO playlist_mappings (playlist_id, connector_name, connector_playlist_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(playlist_id, connector_name) DO UPDATE SET
			connector_playlist_id = excluded.connector_playlist_id,
			updated_at = excluded.updated_at,
			is_deleted = 0,
			deleted_at = NULL
	`, playlistID, connector, external, ts, ts)
	return classify(err, "upsert_playlist_mapping")
}
