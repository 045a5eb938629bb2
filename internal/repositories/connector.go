package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// MetricExtractor pulls metric values out of a connector's raw metadata at
// ingest time, so metrics observed during ingestion land in track_metrics in
// the same transaction. Wired from the metric resolver registry.
type MetricExtractor func(connector string, raw map[string]any) map[string]float64

// IngestParams describes one external track observation.
type IngestParams struct {
	Connector   string
	ExternalID  string
	Metadata    map[string]any
	Title       string
	Artists     []models.Artist
	Album       string
	DurationMS  int
	ReleaseDate sql.NullTime
	ISRC        string
}

// ConnectorRepository persists connector tracks and their mappings onto
// canonical tracks. It owns the two honest write paths: IngestExternalTrack
// (direct observation, confidence 100) and MapTrackToConnector (resolver
// results with explicit method and confidence).
type ConnectorRepository struct {
	db      querier
	sqlDB   *sql.DB
	tracks  *TrackRepository
	extract MetricExtractor
	logger  *log.Logger
}

// NewConnectorRepository creates a ConnectorRepository. The extractor may be
// nil when ingest-time metric extraction is not wanted.
func NewConnectorRepository(db *sql.DB, logger *log.Logger, extract MetricExtractor) *ConnectorRepository {
	return &ConnectorRepository{
		db:      db,
		sqlDB:   db,
		tracks:  NewTrackRepository(db, logger),
		extract: extract,
		logger:  logger,
	}
}

// WithTx rebinds the repository (and its track repository) to an open
// transaction. The returned repository must not start nested transactions.
func (r *ConnectorRepository) WithTx(tx *sql.Tx) *ConnectorRepository {
	return &ConnectorRepository{
		db:      tx,
		tracks:  r.tracks.WithTx(tx),
		extract: r.extract,
		logger:  r.logger,
	}
}

// IngestExternalTrack is the single entry point for source ingestion. Within
// one transaction it finds or creates the ConnectorTrack, finds or creates
// the canonical track, creates a direct/100 mapping if absent, and extracts
// any metrics present in the raw metadata.
func (r *ConnectorRepository) IngestExternalTrack(ctx context.Context, p IngestParams) (models.Track, error) {
	if r.sqlDB == nil {
		// Already inside a caller-owned transaction.
		return r.ingest(ctx, p)
	}
	var track models.Track
	err := Transact(ctx, r.sqlDB, func(tx *sql.Tx) error {
		var err error
		track, err = r.WithTx(tx).ingest(ctx, p)
		return err
	})
	return track, err
}

func (r *ConnectorRepository) ingest(ctx context.Context, p IngestParams) (models.Track, error) {
	start := now()

	if p.Connector == "" || p.ExternalID == "" {
		return models.Track{}, fmt.Errorf("%w: connector and external id are required", shared.ErrValidation)
	}

	ctID, err := r.upsertConnectorTrack(ctx, p)
	if err != nil {
		return models.Track{}, err
	}

	track, err := models.NewTrack(p.Title, p.Artists...)
	if err != nil {
		return models.Track{}, err
	}
	if p.Album != "" {
		track = track.WithAlbum(p.Album)
	}
	if p.DurationMS != 0 {
		track = track.WithDurationMS(p.DurationMS)
	}
	if p.ReleaseDate.Valid {
		track = track.WithReleaseDate(p.ReleaseDate.Time)
	}
	if p.ISRC != "" {
		track = track.WithISRC(p.ISRC)
	}
	track = track.WithConnectorTrackID(p.Connector, p.ExternalID)
	if p.Metadata != nil {
		track = track.WithConnectorMetadata(p.Connector, p.Metadata)
	}

	track, err = r.tracks.SaveTrack(ctx, track)
	if err != nil {
		return models.Track{}, err
	}

	if err := r.ensureMapping(ctx, track.ID, ctID, models.MatchMethodDirect, models.ConfidenceDirect, nil); err != nil {
		return models.Track{}, err
	}

	if r.extract != nil && p.Metadata != nil {
		if err := r.saveExtractedMetrics(ctx, track.ID, p.Connector, p.Metadata); err != nil {
			return models.Track{}, err
		}
	}

	logOp(r.logger, "ingest_external_track", start, "connector", p.Connector, "external_id", p.ExternalID, "track_id", track.ID)
	return track, nil
}

// MapTrackToConnector is the entry point for cross-resolution. It creates
// the ConnectorTrack if absent and records a mapping with the resolver's
// match method and confidence. An existing mapping keeps its original method
// and confidence; only last_verified is refreshed.
func (r *ConnectorRepository) MapTrackToConnector(ctx context.Context, track models.Track, connector, externalID, matchMethod string, confidence int, metadata map[string]any, evidence map[string]any) (models.TrackMapping, error) {
	start := now()

	if track.ID == 0 {
		return models.TrackMapping{}, fmt.Errorf("%w: track must be persisted before mapping", shared.ErrValidation)
	}
	if confidence < 0 || confidence > 100 {
		return models.TrackMapping{}, fmt.Errorf("%w: confidence %d outside [0, 100]", shared.ErrValidation, confidence)
	}

	ctID, err := r.upsertConnectorTrack(ctx, IngestParams{
		Connector:  connector,
		ExternalID: externalID,
		Metadata:   metadata,
		Title:      track.Title,
		Artists:    track.Artists,
		Album:      track.Album,
		DurationMS: track.DurationMS,
		ISRC:       track.ISRC,
	})
	if err != nil {
		return models.TrackMapping{}, err
	}

	if err := r.ensureMapping(ctx, track.ID, ctID, matchMethod, confidence, evidence); err != nil {
		return models.TrackMapping{}, err
	}

	mapping, err := r.getMapping(ctx, track.ID, ctID)
	if err != nil {
		return models.TrackMapping{}, err
	}
	logOp(r.logger, "map_track_to_connector", start, "track_id", track.ID, "connector", connector, "method", matchMethod)
	return mapping, nil
}

// GetConnectorMappings bulk-fetches mappings for the given tracks,
// optionally filtered by connector.
func (r *ConnectorRepository) GetConnectorMappings(ctx context.Context, trackIDs []int, connector string) ([]models.TrackMapping, error) {
	if len(trackIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT tm.id, tm.track_id, tm.connector_track_id, ct.connector_name, ct.connector_track_id,
		       tm.match_method, tm.confidence, tm.confidence_evidence, tm.last_verified
		FROM track_mappings tm
		JOIN connector_tracks ct ON ct.id = tm.connector_track_id
		WHERE tm.track_id IN (%s) AND tm.is_deleted = 0 AND ct.is_deleted = 0
	`, placeholders(len(trackIDs)))
	args := intArgs(trackIDs)
	if connector != "" {
		query += " AND ct.connector_name = ?"
		args = append(args, connector)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "get_connector_mappings")
	}
	defer rows.Close()

	var mappings []models.TrackMapping
	for rows.Next() {
		var (
			m        models.TrackMapping
			evidence sql.NullString
			verified sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.TrackID, &m.ConnectorTrackRef, &m.ConnectorName, &m.ConnectorTrackID,
			&m.MatchMethod, &m.Confidence, &evidence, &verified); err != nil {
			return nil, classify(err, "get_connector_mappings")
		}
		if m.ConfidenceEvidence, err = unmarshalMap(evidence); err != nil {
			return nil, err
		}
		if verified.Valid {
			m.LastVerified = verified.Time.UTC()
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// GetConnectorMetadata returns the raw service metadata recorded for each
// track on one connector. With a non-empty field, only that field's value is
// kept per track.
func (r *ConnectorRepository) GetConnectorMetadata(ctx context.Context, trackIDs []int, connector, field string) (map[int]map[string]any, error) {
	if len(trackIDs) == 0 {
		return map[int]map[string]any{}, nil
	}
	query := fmt.Sprintf(`
		SELECT tm.track_id, ct.raw_metadata
		FROM track_mappings tm
		JOIN connector_tracks ct ON ct.id = tm.connector_track_id
		WHERE tm.track_id IN (%s) AND ct.connector_name = ?
		  AND tm.is_deleted = 0 AND ct.is_deleted = 0
	`, placeholders(len(trackIDs)))
	args := append(intArgs(trackIDs), connector)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "get_connector_metadata")
	}
	defer rows.Close()

	out := make(map[int]map[string]any)
	for rows.Next() {
		var (
			trackID int
			raw     sql.NullString
		)
		if err := rows.Scan(&trackID, &raw); err != nil {
			return nil, classify(err, "get_connector_metadata")
		}
		meta, err := unmarshalMap(raw)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			continue
		}
		if field != "" {
			if v, ok := meta[field]; ok {
				out[trackID] = map[string]any{field: v}
			}
			continue
		}
		out[trackID] = meta
	}
	return out, rows.Err()
}

// SaveConnectorMetadata merges fresh service metadata into the connector
// track mapped to each canonical track id.
func (r *ConnectorRepository) SaveConnectorMetadata(ctx context.Context, connector string, byTrack map[int]map[string]any) error {
	start := now()
	for trackID, fields := range byTrack {
		existing, err := r.GetConnectorMetadata(ctx, []int{trackID}, connector, "")
		if err != nil {
			return err
		}
		merged := existing[trackID]
		if merged == nil {
			merged = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			merged[k] = v
		}
		raw, err := marshalJSON(merged)
		if err != nil {
			return err
		}
		_, err = r.db.ExecContext(ctx, `
			UPDATE connector_tracks
			SET raw_metadata = ?, last_updated = ?, updated_at = ?
			WHERE id IN (
				SELECT ct.id FROM connector_tracks ct
				JOIN track_mappings tm ON tm.connector_track_id = ct.id
				WHERE tm.track_id = ? AND ct.connector_name = ? AND tm.is_deleted = 0
			)
		`, raw, now(), now(), trackID, connector)
		if err != nil {
			return classify(err, "save_connector_metadata")
		}
	}
	logOp(r.logger, "save_connector_metadata", start, "connector", connector, "tracks", len(byTrack))
	return nil
}

// upsertConnectorTrack finds or creates a connector track row, refreshing
// raw_metadata and last_updated on re-observation, and returns its id.
func (r *ConnectorRepository) upsertConnectorTrack(ctx context.Context, p IngestParams) (int, error) {
	var id int
	err := r.db.QueryRowContext(ctx,
		"SELECT id FROM connector_tracks WHERE connector_name = ? AND connector_track_id = ? AND is_deleted = 0",
		p.Connector, p.ExternalID).Scan(&id)

	if err == nil {
		raw, mErr := marshalJSON(p.Metadata)
		if mErr != nil {
			return 0, mErr
		}
		if raw == nil {
			raw = "{}"
		}
		_, err = r.db.ExecContext(ctx, `
			UPDATE connector_tracks SET raw_metadata = ?, last_updated = ?, updated_at = ? WHERE id = ?
		`, raw, now(), now(), id)
		return id, classify(err, "refresh_connector_track")
	}
	if err != sql.ErrNoRows {
		return 0, classify(err, "find_connector_track")
	}

	artists, err := marshalArtists(p.Artists)
	if err != nil {
		return 0, err
	}
	raw, err := marshalJSON(p.Metadata)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		raw = "{}"
	}
	ts := now()
	var release any
	if p.ReleaseDate.Valid {
		release = shared.UTC(p.ReleaseDate.Time)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO connector_tracks
			(connector_name, connector_track_id, title, artists, album, duration_ms, release_date, isrc, raw_metadata, last_updated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Connector, p.ExternalID, p.Title, artists, p.Album, p.DurationMS, release, p.ISRC, raw, ts, ts, ts)
	if err != nil {
		return 0, classify(err, "insert_connector_track")
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, classify(err, "insert_connector_track")
	}
	return int(newID), nil
}

// ensureMapping creates the mapping if absent; an existing mapping keeps its
// original match_method and confidence and only has last_verified refreshed.
func (r *ConnectorRepository) ensureMapping(ctx context.Context, trackID, connectorTrackID int, method string, confidence int, evidence map[string]any) error {
	var existing int
	err := r.db.QueryRowContext(ctx,
		"SELECT id FROM track_mappings WHERE track_id = ? AND connector_track_id = ? AND is_deleted = 0",
		trackID, connectorTrackID).Scan(&existing)

	if err == nil {
		_, err = r.db.ExecContext(ctx,
			"UPDATE track_mappings SET last_verified = ?, updated_at = ? WHERE id = ?",
			now(), now(), existing)
		return classify(err, "refresh_mapping")
	}
	if err != sql.ErrNoRows {
		return classify(err, "find_mapping")
	}

	ev, err := marshalJSON(evidence)
	if err != nil {
		return err
	}
	ts := now()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO track_mappings
			(track_id, connector_track_id, match_method, confidence, confidence_evidence, last_verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, trackID, connectorTrackID, method, confidence, ev, ts, ts, ts)
	return classify(err, "insert_mapping")
}

func (r *ConnectorRepository) getMapping(ctx context.Context, trackID, connectorTrackID int) (models.TrackMapping, error) {
	var (
		m        models.TrackMapping
		evidence sql.NullString
		verified sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT tm.id, tm.track_id, tm.connector_track_id, ct.connector_name, ct.connector_track_id,
		       tm.match_method, tm.confidence, tm.confidence_evidence, tm.last_verified
		FROM track_mappings tm
		JOIN connector_tracks ct ON ct.id = tm.connector_track_id
		WHERE tm.track_id = ? AND tm.connector_track_id = ?
	`, trackID, connectorTrackID).Scan(&m.ID, &m.TrackID, &m.ConnectorTrackRef, &m.ConnectorName,
		&m.ConnectorTrackID, &m.MatchMethod, &m.Confidence, &evidence, &verified)
	if err != nil {
		return models.TrackMapping{}, classify(err, "get_mapping")
	}
	if m.ConfidenceEvidence, err = unmarshalMap(evidence); err != nil {
		return models.TrackMapping{}, err
	}
	if verified.Valid {
		m.LastVerified = verified.Time.UTC()
	}
	return m, nil
}

// saveExtractedMetrics writes metric values found in raw metadata.
func (r *ConnectorRepository) saveExtractedMetrics(ctx context.Context, trackID int, connector string, raw map[string]any) error {
	values := r.extract(connector, raw)
	if len(values) == 0 {
		return nil
	}
	ts := now()
	for metric, value := range values {
		_, err := r.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO track_metrics
				(track_id, connector_name, metric_type, value, collected_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, trackID, connector, metric, value, ts, ts, ts)
		if err != nil {
			return classify(err, "save_extracted_metric")
		}
	}
	return nil
}
