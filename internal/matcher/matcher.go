// Package matcher resolves canonical tracks to their Last.fm identities.
//
// Resolution runs in phases, cheapest first: existing mappings from the
// database, then ISRC to MBID lookups against MusicBrainz, then Last.fm
// track lookups by MBID or artist/title. Everything learned is persisted
// so the next run short-circuits in the database phase.
package matcher

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/batch"
	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/repositories"
	"github.com/cadenza-fm/cadenza/internal/services"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// MatchResult is the outcome of resolving one track.
type MatchResult struct {
	TrackID    int
	ExternalID string
	Method     string
	Confidence int
	Info       services.TrackInfo
	Err        error
}

// Matched reports whether the track resolved to a service identity.
func (r MatchResult) Matched() bool { return r.Err == nil && r.Method != "" }

// ISRCResolver resolves ISRCs to MusicBrainz recordings.
type ISRCResolver interface {
	BatchISRCLookup(ctx context.Context, isrcs []string) (map[string]services.MBRecording, error)
}

// Matcher resolves tracks against Last.fm.
type Matcher struct {
	db          *sql.DB
	connectors  *repositories.ConnectorRepository
	musicbrainz ISRCResolver
	lastfm      services.TrackInfoProvider
	processor   *batch.Processor[models.Track, apiMatch]
	username    string
	logger      *log.Logger
}

type apiMatch struct {
	track models.Track
	info  services.TrackInfo
}

// NewMatcher creates a Matcher. username scopes Last.fm user metrics on the
// lookups; it may be empty.
func NewMatcher(
	db *sql.DB,
	connectors *repositories.ConnectorRepository,
	musicbrainz ISRCResolver,
	lastfm services.TrackInfoProvider,
	opts batch.Options,
	username string,
	logger *log.Logger,
) *Matcher {
	return &Matcher{
		db:          db,
		connectors:  connectors,
		musicbrainz: musicbrainz,
		lastfm:      lastfm,
		processor:   batch.NewProcessor[models.Track, apiMatch](opts, logger),
		username:    username,
		logger:      logger,
	}
}

// MatchTracks resolves every persisted track to its Last.fm identity and
// returns results keyed by track id. Tracks without a database id are
// skipped. Per-track failures land in the result, not in the error.
func (m *Matcher) MatchTracks(ctx context.Context, tracks []models.Track) (map[int]MatchResult, error) {
	results := make(map[int]MatchResult, len(tracks))

	var candidates []models.Track
	for _, track := range tracks {
		if track.ID == 0 {
			m.logger.Warn("skipping unpersisted track in match", "title", track.Title)
			continue
		}
		candidates = append(candidates, track)
	}
	if len(candidates) == 0 {
		return results, nil
	}

	remaining, err := m.matchFromDB(ctx, candidates, results)
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		return results, nil
	}

	remaining, err = m.resolveISRCs(ctx, remaining)
	if err != nil {
		return nil, err
	}

	if err := m.matchFromAPI(ctx, remaining, results); err != nil {
		return nil, err
	}
	return results, nil
}

// matchFromDB fills results from existing Last.fm mappings and returns the
// tracks still unresolved.
func (m *Matcher) matchFromDB(ctx context.Context, tracks []models.Track, results map[int]MatchResult) ([]models.Track, error) {
	ids := make([]int, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}

	mappings, err := m.connectors.GetConnectorMappings(ctx, ids, models.ConnectorLastfm)
	if err != nil {
		return nil, err
	}
	mapped := make(map[int]models.TrackMapping, len(mappings))
	for _, mp := range mappings {
		mapped[mp.TrackID] = mp
	}

	var remaining []models.Track
	for _, track := range tracks {
		mp, ok := mapped[track.ID]
		if !ok {
			remaining = append(remaining, track)
			continue
		}
		results[track.ID] = MatchResult{
			TrackID:    track.ID,
			ExternalID: mp.ConnectorTrackID,
			Method:     models.MatchMethodCached,
			Confidence: models.ConfidenceCached,
		}
	}
	m.logger.Debug("db match phase", "cached", len(mapped), "remaining", len(remaining))
	return remaining, nil
}

// resolveISRCs batches ISRC lookups for tracks that have an ISRC but no
// MBID yet, binding the found MBID onto the track and persisting the
// MusicBrainz mapping.
func (m *Matcher) resolveISRCs(ctx context.Context, tracks []models.Track) ([]models.Track, error) {
	var isrcs []string
	for _, track := range tracks {
		if track.ISRC != "" && mbidOf(track) == "" {
			isrcs = append(isrcs, track.ISRC)
		}
	}
	if len(isrcs) == 0 {
		return tracks, nil
	}

	found, err := m.musicbrainz.BatchISRCLookup(ctx, isrcs)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return tracks, nil
	}

	out := make([]models.Track, len(tracks))
	err = repositories.Transact(ctx, m.db, func(tx *sql.Tx) error {
		connectors := m.connectors.WithTx(tx)
		for i, track := range tracks {
			out[i] = track
			if track.ISRC == "" || mbidOf(track) != "" {
				continue
			}
			rec, ok := found[track.ISRC]
			if !ok {
				continue
			}
			_, err := connectors.MapTrackToConnector(ctx, track,
				models.ConnectorMusicBrainz, rec.ID,
				models.MatchMethodISRC, models.ConfidenceISRC,
				map[string]any{"title": rec.Title, "length": rec.Length},
				map[string]any{"isrc": track.ISRC})
			if err != nil {
				return fmt.Errorf("failed to persist mbid mapping for track %d: %w", track.ID, err)
			}
			out[i] = track.WithConnectorTrackID(models.ConnectorMusicBrainz, rec.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// matchFromAPI resolves the remaining tracks against Last.fm through the
// batch processor, then persists all successful matches in one transaction.
func (m *Matcher) matchFromAPI(ctx context.Context, tracks []models.Track, results map[int]MatchResult) error {
	if len(tracks) == 0 {
		return nil
	}
	if m.lastfm == nil {
		return fmt.Errorf("%w: lastfm connector is not configured", shared.ErrMissingCredentials)
	}

	matches := m.processor.Process(ctx, tracks, func(ctx context.Context, track models.Track) (apiMatch, error) {
		info, err := m.lastfm.GetTrackInfo(ctx, services.TrackInfoQuery{
			Artist:   strings.Join(track.ArtistNames(), ", "),
			Title:    track.Title,
			MBID:     mbidOf(track),
			Username: m.username,
		})
		if err != nil {
			return apiMatch{}, err
		}
		return apiMatch{track: track, info: info}, nil
	}, nil)

	return repositories.Transact(ctx, m.db, func(tx *sql.Tx) error {
		connectors := m.connectors.WithTx(tx)
		for _, res := range matches {
			track := tracks[res.Index]
			if res.Err != nil {
				results[track.ID] = MatchResult{TrackID: track.ID, Err: res.Err}
				continue
			}

			method, confidence := scoreMatch(track)
			externalID := lastfmExternalID(track, res.Value.info)
			_, err := connectors.MapTrackToConnector(ctx, track,
				models.ConnectorLastfm, externalID, method, confidence,
				map[string]any{
					"userplaycount": res.Value.info.UserPlaycount,
					"playcount":     res.Value.info.Playcount,
					"listeners":     res.Value.info.Listeners,
					"loved":         res.Value.info.Loved,
				},
				map[string]any{"method": method, "mbid": mbidOf(track)})
			if err != nil {
				return fmt.Errorf("failed to persist match for track %d: %w", track.ID, err)
			}

			results[track.ID] = MatchResult{
				TrackID:    track.ID,
				ExternalID: externalID,
				Method:     method,
				Confidence: confidence,
				Info:       res.Value.info,
			}
		}
		return nil
	})
}

// scoreMatch decides method and confidence: mbid beats artist/title, and
// a track without duration loses a little (less evidence to verify with).
func scoreMatch(track models.Track) (string, int) {
	method := models.MatchMethodArtistTitle
	confidence := models.ConfidenceArtistTitle
	if mbidOf(track) != "" {
		method = models.MatchMethodMBID
		confidence = models.ConfidenceMBID
	}
	if track.DurationMS == 0 {
		confidence -= models.ConfidencePenaltyNoDuration
	}
	return method, clampConfidence(confidence)
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// lastfmExternalID picks a stable identifier for the Last.fm side: the
// recording MBID when known, else the normalized title/artist key.
func lastfmExternalID(track models.Track, info services.TrackInfo) string {
	if info.MBID != "" {
		return info.MBID
	}
	if mbid := mbidOf(track); mbid != "" {
		return mbid
	}
	return shared.NormalizeTrackKey(track.Title, track.PrimaryArtist())
}

func mbidOf(track models.Track) string {
	mbid, _ := track.MBID()
	return mbid
}
