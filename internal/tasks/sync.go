// Package tasks implements the high-level sync use cases: importing
// liked tracks from Spotify, exporting loves to Last.fm, and ingesting
// Last.fm play history. Each loop is resumable through sync checkpoints
// and keeps going when individual items fail.
package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/matcher"
	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/repositories"
	"github.com/cadenza-fm/cadenza/internal/services"
)

const (
	likesPageSize = 50
	playsPageSize = 200
)

// SyncStats summarizes one sync run.
type SyncStats struct {
	Imported int
	Exported int
	Skipped  int
	Errors   int
	Total    int
}

// SpotifyLibrary is the Spotify surface the likes import needs.
type SpotifyLibrary interface {
	GetLikedTracks(ctx context.Context, limit, offset int) (*services.SpotifySavedTrackPage, error)
}

// LastfmHistory is the Last.fm surface the loves export and play import
// need.
type LastfmHistory interface {
	GetRecentTracks(ctx context.Context, user string, from, to time.Time, page, limit int) (services.LastfmRecentTracksPage, error)
	LoveTrack(ctx context.Context, artist, title string) error
}

// TrackMatcher resolves track identities against Last.fm.
type TrackMatcher interface {
	MatchTracks(ctx context.Context, tracks []models.Track) (map[int]matcher.MatchResult, error)
}

// SyncService runs the sync use cases for one user.
type SyncService struct {
	db          *sql.DB
	tracks      *repositories.TrackRepository
	connectors  *repositories.ConnectorRepository
	likes       *repositories.LikeRepository
	plays       *repositories.PlayRepository
	checkpoints *repositories.CheckpointRepository
	spotify     SpotifyLibrary
	lastfm      LastfmHistory
	matcher     TrackMatcher
	userID      string
	logger      *log.Logger
}

// NewSyncService creates a SyncService. extract hooks metric extraction
// into track ingestion; it may be nil.
func NewSyncService(
	db *sql.DB,
	spotify SpotifyLibrary,
	lastfm LastfmHistory,
	trackMatcher TrackMatcher,
	extract repositories.MetricExtractor,
	userID string,
	logger *log.Logger,
) *SyncService {
	return &SyncService{
		db:          db,
		tracks:      repositories.NewTrackRepository(db, logger),
		connectors:  repositories.NewConnectorRepository(db, logger, extract),
		likes:       repositories.NewLikeRepository(db, logger),
		plays:       repositories.NewPlayRepository(db, logger),
		checkpoints: repositories.NewCheckpointRepository(db, logger),
		spotify:     spotify,
		lastfm:      lastfm,
		matcher:     trackMatcher,
		userID:      userID,
		logger:      logger,
	}
}

// ImportSpotifyLikes pulls the user's saved tracks page by page, ingests
// each one and records like rows for both the spotify service and the
// canonical store. The page offset is checkpointed as the cursor, so an
// interrupted run resumes where it stopped. maxImports caps the number
// of processed items; zero means no cap.
func (s *SyncService) ImportSpotifyLikes(ctx context.Context, maxImports int) (SyncStats, error) {
	var stats SyncStats

	offset := 0
	cp, err := s.checkpoints.Get(ctx, s.userID, models.ConnectorSpotify, models.EntityLikes)
	if err != nil {
		return stats, err
	}
	if cp != nil && cp.Cursor != "" {
		if n, err := strconv.Atoi(cp.Cursor); err == nil {
			offset = n
		}
	}

	for {
		if maxImports > 0 && stats.Total >= maxImports {
			break
		}
		page, err := s.spotify.GetLikedTracks(ctx, likesPageSize, offset)
		if err != nil {
			return stats, fmt.Errorf("failed to fetch liked tracks at offset %d: %w", offset, err)
		}
		if len(page.Items) == 0 {
			break
		}

		var latest *time.Time
		processed := 0
		for _, item := range page.Items {
			if maxImports > 0 && stats.Total >= maxImports {
				break
			}
			stats.Total++
			processed++
			likedAt := parseAddedAt(item.AddedAt)
			if err := s.importLikedTrack(ctx, item, likedAt); err != nil {
				stats.Errors++
				s.logger.Warn("failed to import liked track",
					"track", item.Track.Name, "error", err)
				continue
			}
			stats.Imported++
			if likedAt != nil && (latest == nil || likedAt.After(*latest)) {
				latest = likedAt
			}
		}

		offset += processed
		if err := s.checkpoints.Upsert(ctx, models.SyncCheckpoint{
			UserID:        s.userID,
			Service:       models.ConnectorSpotify,
			EntityType:    models.EntityLikes,
			LastTimestamp: latest,
			Cursor:        strconv.Itoa(offset),
		}); err != nil {
			return stats, err
		}

		if page.Next == nil {
			break
		}
	}

	s.logger.Info("spotify likes import finished",
		"imported", stats.Imported, "errors", stats.Errors, "total", stats.Total)
	return stats, nil
}

func (s *SyncService) importLikedTrack(ctx context.Context, item services.SpotifySavedTrack, likedAt *time.Time) error {
	converted, err := services.TrackFromSpotify(item.Track)
	if err != nil {
		return err
	}
	return repositories.Transact(ctx, s.db, func(tx *sql.Tx) error {
		track, err := s.connectors.WithTx(tx).IngestExternalTrack(ctx, ingestParams(converted, item.Track.ID))
		if err != nil {
			return err
		}
		likes := s.likes.WithTx(tx)
		if err := likes.UpsertLike(ctx, track.ID, models.ConnectorSpotify, true, likedAt); err != nil {
			return err
		}
		return likes.UpsertLike(ctx, track.ID, models.ConnectorDB, true, likedAt)
	})
}

// ExportLovesToLastfm pushes canonical likes that Last.fm has not seen
// yet. Each exported like is stamped with the sync time so reruns skip
// it. The checkpoint only advances when every love call succeeded, so a
// failed track stays in scope for the next run.
func (s *SyncService) ExportLovesToLastfm(ctx context.Context) (SyncStats, error) {
	var stats SyncStats

	cp, err := s.checkpoints.Get(ctx, s.userID, models.ConnectorLastfm, models.EntityLikes)
	if err != nil {
		return stats, err
	}
	var since *time.Time
	if cp != nil {
		since = cp.LastTimestamp
	}

	unsynced, err := s.likes.GetUnsyncedLikes(ctx, models.ConnectorDB, models.ConnectorLastfm, since)
	if err != nil {
		return stats, err
	}
	stats.Total = len(unsynced)
	if len(unsynced) == 0 {
		return stats, nil
	}

	ids := make([]int, len(unsynced))
	for i, like := range unsynced {
		ids[i] = like.TrackID
	}
	byID, err := s.tracks.GetByIDs(ctx, ids)
	if err != nil {
		return stats, err
	}
	candidates := make([]models.Track, 0, len(byID))
	for _, track := range byID {
		candidates = append(candidates, track)
	}
	matches, err := s.matcher.MatchTracks(ctx, candidates)
	if err != nil {
		return stats, err
	}

	now := time.Now().UTC()
	for _, like := range unsynced {
		track, ok := byID[like.TrackID]
		if !ok || !matches[like.TrackID].Matched() {
			stats.Skipped++
			continue
		}
		if err := s.lastfm.LoveTrack(ctx, track.PrimaryArtist(), track.Title); err != nil {
			stats.Errors++
			s.logger.Warn("failed to love track", "track", track.Title, "error", err)
			continue
		}
		if err := s.likes.MarkSynced(ctx, like.TrackID, models.ConnectorLastfm, now); err != nil {
			return stats, err
		}
		stats.Exported++
	}

	if stats.Errors == 0 {
		if err := s.checkpoints.Upsert(ctx, models.SyncCheckpoint{
			UserID:        s.userID,
			Service:       models.ConnectorLastfm,
			EntityType:    models.EntityLikes,
			LastTimestamp: &now,
		}); err != nil {
			return stats, err
		}
	} else {
		s.logger.Warn("holding loves checkpoint back after failures", "errors", stats.Errors)
	}

	s.logger.Info("lastfm loves export finished",
		"exported", stats.Exported, "skipped", stats.Skipped, "errors", stats.Errors)
	return stats, nil
}

// ImportLastfmPlays ingests the user's scrobble history incrementally.
// The first run starts from the beginning; later runs fetch from one
// second past the checkpointed timestamp. Now-playing entries have no
// timestamp and are skipped. maxPages caps the run; zero means no cap.
func (s *SyncService) ImportLastfmPlays(ctx context.Context, user string, maxPages int) (SyncStats, error) {
	var stats SyncStats

	var from time.Time
	cp, err := s.checkpoints.Get(ctx, s.userID, models.ConnectorLastfm, models.EntityPlays)
	if err != nil {
		return stats, err
	}
	if cp != nil && cp.LastTimestamp != nil {
		from = cp.LastTimestamp.Add(time.Second)
	}

	for page := 1; ; page++ {
		if maxPages > 0 && page > maxPages {
			break
		}
		recent, err := s.lastfm.GetRecentTracks(ctx, user, from, time.Time{}, page, playsPageSize)
		if err != nil {
			return stats, fmt.Errorf("failed to fetch recent tracks page %d: %w", page, err)
		}
		if len(recent.Tracks) == 0 {
			break
		}

		var plays []models.TrackPlay
		var latest *time.Time
		for _, rt := range recent.Tracks {
			stats.Total++
			if rt.NowPlaying() || rt.Date == nil {
				stats.Skipped++
				continue
			}
			trackID, err := s.resolvePlayedTrack(ctx, rt)
			if err != nil {
				stats.Errors++
				s.logger.Warn("failed to resolve played track",
					"track", rt.Name, "error", err)
				continue
			}
			playedAt := rt.Date.UTS.Time.UTC()
			plays = append(plays, models.TrackPlay{
				TrackID:  trackID,
				Service:  models.ConnectorLastfm,
				PlayedAt: playedAt,
				Context:  map[string]any{"album": rt.Album.Text},
			})
			if latest == nil || playedAt.After(*latest) {
				t := playedAt
				latest = &t
			}
		}

		if len(plays) > 0 {
			inserted, err := s.plays.BulkInsertPlays(ctx, plays)
			if err != nil {
				return stats, err
			}
			stats.Imported += inserted
		}
		if err := s.checkpoints.Upsert(ctx, models.SyncCheckpoint{
			UserID:        s.userID,
			Service:       models.ConnectorLastfm,
			EntityType:    models.EntityPlays,
			LastTimestamp: latest,
		}); err != nil {
			return stats, err
		}

		if recent.TotalPages > 0 && page >= recent.TotalPages {
			break
		}
	}

	s.logger.Info("lastfm plays import finished",
		"imported", stats.Imported, "skipped", stats.Skipped, "errors", stats.Errors)
	return stats, nil
}

// resolvePlayedTrack finds or creates the canonical track for a scrobble.
// An MBID on the entry dedupes across runs; otherwise title and artist
// decide.
func (s *SyncService) resolvePlayedTrack(ctx context.Context, rt services.LastfmRecentTrack) (int, error) {
	artist, err := models.NewArtist(rt.Artist.Text)
	if err != nil {
		return 0, err
	}
	track, err := models.NewTrack(rt.Name, artist)
	if err != nil {
		return 0, err
	}
	if rt.MBID != "" {
		track = track.WithConnectorTrackID(models.ConnectorMusicBrainz, rt.MBID)
	}
	if rt.Album.Text != "" {
		track = track.WithAlbum(rt.Album.Text)
	}
	saved, err := s.tracks.SaveTrack(ctx, track)
	if err != nil {
		return 0, err
	}
	if rt.MBID != "" {
		// Persist the identity so later scrobbles of the same recording
		// resolve to this canonical track.
		_, err = s.connectors.MapTrackToConnector(ctx, saved,
			models.ConnectorMusicBrainz, rt.MBID,
			models.MatchMethodMBID, models.ConfidenceMBID, nil, nil)
		if err != nil {
			return 0, err
		}
	}
	return saved.ID, nil
}

func ingestParams(track models.Track, externalID string) repositories.IngestParams {
	p := repositories.IngestParams{
		Connector:  models.ConnectorSpotify,
		ExternalID: externalID,
		Metadata:   track.ConnectorMetadata[models.ConnectorSpotify],
		Title:      track.Title,
		Artists:    track.Artists,
		Album:      track.Album,
		DurationMS: track.DurationMS,
		ISRC:       track.ISRC,
	}
	if !track.ReleaseDate.IsZero() {
		p.ReleaseDate = sql.NullTime{Time: track.ReleaseDate, Valid: true}
	}
	return p
}

func parseAddedAt(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}
