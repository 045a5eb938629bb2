package services

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// Playlist update modes. Replace rewrites the playlist to exactly the given
// tracks; append adds them after the existing entries.
const (
	UpdateModeReplace = "replace"
	UpdateModeAppend  = "append"
)

// Connector is the playlist-level interface every music service implements.
type Connector interface {
	// Name returns the connector's registry name ("spotify", "lastfm", ...).
	Name() string

	// GetPlaylist fetches a playlist with all of its tracks.
	GetPlaylist(ctx context.Context, playlistID string) (models.Playlist, error)

	// CreatePlaylist creates a playlist on the service and adds tracks.
	CreatePlaylist(ctx context.Context, name, description string, tracks []models.Track) (models.Playlist, error)

	// UpdatePlaylist writes the tracks to an existing playlist, replacing
	// or appending per mode.
	UpdatePlaylist(ctx context.Context, playlistID string, tracks []models.Track, mode string) error

	// SearchTrack searches for a track by title and artist.
	SearchTrack(ctx context.Context, title, artist string) (models.Track, error)
}

// TrackInfoQuery identifies a track for a metadata lookup. MBID takes
// precedence over artist/title when present. Username scopes user metrics.
type TrackInfoQuery struct {
	Artist   string
	Title    string
	MBID     string
	Username string
}

// TrackInfo is the service-side metadata for one track.
type TrackInfo struct {
	Name          string
	Artist        string
	MBID          string
	DurationMS    int
	UserPlaycount int
	Playcount     int
	Listeners     int
	Loved         bool
}

// TrackInfoProvider fetches per-track metadata and metrics.
type TrackInfoProvider interface {
	GetTrackInfo(ctx context.Context, q TrackInfoQuery) (TrackInfo, error)
}

// statusError translates an HTTP status into the shared error taxonomy so
// the batch processor knows which failures to retry.
func statusError(service string, status int) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s returned 404", shared.ErrTrackNotFound, service)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned %d", shared.ErrNotAuthenticated, service, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s rate limited (429)", shared.ErrTransient, service)
	case status >= 500:
		return fmt.Errorf("%w: %s returned %d", shared.ErrServiceUnavailable, service, status)
	case status >= 400:
		return fmt.Errorf("%w: %s returned %d", shared.ErrPermanent, service, status)
	}
	return nil
}

// UTS is a unix-seconds timestamp as Last.fm encodes it: {"uts":"1699999999"}.
type UTS struct {
	time.Time
}

// UnmarshalJSON accepts both string and numeric unix timestamps.
func (u *UTS) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unix timestamp %q: %w", s, err)
	}
	u.Time = time.Unix(secs, 0).UTC()
	return nil
}

// splitArtists breaks a joined artist credit into individual names, used as
// fallback candidates when a multi-artist lookup finds nothing.
func splitArtists(artist string) []string {
	parts := []string{artist}
	for _, sep := range []string{", ", " & ", " feat. ", " ft. ", " x "} {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, sep)...)
		}
		parts = next
	}
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}
