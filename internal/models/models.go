package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cadenza-fm/cadenza/internal/shared"
)

// Connector name constants. "db" marks the canonical store itself and is
// attached to every track once persisted.
const (
	ConnectorDB          = "db"
	ConnectorSpotify     = "spotify"
	ConnectorLastfm      = "lastfm"
	ConnectorMusicBrainz = "musicbrainz"
)

// Artist is a named performer. The name is required.
type Artist struct {
	Name string
}

// NewArtist validates and creates an Artist.
func NewArtist(name string) (Artist, error) {
	if name == "" {
		return Artist{}, fmt.Errorf("%w: artist name must not be empty", shared.ErrValidation)
	}
	return Artist{Name: name}, nil
}

// Track is a canonical, service-agnostic recording.
//
// A zero ID means the track has not been persisted yet. Optional scalar
// fields use zero values for "unknown". Tracks are value types: mutation is
// never in place, the With* constructors return new instances.
type Track struct {
	ID          int
	Title       string
	Artists     []Artist
	Album       string
	DurationMS  int
	ReleaseDate time.Time
	ISRC        string

	// ConnectorTrackIDs maps connector name to that service's track id,
	// including "db" after persistence.
	ConnectorTrackIDs map[string]string

	// ConnectorMetadata holds service-specific fields per connector.
	// Matching information is never stored here.
	ConnectorMetadata map[string]map[string]any
}

// NewTrack validates and creates a Track with at least one artist.
func NewTrack(title string, artists ...Artist) (Track, error) {
	if title == "" {
		return Track{}, fmt.Errorf("%w: track title must not be empty", shared.ErrValidation)
	}
	if len(artists) == 0 {
		return Track{}, fmt.Errorf("%w: track requires at least one artist", shared.ErrValidation)
	}
	for _, a := range artists {
		if a.Name == "" {
			return Track{}, fmt.Errorf("%w: artist name must not be empty", shared.ErrValidation)
		}
	}
	return Track{Title: title, Artists: append([]Artist(nil), artists...)}, nil
}

// clone returns a deep copy so With* constructors never alias maps or slices.
func (t Track) clone() Track {
	c := t
	c.Artists = append([]Artist(nil), t.Artists...)
	if t.ConnectorTrackIDs != nil {
		c.ConnectorTrackIDs = make(map[string]string, len(t.ConnectorTrackIDs))
		for k, v := range t.ConnectorTrackIDs {
			c.ConnectorTrackIDs[k] = v
		}
	}
	if t.ConnectorMetadata != nil {
		c.ConnectorMetadata = make(map[string]map[string]any, len(t.ConnectorMetadata))
		for k, fields := range t.ConnectorMetadata {
			inner := make(map[string]any, len(fields))
			for f, v := range fields {
				inner[f] = v
			}
			c.ConnectorMetadata[k] = inner
		}
	}
	return c
}

// WithID returns a copy bound to its database id, recording the canonical
// store under the "db" connector key.
func (t Track) WithID(id int) Track {
	c := t.clone()
	c.ID = id
	if c.ConnectorTrackIDs == nil {
		c.ConnectorTrackIDs = make(map[string]string, 1)
	}
	c.ConnectorTrackIDs[ConnectorDB] = strconv.Itoa(id)
	return c
}

// WithAlbum returns a copy with the album set.
func (t Track) WithAlbum(album string) Track {
	c := t.clone()
	c.Album = album
	return c
}

// WithDurationMS returns a copy with the duration set.
func (t Track) WithDurationMS(ms int) Track {
	c := t.clone()
	c.DurationMS = ms
	return c
}

// WithReleaseDate returns a copy with the release date normalized to UTC.
func (t Track) WithReleaseDate(d time.Time) Track {
	c := t.clone()
	c.ReleaseDate = shared.UTC(d)
	return c
}

// WithISRC returns a copy with the ISRC set.
func (t Track) WithISRC(isrc string) Track {
	c := t.clone()
	c.ISRC = isrc
	return c
}

// WithConnectorTrackID returns a copy carrying the external id for connector.
func (t Track) WithConnectorTrackID(connector, externalID string) Track {
	c := t.clone()
	if c.ConnectorTrackIDs == nil {
		c.ConnectorTrackIDs = make(map[string]string, 1)
	}
	c.ConnectorTrackIDs[connector] = externalID
	return c
}

// WithConnectorMetadata returns a copy carrying service-specific fields for
// connector. Fields merge over any previously recorded metadata.
func (t Track) WithConnectorMetadata(connector string, fields map[string]any) Track {
	c := t.clone()
	if c.ConnectorMetadata == nil {
		c.ConnectorMetadata = make(map[string]map[string]any, 1)
	}
	merged := c.ConnectorMetadata[connector]
	if merged == nil {
		merged = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		merged[k] = v
	}
	c.ConnectorMetadata[connector] = merged
	return c
}

// ConnectorTrackID returns the external id for connector, if recorded.
func (t Track) ConnectorTrackID(connector string) (string, bool) {
	id, ok := t.ConnectorTrackIDs[connector]
	return id, ok
}

// MBID returns the MusicBrainz recording id, if known.
func (t Track) MBID() (string, bool) {
	return t.ConnectorTrackID(ConnectorMusicBrainz)
}

// PrimaryArtist returns the first credited artist's name.
func (t Track) PrimaryArtist() string {
	if len(t.Artists) == 0 {
		return ""
	}
	return t.Artists[0].Name
}

// ArtistNames returns all credited artist names in order.
func (t Track) ArtistNames() []string {
	names := make([]string, len(t.Artists))
	for i, a := range t.Artists {
		names[i] = a.Name
	}
	return names
}
