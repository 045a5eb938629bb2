package models

import (
	"fmt"

	"github.com/cadenza-fm/cadenza/internal/shared"
)

// Playlist is a persisted ordered sequence of tracks. Ordering is intrinsic:
// the position of each track in Tracks is the playlist order.
type Playlist struct {
	ID          int
	Name        string
	Description string
	Tracks      []Track

	// ConnectorPlaylistIDs maps connector name to that service's playlist id.
	ConnectorPlaylistIDs map[string]string
}

// NewPlaylist validates and creates a Playlist.
func NewPlaylist(name string, tracks ...Track) (Playlist, error) {
	if name == "" {
		return Playlist{}, fmt.Errorf("%w: playlist name must not be empty", shared.ErrValidation)
	}
	return Playlist{Name: name, Tracks: append([]Track(nil), tracks...)}, nil
}

func (p Playlist) clone() Playlist {
	c := p
	c.Tracks = append([]Track(nil), p.Tracks...)
	if p.ConnectorPlaylistIDs != nil {
		c.ConnectorPlaylistIDs = make(map[string]string, len(p.ConnectorPlaylistIDs))
		for k, v := range p.ConnectorPlaylistIDs {
			c.ConnectorPlaylistIDs[k] = v
		}
	}
	return c
}

// WithID returns a copy bound to its database id.
func (p Playlist) WithID(id int) Playlist {
	c := p.clone()
	c.ID = id
	return c
}

// WithDescription returns a copy with the description set.
func (p Playlist) WithDescription(desc string) Playlist {
	c := p.clone()
	c.Description = desc
	return c
}

// WithTracks returns a copy holding tracks.
func (p Playlist) WithTracks(tracks []Track) Playlist {
	c := p.clone()
	c.Tracks = append([]Track(nil), tracks...)
	return c
}

// WithConnectorPlaylistID returns a copy carrying the external id for connector.
func (p Playlist) WithConnectorPlaylistID(connector, externalID string) Playlist {
	c := p.clone()
	if c.ConnectorPlaylistIDs == nil {
		c.ConnectorPlaylistIDs = make(map[string]string, 1)
	}
	c.ConnectorPlaylistIDs[connector] = externalID
	return c
}

// SourceConnector reports the first external connector this playlist is
// mapped to, if any. Used by ingestion to prefer connector-aware persistence.
func (p Playlist) SourceConnector() (string, string, bool) {
	for _, name := range []string{ConnectorSpotify, ConnectorLastfm, ConnectorMusicBrainz} {
		if id, ok := p.ConnectorPlaylistIDs[name]; ok {
			return name, id, true
		}
	}
	return "", "", false
}
