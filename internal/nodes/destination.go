package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/cadenza-fm/cadenza/internal/engine"
	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/services"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// playlistFromConfig builds a named playlist over the source tracklist.
// The name defaults to the tracklist's source playlist name.
func playlistFromConfig(ec *engine.Context, config map[string]any) (models.Playlist, models.TrackList, error) {
	tl, err := sourceList(ec, config)
	if err != nil {
		return models.Playlist{}, models.TrackList{}, err
	}
	fallback, _ := tl.Metadata[models.MetaSourcePlaylistName].(string)
	name := cfgStringOr(config, "name", fallback)
	if name == "" {
		return models.Playlist{}, models.TrackList{}, fmt.Errorf("%w: config key %q required", shared.ErrValidation, "name")
	}
	playlist, err := models.NewPlaylist(name, tl.Tracks...)
	if err != nil {
		return models.Playlist{}, models.TrackList{}, err
	}
	if desc, ok := config["description"].(string); ok {
		playlist = playlist.WithDescription(desc)
	}
	return playlist, tl, nil
}

// destinationCreateInternal saves the tracklist as a stored playlist.
func (d Dependencies) destinationCreateInternal() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		playlist, tl, err := playlistFromConfig(ec, config)
		if err != nil {
			return nil, err
		}
		saved, err := d.Playlists.SavePlaylist(ctx, playlist)
		if err != nil {
			return nil, fmt.Errorf("failed to save playlist %q: %w", playlist.Name, err)
		}
		d.Logger.Info("created internal playlist", "playlist", saved.Name, "id", saved.ID)
		return map[string]any{
			"operation":    "create_internal_playlist",
			"playlist_id":  saved.ID,
			"tracks_count": len(tl.Tracks),
		}, nil
	}
}

// destinationCreateSpotify creates the playlist on Spotify first, then
// stores it locally with its connector mapping.
func (d Dependencies) destinationCreateSpotify() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		if err := d.requireSpotify(); err != nil {
			return nil, err
		}
		playlist, tl, err := playlistFromConfig(ec, config)
		if err != nil {
			return nil, err
		}
		created, err := d.Spotify.CreatePlaylist(ctx, playlist.Name, playlist.Description, playlist.Tracks)
		if err != nil {
			return nil, fmt.Errorf("failed to create spotify playlist %q: %w", playlist.Name, err)
		}
		saved, err := d.Playlists.SavePlaylist(ctx, created)
		if err != nil {
			return nil, fmt.Errorf("failed to store playlist %q: %w", created.Name, err)
		}

		_, externalID, _ := saved.SourceConnector()
		d.Logger.Info("created spotify playlist",
			"playlist", saved.Name, "id", saved.ID, "spotify_id", externalID)
		return map[string]any{
			"operation":           "create_spotify_playlist",
			"playlist_id":         saved.ID,
			"spotify_playlist_id": externalID,
			"tracks_count":        len(tl.Tracks),
		}, nil
	}
}

// destinationUpdateSpotify writes the tracklist to an existing Spotify
// playlist and brings the stored copy in line. The mode config key picks
// replace (the default) or append.
func (d Dependencies) destinationUpdateSpotify() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		if err := d.requireSpotify(); err != nil {
			return nil, err
		}
		tl, err := sourceList(ec, config)
		if err != nil {
			return nil, err
		}
		externalID, err := cfgString(config, "playlist_id")
		if err != nil {
			return nil, err
		}
		mode := cfgStringOr(config, "mode", services.UpdateModeReplace)
		if mode != services.UpdateModeReplace && mode != services.UpdateModeAppend {
			return nil, fmt.Errorf("%w: config key %q must be %q or %q, got %q",
				shared.ErrValidation, "mode", services.UpdateModeReplace, services.UpdateModeAppend, mode)
		}

		stored, err := d.Playlists.FindByConnector(ctx, models.ConnectorSpotify, externalID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}

		if err := d.Spotify.UpdatePlaylist(ctx, externalID, tl.Tracks, mode); err != nil {
			return nil, fmt.Errorf("failed to update spotify playlist %s: %w", externalID, err)
		}

		result := map[string]any{
			"operation":           "update_spotify_playlist",
			"spotify_playlist_id": externalID,
			"mode":                mode,
			"tracks_count":        len(tl.Tracks),
		}
		if stored.ID != 0 {
			tracks := tl.Tracks
			if mode == services.UpdateModeAppend {
				tracks = append(append([]models.Track{}, stored.Tracks...), tl.Tracks...)
			}
			updated, err := d.Playlists.UpdatePlaylist(ctx, stored.ID, stored.WithTracks(tracks))
			if err != nil {
				return nil, fmt.Errorf("failed to update stored playlist %d: %w", stored.ID, err)
			}
			result["playlist_id"] = updated.ID
		}
		d.Logger.Info("updated spotify playlist",
			"spotify_id", externalID, "mode", mode, "tracks", len(tl.Tracks))
		return result, nil
	}
}
