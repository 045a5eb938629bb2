package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/cadenza-fm/cadenza/internal/engine"
	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// Default enrichment attributes per connector.
var (
	defaultLastfmAttributes  = []string{"lastfm_user_playcount", "lastfm_global_playcount", "lastfm_listeners"}
	defaultSpotifyAttributes = []string{"spotify_popularity"}
)

// sourceSpotifyPlaylist fetches a Spotify playlist, persists it (tracks,
// playlist row, direct mappings) and emits the stored tracklist. Every
// emitted track is guaranteed to have a database id.
func (d Dependencies) sourceSpotifyPlaylist() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		if err := d.requireSpotify(); err != nil {
			return nil, err
		}
		playlistID, err := cfgString(config, "playlist_id")
		if err != nil {
			return nil, err
		}

		fetched, err := d.Spotify.GetPlaylist(ctx, playlistID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch spotify playlist %s: %w", playlistID, err)
		}

		existing, err := d.Playlists.FindByConnector(ctx, models.ConnectorSpotify, playlistID)
		var saved models.Playlist
		switch {
		case err == nil:
			saved, err = d.Playlists.UpdatePlaylist(ctx, existing.ID, fetched)
		case errors.Is(err, shared.ErrNotFound):
			saved, err = d.Playlists.SavePlaylist(ctx, fetched)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to persist playlist %s: %w", playlistID, err)
		}

		for _, track := range saved.Tracks {
			if track.ID == 0 {
				return nil, fmt.Errorf("%w: track %q has no id after persist", shared.ErrDependency, track.Title)
			}
		}

		d.Logger.Info("sourced spotify playlist",
			"playlist", saved.Name, "tracks", len(saved.Tracks))
		result := listResult("fetch_spotify_playlist", models.EnsureTrackList(saved))
		result["playlist_id"] = saved.ID
		result["spotify_playlist_id"] = playlistID
		return result, nil
	}
}

// enricherLastfm resolves Last.fm identities for the upstream tracklist,
// then attaches the requested metrics (integer-keyed) to its metadata.
func (d Dependencies) enricherLastfm() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		if err := d.requireMatcher(); err != nil {
			return nil, err
		}
		tl, err := sourceList(ec, config)
		if err != nil {
			return nil, err
		}
		attributes := defaultLastfmAttributes
		if _, ok := config["attributes"]; ok {
			if attributes, err = cfgStrings(config, "attributes"); err != nil {
				return nil, err
			}
		}

		matches, err := d.Matcher.MatchTracks(ctx, tl.Tracks)
		if err != nil {
			return nil, fmt.Errorf("failed to match tracks: %w", err)
		}
		matched := 0
		for _, res := range matches {
			if res.Matched() {
				matched++
			}
		}
		d.Logger.Info("lastfm enrichment matched tracks",
			"matched", matched, "total", len(tl.Tracks))

		tl, metricValues, err := d.attachMetrics(ctx, tl, attributes)
		if err != nil {
			return nil, err
		}

		result := listResult("enrich_lastfm", tl)
		result["matched_count"] = matched
		result["metrics"] = metricValues
		return result, nil
	}
}

// enricherSpotify attaches Spotify metrics from metadata captured at
// ingest time. Identity resolution is unnecessary: the tracks carry
// direct mappings from the source node.
func (d Dependencies) enricherSpotify() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		tl, err := sourceList(ec, config)
		if err != nil {
			return nil, err
		}
		attributes := defaultSpotifyAttributes
		if _, ok := config["attributes"]; ok {
			if attributes, err = cfgStrings(config, "attributes"); err != nil {
				return nil, err
			}
		}

		tl, metricValues, err := d.attachMetrics(ctx, tl, attributes)
		if err != nil {
			return nil, err
		}

		result := listResult("enrich_spotify", tl)
		result["metrics"] = metricValues
		return result, nil
	}
}

func (d Dependencies) attachMetrics(ctx context.Context, tl models.TrackList, attributes []string) (models.TrackList, models.MetricMap, error) {
	if err := d.requireMetrics(); err != nil {
		return models.TrackList{}, nil, err
	}
	ids := tl.TrackIDs()
	collected := make(models.MetricMap, len(attributes))
	for _, metric := range attributes {
		values, err := d.Metrics.Resolve(ctx, metric, ids)
		if err != nil {
			return models.TrackList{}, nil, fmt.Errorf("failed to resolve metric %s: %w", metric, err)
		}
		collected[metric] = values
		tl = tl.WithMetric(metric, values)
	}
	return tl, collected, nil
}
