package nodes

import (
	"context"
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/engine"
	"github.com/cadenza-fm/cadenza/internal/matcher"
	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/repositories"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// PlaylistService is the connector surface playlist nodes need. The
// Spotify connector satisfies it.
type PlaylistService interface {
	GetPlaylist(ctx context.Context, playlistID string) (models.Playlist, error)
	CreatePlaylist(ctx context.Context, name, description string, tracks []models.Track) (models.Playlist, error)
	UpdatePlaylist(ctx context.Context, playlistID string, tracks []models.Track, mode string) error
}

// TrackMatcher resolves track identities against Last.fm.
type TrackMatcher interface {
	MatchTracks(ctx context.Context, tracks []models.Track) (map[int]matcher.MatchResult, error)
}

// MetricResolver resolves named metrics for persisted tracks.
type MetricResolver interface {
	Resolve(ctx context.Context, metric string, trackIDs []int) (map[int]float64, error)
}

// Dependencies carries everything the node factories close over. Connector
// fields stay nil when their credentials are not configured; nodes check
// them before use so an unconfigured connector surfaces as a credential
// error instead of a panic.
type Dependencies struct {
	Playlists *repositories.PlaylistRepository
	Spotify   PlaylistService
	Matcher   TrackMatcher
	Metrics   MetricResolver
	Logger    *log.Logger
}

func (d Dependencies) requireSpotify() error {
	if d.Spotify == nil {
		return fmt.Errorf("%w: spotify connector is not configured", shared.ErrMissingCredentials)
	}
	return nil
}

func (d Dependencies) requireMatcher() error {
	if d.Matcher == nil {
		return fmt.Errorf("%w: track matcher is not configured", shared.ErrMissingCredentials)
	}
	return nil
}

func (d Dependencies) requireMetrics() error {
	if d.Metrics == nil {
		return fmt.Errorf("%w: metric resolver is not configured", shared.ErrMissingCredentials)
	}
	return nil
}

// RequiredNodes is the critical set asserted before any workflow runs.
var RequiredNodes = []string{
	"source.spotify_playlist",
	"enricher.lastfm",
	"enricher.spotify",
	"filter.deduplicate",
	"filter.by_tracks",
	"sorter.tracks",
	"selector.limit_tracks",
	"combiner.concatenate_playlists",
	"destination.create_internal",
	"destination.create_spotify",
	"destination.update_spotify",
}

// RegisterAll populates the registry with every built-in node.
func RegisterAll(r *Registry, deps Dependencies) error {
	for _, reg := range []struct {
		id   string
		fn   engine.NodeFunc
		desc string
	}{
		{"source.spotify_playlist", deps.sourceSpotifyPlaylist(), "fetch and persist a Spotify playlist"},
		{"enricher.lastfm", deps.enricherLastfm(), "resolve Last.fm identities and metrics"},
		{"enricher.spotify", deps.enricherSpotify(), "resolve Spotify metrics from stored metadata"},
		{"filter.deduplicate", deps.filterDeduplicate(), "drop duplicate tracks by id"},
		{"filter.by_release_date", deps.filterByReleaseDate(), "keep tracks within a release age window"},
		{"filter.by_tracks", deps.filterByTracks(), "exclude tracks present in a reference tracklist"},
		{"filter.by_artists", deps.filterByArtists(), "exclude artists present in a reference tracklist"},
		{"filter.by_metric", deps.filterByMetric(), "keep tracks within a metric range"},
		{"sorter.tracks", deps.sorterTracks(), "order tracks by metric or release date"},
		{"selector.limit_tracks", deps.selectorLimitTracks(), "keep n tracks by selection method"},
		{"combiner.merge_playlists", deps.combinerMerge(), "concatenate and deduplicate tracklists"},
		{"combiner.concatenate_playlists", deps.combinerConcatenate(), "concatenate tracklists in task order"},
		{"combiner.interleave_playlists", deps.combinerInterleave(), "round-robin tracklists"},
		{"destination.create_internal", deps.destinationCreateInternal(), "save the tracklist as a stored playlist"},
		{"destination.create_spotify", deps.destinationCreateSpotify(), "create a Spotify playlist and store it"},
		{"destination.update_spotify", deps.destinationUpdateSpotify(), "replace or append a Spotify playlist's tracks"},
	} {
		if err := r.Register(reg.id, reg.fn, Meta{Description: reg.desc}); err != nil {
			return err
		}
	}
	return nil
}

// sourceList reads the tracklist produced by the task named in the
// config's "source" key.
func sourceList(ec *engine.Context, config map[string]any) (models.TrackList, error) {
	taskID, err := cfgString(config, "source")
	if err != nil {
		return models.TrackList{}, err
	}
	return ec.TrackList(taskID)
}

func listResult(operation string, tl models.TrackList) map[string]any {
	return map[string]any{
		"tracklist":    tl,
		"operation":    operation,
		"tracks_count": len(tl.Tracks),
	}
}

func cfgString(config map[string]any, key string) (string, error) {
	v, ok := config[key]
	if !ok {
		return "", fmt.Errorf("%w: config key %q required", shared.ErrValidation, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: config key %q must be a non-empty string", shared.ErrValidation, key)
	}
	return s, nil
}

func cfgStringOr(config map[string]any, key, fallback string) string {
	if s, ok := config[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// cfgInt accepts the numeric shapes JSON configs and resolved templates
// produce: float64, int, and numeric strings.
func cfgInt(config map[string]any, key string) (int, error) {
	v, ok := config[key]
	if !ok {
		return 0, fmt.Errorf("%w: config key %q required", shared.ErrValidation, key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err == nil {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: config key %q must be an integer, got %v", shared.ErrValidation, key, v)
}

func cfgIntPtr(config map[string]any, key string) (*int, error) {
	if _, ok := config[key]; !ok {
		return nil, nil
	}
	n, err := cfgInt(config, key)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func cfgFloatPtr(config map[string]any, key string) (*float64, error) {
	v, ok := config[key]
	if !ok {
		return nil, nil
	}
	switch n := v.(type) {
	case float64:
		return &n, nil
	case int:
		f := float64(n)
		return &f, nil
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return &f, nil
		}
	}
	return nil, fmt.Errorf("%w: config key %q must be a number, got %v", shared.ErrValidation, key, v)
}

func cfgBool(config map[string]any, key string, fallback bool) bool {
	if b, ok := config[key].(bool); ok {
		return b
	}
	return fallback
}

func cfgStrings(config map[string]any, key string) ([]string, error) {
	v, ok := config[key]
	if !ok {
		return nil, fmt.Errorf("%w: config key %q required", shared.ErrValidation, key)
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: config key %q must hold strings", shared.ErrValidation, key)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: config key %q must be a list", shared.ErrValidation, key)
}
