package nodes

import (
	"context"
	"fmt"

	"github.com/cadenza-fm/cadenza/internal/engine"
	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
	"github.com/cadenza-fm/cadenza/internal/transforms"
)

// applyTransform runs one transform over the configured source tracklist.
func applyTransform(ec *engine.Context, config map[string]any, operation string, t transforms.Transform) (map[string]any, error) {
	tl, err := sourceList(ec, config)
	if err != nil {
		return nil, err
	}
	out, err := t(tl)
	if err != nil {
		return nil, err
	}
	return listResult(operation, out), nil
}

func (d Dependencies) filterDeduplicate() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		return applyTransform(ec, config, "filter_deduplicate", transforms.FilterDuplicates())
	}
}

func (d Dependencies) filterByReleaseDate() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		minAge, err := cfgIntPtr(config, "min_age_days")
		if err != nil {
			return nil, err
		}
		maxAge, err := cfgIntPtr(config, "max_age_days")
		if err != nil {
			return nil, err
		}
		return applyTransform(ec, config, "filter_by_release_date",
			transforms.FilterByDateRange(minAge, maxAge))
	}
}

// referenceTracks reads the tracklist of the task named by the config's
// exclusion_source key.
func referenceTracks(ec *engine.Context, config map[string]any) ([]models.Track, error) {
	taskID, err := cfgString(config, "exclusion_source")
	if err != nil {
		return nil, err
	}
	ref, err := ec.TrackList(taskID)
	if err != nil {
		return nil, err
	}
	return ref.Tracks, nil
}

func (d Dependencies) filterByTracks() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		reference, err := referenceTracks(ec, config)
		if err != nil {
			return nil, err
		}
		return applyTransform(ec, config, "filter_by_tracks", transforms.ExcludeTracks(reference))
	}
}

func (d Dependencies) filterByArtists() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		reference, err := referenceTracks(ec, config)
		if err != nil {
			return nil, err
		}
		allArtists := cfgBool(config, "all_artists", false)
		return applyTransform(ec, config, "filter_by_artists",
			transforms.ExcludeArtists(reference, allArtists))
	}
}

func (d Dependencies) filterByMetric() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		metric, err := cfgString(config, "metric_name")
		if err != nil {
			return nil, err
		}
		min, err := cfgFloatPtr(config, "min")
		if err != nil {
			return nil, err
		}
		max, err := cfgFloatPtr(config, "max")
		if err != nil {
			return nil, err
		}
		includeMissing := cfgBool(config, "include_missing", false)
		return applyTransform(ec, config, "filter_by_metric",
			transforms.FilterByMetricRange(metric, min, max, includeMissing))
	}
}

// sorterTracks orders the tracklist. sort_by picks the key: a well-known
// metric (by_user_plays, by_spotify_popularity), an explicit metric_name
// (by_metric), or the release date (by_date).
func (d Dependencies) sorterTracks() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		sortBy, err := cfgString(config, "sort_by")
		if err != nil {
			return nil, err
		}
		reverse := cfgBool(config, "reverse", false)

		var t transforms.Transform
		switch sortBy {
		case "by_user_plays":
			t = transforms.SortByMetric("lastfm_user_playcount", reverse)
		case "by_spotify_popularity":
			t = transforms.SortByMetric("spotify_popularity", reverse)
		case "by_metric":
			metric, err := cfgString(config, "metric_name")
			if err != nil {
				return nil, err
			}
			t = transforms.SortByMetric(metric, reverse)
		case "by_date":
			t = transforms.SortBy(func(track models.Track) (float64, bool) {
				if track.ReleaseDate.IsZero() {
					return 0, false
				}
				return float64(track.ReleaseDate.Unix()), true
			}, "release_date", reverse)
		default:
			return nil, fmt.Errorf("%w: unknown sort_by %q", shared.ErrValidation, sortBy)
		}
		return applyTransform(ec, config, "sort_tracks", t)
	}
}

func (d Dependencies) selectorLimitTracks() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		count, err := cfgInt(config, "count")
		if err != nil {
			return nil, err
		}
		method := cfgStringOr(config, "method", transforms.SelectFirst)
		return applyTransform(ec, config, "limit_tracks",
			transforms.SelectByMethod(count, method))
	}
}

// combinedLists reads the tracklists of every task named in the config's
// sources list, in order.
func combinedLists(ec *engine.Context, config map[string]any) ([]models.TrackList, error) {
	taskIDs, err := cfgStrings(config, "sources")
	if err != nil {
		return nil, err
	}
	lists := make([]models.TrackList, len(taskIDs))
	for i, id := range taskIDs {
		if lists[i], err = ec.TrackList(id); err != nil {
			return nil, err
		}
	}
	return lists, nil
}

func (d Dependencies) combinerMerge() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		lists, err := combinedLists(ec, config)
		if err != nil {
			return nil, err
		}
		out, err := transforms.Concatenate(lists)
		if err != nil {
			return nil, err
		}
		if out, err = transforms.FilterDuplicates()(out); err != nil {
			return nil, err
		}
		return listResult("merge_playlists", out), nil
	}
}

func (d Dependencies) combinerConcatenate() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		lists, err := combinedLists(ec, config)
		if err != nil {
			return nil, err
		}
		out, err := transforms.Concatenate(lists)
		if err != nil {
			return nil, err
		}
		return listResult("concatenate_playlists", out), nil
	}
}

func (d Dependencies) combinerInterleave() engine.NodeFunc {
	return func(ctx context.Context, ec *engine.Context, config map[string]any) (map[string]any, error) {
		lists, err := combinedLists(ec, config)
		if err != nil {
			return nil, err
		}
		stopOnEmpty := cfgBool(config, "stop_on_empty", false)
		out, err := transforms.Interleave(lists, stopOnEmpty)
		if err != nil {
			return nil, err
		}
		return listResult("interleave_playlists", out), nil
	}
}
