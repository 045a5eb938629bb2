// Package transforms provides pure functions over track lists. Each
// constructor returns a Transform that leaves its input untouched and
// records what it did in the output's metadata, so a pipeline's result
// carries its own provenance.
package transforms

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// Transform maps one TrackList to another without mutating the input.
type Transform func(models.TrackList) (models.TrackList, error)

// Selection methods accepted by SelectByMethod.
const (
	SelectFirst  = "first"
	SelectLast   = "last"
	SelectRandom = "random"
)

// Pipeline composes transforms left to right: the first argument runs
// first. An empty pipeline is the identity.
func Pipeline(ts ...Transform) Transform {
	return func(tl models.TrackList) (models.TrackList, error) {
		var err error
		for _, t := range ts {
			tl, err = t(tl)
			if err != nil {
				return models.TrackList{}, err
			}
		}
		return tl, nil
	}
}

// FilterByPredicate keeps the tracks pred accepts.
func FilterByPredicate(pred func(models.Track) bool) Transform {
	return func(tl models.TrackList) (models.TrackList, error) {
		kept := make([]models.Track, 0, len(tl.Tracks))
		for _, t := range tl.Tracks {
			if pred(t) {
				kept = append(kept, t)
			}
		}
		return tl.WithTracks(kept).
			WithMetadata("filtered_count", len(tl.Tracks)-len(kept)), nil
	}
}

// FilterDuplicates removes tracks whose database id was already seen.
// Tracks without an id are kept as-is, there is nothing to compare them by.
func FilterDuplicates() Transform {
	return func(tl models.TrackList) (models.TrackList, error) {
		seen := make(map[int]bool, len(tl.Tracks))
		kept := make([]models.Track, 0, len(tl.Tracks))
		withoutIDs := 0
		for _, t := range tl.Tracks {
			if t.ID == 0 {
				withoutIDs++
				kept = append(kept, t)
				continue
			}
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			kept = append(kept, t)
		}
		return tl.WithTracks(kept).
			WithMetadata("original_count", len(tl.Tracks)).
			WithMetadata("duplicates_removed", len(tl.Tracks)-len(kept)).
			WithMetadata("tracks_without_ids", withoutIDs), nil
	}
}

// FilterByDateRange keeps tracks whose release date age in days falls in
// [minAgeDays, maxAgeDays]. A nil bound is open. Tracks without a release
// date are dropped when any bound is set.
func FilterByDateRange(minAgeDays, maxAgeDays *int) Transform {
	return func(tl models.TrackList) (models.TrackList, error) {
		if minAgeDays == nil && maxAgeDays == nil {
			return tl, nil
		}
		now := time.Now().UTC()
		kept := make([]models.Track, 0, len(tl.Tracks))
		for _, t := range tl.Tracks {
			if t.ReleaseDate.IsZero() {
				continue
			}
			age := int(now.Sub(t.ReleaseDate).Hours() / 24)
			if minAgeDays != nil && age < *minAgeDays {
				continue
			}
			if maxAgeDays != nil && age > *maxAgeDays {
				continue
			}
			kept = append(kept, t)
		}
		return tl.WithTracks(kept).
			WithMetadata("filtered_count", len(tl.Tracks)-len(kept)), nil
	}
}

// ExcludeTracks drops tracks that appear in reference, matched by id when
// both sides have one, else by normalized title and primary artist.
func ExcludeTracks(reference []models.Track) Transform {
	refIDs := make(map[int]bool, len(reference))
	refKeys := make(map[string]bool, len(reference))
	for _, t := range reference {
		if t.ID != 0 {
			refIDs[t.ID] = true
		}
		refKeys[shared.NormalizeTrackKey(t.Title, t.PrimaryArtist())] = true
	}
	return FilterByPredicate(func(t models.Track) bool {
		if t.ID != 0 && refIDs[t.ID] {
			return false
		}
		return !refKeys[shared.NormalizeTrackKey(t.Title, t.PrimaryArtist())]
	})
}

// ExcludeArtists drops tracks by any artist appearing in reference. With
// allArtists false only primary artists are compared on both sides.
func ExcludeArtists(reference []models.Track, allArtists bool) Transform {
	excluded := make(map[string]bool)
	for _, t := range reference {
		if allArtists {
			for _, name := range t.ArtistNames() {
				excluded[normalizeName(name)] = true
			}
		} else {
			excluded[normalizeName(t.PrimaryArtist())] = true
		}
	}
	return FilterByPredicate(func(t models.Track) bool {
		if allArtists {
			for _, name := range t.ArtistNames() {
				if excluded[normalizeName(name)] {
					return false
				}
			}
			return true
		}
		return !excluded[normalizeName(t.PrimaryArtist())]
	})
}

func normalizeName(s string) string {
	return shared.NormalizeTrackKey("", s)
}

// FilterByMetricRange keeps tracks whose metric value falls in [min, max].
// Nil bounds are open. includeMissing decides the fate of tracks without a
// value (including id-less tracks).
func FilterByMetricRange(metric string, min, max *float64, includeMissing bool) Transform {
	return func(tl models.TrackList) (models.TrackList, error) {
		metrics, err := tl.Metrics()
		if err != nil {
			return models.TrackList{}, err
		}
		values := metrics[metric]
		kept := make([]models.Track, 0, len(tl.Tracks))
		for _, t := range tl.Tracks {
			v, ok := values[t.ID]
			if t.ID == 0 || !ok {
				if includeMissing {
					kept = append(kept, t)
				}
				continue
			}
			if min != nil && v < *min {
				continue
			}
			if max != nil && v > *max {
				continue
			}
			kept = append(kept, t)
		}
		return tl.WithTracks(kept).
			WithMetadata("filtered_count", len(tl.Tracks)-len(kept)).
			WithMetadata("filter_metric", metric), nil
	}
}

// SortBy orders tracks by the float key keyFn extracts. A missing key
// (second return false) sinks to the end regardless of direction. The
// realized sort keys are written back into the metrics metadata under
// metric, so downstream nodes can see what the order was based on.
func SortBy(keyFn func(models.Track) (float64, bool), metric string, reverse bool) Transform {
	return func(tl models.TrackList) (models.TrackList, error) {
		if _, err := tl.Metrics(); err != nil {
			return models.TrackList{}, err
		}

		type keyed struct {
			track models.Track
			key   float64
			has   bool
		}
		items := make([]keyed, len(tl.Tracks))
		for i, t := range tl.Tracks {
			k, ok := keyFn(t)
			items[i] = keyed{track: t, key: k, has: ok}
		}

		// Stable sort keeps insertion order for ties; missing values
		// always compare last.
		sort.SliceStable(items, func(i, j int) bool {
			a, b := items[i], items[j]
			if a.has != b.has {
				return a.has
			}
			if !a.has {
				return false
			}
			if reverse {
				return a.key > b.key
			}
			return a.key < b.key
		})

		sorted := make([]models.Track, len(items))
		keys := make(map[int]float64, len(items))
		for i, it := range items {
			sorted[i] = it.track
			if it.has && it.track.ID != 0 {
				keys[it.track.ID] = it.key
			}
		}

		out := tl.WithTracks(sorted).
			WithMetadata("sorted_by", metric).
			WithMetadata("sort_reverse", reverse)
		if len(keys) > 0 {
			out = out.WithMetric(metric, keys)
		}
		return out, nil
	}
}

// SortByMetric orders tracks by a named metric from the metrics metadata.
func SortByMetric(metric string, reverse bool) Transform {
	return func(tl models.TrackList) (models.TrackList, error) {
		metrics, err := tl.Metrics()
		if err != nil {
			return models.TrackList{}, err
		}
		values := metrics[metric]
		return SortBy(func(t models.Track) (float64, bool) {
			v, ok := values[t.ID]
			return v, ok && t.ID != 0
		}, metric, reverse)(tl)
	}
}

// Limit keeps the first n tracks.
func Limit(n int) Transform {
	return func(tl models.TrackList) (models.TrackList, error) {
		if n < 0 {
			return models.TrackList{}, fmt.Errorf("%w: limit must be non-negative, got %d", shared.ErrValidation, n)
		}
		if n > len(tl.Tracks) {
			n = len(tl.Tracks)
		}
		return tl.WithTracks(tl.Tracks[:n]).
			WithMetadata("original_count", len(tl.Tracks)), nil
	}
}

// TakeLast keeps the last n tracks.
func TakeLast(n int) Transform {
	return func(tl models.TrackList) (models.TrackList, error) {
		if n < 0 {
			return models.TrackList{}, fmt.Errorf("%w: count must be non-negative, got %d", shared.ErrValidation, n)
		}
		if n > len(tl.Tracks) {
			n = len(tl.Tracks)
		}
		return tl.WithTracks(tl.Tracks[len(tl.Tracks)-n:]).
			WithMetadata("original_count", len(tl.Tracks)), nil
	}
}

// SampleRandom keeps n tracks drawn uniformly, preserving their original
// relative order.
func SampleRandom(n int) Transform {
	return func(tl models.TrackList) (models.TrackList, error) {
		if n < 0 {
			return models.TrackList{}, fmt.Errorf("%w: count must be non-negative, got %d", shared.ErrValidation, n)
		}
		if n >= len(tl.Tracks) {
			return tl.WithMetadata("original_count", len(tl.Tracks)), nil
		}
		picked := rand.Perm(len(tl.Tracks))[:n]
		inSample := make(map[int]bool, n)
		for _, i := range picked {
			inSample[i] = true
		}
		kept := make([]models.Track, 0, n)
		for i, t := range tl.Tracks {
			if inSample[i] {
				kept = append(kept, t)
			}
		}
		return tl.WithTracks(kept).
			WithMetadata("original_count", len(tl.Tracks)), nil
	}
}

// SelectByMethod keeps n tracks chosen by method (first, last or random)
// and records the selection in metadata.
func SelectByMethod(n int, method string) Transform {
	return func(tl models.TrackList) (models.TrackList, error) {
		var inner Transform
		switch method {
		case SelectFirst:
			inner = Limit(n)
		case SelectLast:
			inner = TakeLast(n)
		case SelectRandom:
			inner = SampleRandom(n)
		default:
			return models.TrackList{}, fmt.Errorf("%w: unknown selection method %q", shared.ErrValidation, method)
		}
		out, err := inner(tl)
		if err != nil {
			return models.TrackList{}, err
		}
		return out.WithMetadata("selection_method", method).
			WithMetadata("original_count", len(tl.Tracks)), nil
	}
}

// Concatenate appends the lists in order. Metadata from the first list
// wins on key conflicts; metrics maps are merged.
func Concatenate(lists []models.TrackList) (models.TrackList, error) {
	var tracks []models.Track
	for _, tl := range lists {
		tracks = append(tracks, tl.Tracks...)
	}
	out := models.NewTrackList(tracks)
	out = out.WithMetadata("combined_count", len(lists))
	return mergeMetrics(out, lists)
}

// Interleave round-robins over the lists. With stopOnEmpty true, output
// stops as soon as any list runs out: tracks already taken from earlier
// lists in that round are kept, and nothing is emitted after. Otherwise
// exhausted lists are skipped until all are drained.
func Interleave(lists []models.TrackList, stopOnEmpty bool) (models.TrackList, error) {
	var tracks []models.Track
	cursors := make([]int, len(lists))
	for {
		emitted := false
		for i, tl := range lists {
			if cursors[i] >= len(tl.Tracks) {
				if stopOnEmpty {
					emitted = false
					break
				}
				continue
			}
			tracks = append(tracks, tl.Tracks[cursors[i]])
			cursors[i]++
			emitted = true
		}
		if !emitted {
			break
		}
	}
	out := models.NewTrackList(tracks)
	out = out.WithMetadata("combined_count", len(lists)).
		WithMetadata("interleaved", true)
	return mergeMetrics(out, lists)
}

// mergeMetrics carries every source list's metrics into out. Later lists
// win per track id, matching concatenation order.
func mergeMetrics(out models.TrackList, lists []models.TrackList) (models.TrackList, error) {
	for _, tl := range lists {
		metrics, err := tl.Metrics()
		if err != nil {
			return models.TrackList{}, err
		}
		for metric, values := range metrics {
			out = out.WithMetric(metric, values)
		}
	}
	return out, nil
}
