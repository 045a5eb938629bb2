package models

import (
	"fmt"

	"github.com/cadenza-fm/cadenza/internal/shared"
)

// MetricMap holds per-track metric values keyed by metric name, then by
// integer track id. String-keyed metric maps are a defect and are rejected
// at every ingress (see MetricsFromMetadata).
type MetricMap = map[string]map[int]float64

// Well-known TrackList metadata keys.
const (
	MetaMetrics            = "metrics"
	MetaSourcePlaylistName = "source_playlist_name"
)

// TrackList is an ephemeral ordered sequence of tracks plus arbitrary
// metadata. It is the value nodes exchange through the workflow context and
// is never persisted directly.
type TrackList struct {
	Tracks   []Track
	Metadata map[string]any
}

// NewTrackList creates a TrackList over a copy of tracks.
func NewTrackList(tracks []Track) TrackList {
	return TrackList{
		Tracks:   append([]Track(nil), tracks...),
		Metadata: map[string]any{},
	}
}

// EnsureTrackList builds a TrackList from a playlist, copying its tracks and
// recording the source playlist name.
func EnsureTrackList(p Playlist) TrackList {
	tl := NewTrackList(p.Tracks)
	tl.Metadata[MetaSourcePlaylistName] = p.Name
	return tl
}

func (tl TrackList) cloneMetadata() map[string]any {
	md := make(map[string]any, len(tl.Metadata))
	for k, v := range tl.Metadata {
		md[k] = v
	}
	return md
}

// WithTracks returns a copy holding tracks, preserving metadata.
func (tl TrackList) WithTracks(tracks []Track) TrackList {
	return TrackList{
		Tracks:   append([]Track(nil), tracks...),
		Metadata: tl.cloneMetadata(),
	}
}

// WithMetadata returns a copy with one metadata key set.
func (tl TrackList) WithMetadata(key string, value any) TrackList {
	md := tl.cloneMetadata()
	md[key] = value
	return TrackList{Tracks: append([]Track(nil), tl.Tracks...), Metadata: md}
}

// WithMetric returns a copy with the named metric merged into the metrics
// metadata, integer-keyed by track id.
func (tl TrackList) WithMetric(name string, values map[int]float64) TrackList {
	metrics, err := MetricsFromMetadata(tl.Metadata[MetaMetrics])
	if err != nil || metrics == nil {
		metrics = MetricMap{}
	}
	merged := make(MetricMap, len(metrics)+1)
	for metric, byTrack := range metrics {
		cp := make(map[int]float64, len(byTrack))
		for id, v := range byTrack {
			cp[id] = v
		}
		merged[metric] = cp
	}
	cp := merged[name]
	if cp == nil {
		cp = make(map[int]float64, len(values))
	}
	for id, v := range values {
		cp[id] = v
	}
	merged[name] = cp
	return tl.WithMetadata(MetaMetrics, merged)
}

// Metrics returns the metrics metadata, validating key types. A nil map is
// returned when no metrics have been recorded.
func (tl TrackList) Metrics() (MetricMap, error) {
	return MetricsFromMetadata(tl.Metadata[MetaMetrics])
}

// MetricsFromMetadata validates an untyped metrics value from TrackList
// metadata. String-keyed inner maps are reported as a validation error,
// never silently coerced.
func MetricsFromMetadata(v any) (MetricMap, error) {
	if v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case MetricMap:
		return m, nil
	case map[string]any:
		out := make(MetricMap, len(m))
		for name, inner := range m {
			byTrack, ok := inner.(map[int]float64)
			if !ok {
				return nil, fmt.Errorf("%w: metrics for %q must be keyed by integer track id, got %T", shared.ErrValidation, name, inner)
			}
			out[name] = byTrack
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: metrics metadata has invalid type %T", shared.ErrValidation, v)
	}
}

// TrackIDs returns the database ids of all tracks that have one, in order.
func (tl TrackList) TrackIDs() []int {
	ids := make([]int, 0, len(tl.Tracks))
	for _, t := range tl.Tracks {
		if t.ID != 0 {
			ids = append(ids, t.ID)
		}
	}
	return ids
}
