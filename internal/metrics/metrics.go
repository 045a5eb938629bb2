// Package metrics resolves named track metrics. A metric is identified by
// a registry name like "lastfm_user_playcount"; the registry knows which
// connector owns it, which raw metadata field carries it, and how fresh a
// stored value has to be before the metadata fallback kicks in.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/repositories"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// ConnectorMetrics maps each metric name to the connector that produces it.
var ConnectorMetrics = map[string]string{
	"lastfm_user_playcount":   models.ConnectorLastfm,
	"lastfm_global_playcount": models.ConnectorLastfm,
	"lastfm_listeners":        models.ConnectorLastfm,
	"spotify_popularity":      models.ConnectorSpotify,
}

// FieldMappings maps each metric name to its field in raw connector
// metadata, for the fallback path and ingest-time extraction.
var FieldMappings = map[string]string{
	"lastfm_user_playcount":   "userplaycount",
	"lastfm_global_playcount": "playcount",
	"lastfm_listeners":        "listeners",
	"spotify_popularity":      "popularity",
}

// MetricFreshness holds per-metric TTLs. User playcounts drift fast, so
// they expire sooner than the global numbers.
var MetricFreshness = map[string]time.Duration{
	"lastfm_user_playcount": time.Hour,
}

// DefaultFreshness applies to metrics without an entry in MetricFreshness.
const DefaultFreshness = 24 * time.Hour

// Freshness returns the TTL for a metric.
func Freshness(metric string) time.Duration {
	if ttl, ok := MetricFreshness[metric]; ok {
		return ttl
	}
	return DefaultFreshness
}

// MetricStore reads and writes persisted metric values.
type MetricStore interface {
	GetTrackMetrics(ctx context.Context, trackIDs []int, metricType, connector string, maxAge time.Duration) (map[int]float64, error)
	SaveTrackMetrics(ctx context.Context, points []repositories.MetricPoint) error
}

// MetadataStore reads stored raw connector metadata.
type MetadataStore interface {
	GetConnectorMetadata(ctx context.Context, trackIDs []int, connector, field string) (map[int]map[string]any, error)
}

// Resolver answers "give me metric X for these tracks" from fresh stored
// values first, then from raw connector metadata.
type Resolver struct {
	store    MetricStore
	metadata MetadataStore
	logger   *log.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store MetricStore, metadata MetadataStore, logger *log.Logger) *Resolver {
	return &Resolver{store: store, metadata: metadata, logger: logger}
}

// Resolve returns the metric's value per track id. Tracks with no value
// from either source are absent from the result, never zero-filled.
func (r *Resolver) Resolve(ctx context.Context, metric string, trackIDs []int) (map[int]float64, error) {
	connector, ok := ConnectorMetrics[metric]
	if !ok {
		return nil, fmt.Errorf("%w: unknown metric %q", shared.ErrValidation, metric)
	}
	if len(trackIDs) == 0 {
		return map[int]float64{}, nil
	}

	values, err := r.store.GetTrackMetrics(ctx, trackIDs, metric, connector, Freshness(metric))
	if err != nil {
		return nil, err
	}

	var missing []int
	for _, id := range trackIDs {
		if _, ok := values[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return values, nil
	}

	fallback, err := r.fromMetadata(ctx, metric, connector, missing)
	if err != nil {
		return nil, err
	}
	for id, v := range fallback {
		values[id] = v
	}

	r.logger.Debug("resolved metric", "metric", metric,
		"requested", len(trackIDs), "fresh", len(values)-len(fallback), "fallback", len(fallback))
	return values, nil
}

// fromMetadata mines raw connector metadata for the metric's field,
// converts to float64, and persists what it found so the next resolve is
// a fresh-store hit.
func (r *Resolver) fromMetadata(ctx context.Context, metric, connector string, trackIDs []int) (map[int]float64, error) {
	field := FieldMappings[metric]
	meta, err := r.metadata.GetConnectorMetadata(ctx, trackIDs, connector, field)
	if err != nil {
		return nil, err
	}

	found := make(map[int]float64)
	var points []repositories.MetricPoint
	for trackID, fields := range meta {
		raw, ok := fields[field]
		if !ok {
			continue
		}
		value, ok := toFloat(raw)
		if !ok {
			r.logger.Warn("skipping unconvertible metric value",
				"metric", metric, "track_id", trackID, "value", raw)
			continue
		}
		found[trackID] = value
		points = append(points, repositories.MetricPoint{
			TrackID:       trackID,
			ConnectorName: connector,
			MetricType:    metric,
			Value:         value,
		})
	}

	if len(points) > 0 {
		if err := r.store.SaveTrackMetrics(ctx, points); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// ExtractFromRaw pulls every registered metric for connector out of a raw
// metadata map. Wired into ingestion as the repository's MetricExtractor.
func ExtractFromRaw(connector string, raw map[string]any) map[string]float64 {
	out := make(map[string]float64)
	for metric, owner := range ConnectorMetrics {
		if owner != connector {
			continue
		}
		value, ok := raw[FieldMappings[metric]]
		if !ok {
			continue
		}
		if v, ok := toFloat(value); ok {
			out[metric] = v
		}
	}
	return out
}

// toFloat converts the value shapes that show up in connector metadata:
// numbers, json.Number, and numeric strings (Last.fm counts are strings).
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
