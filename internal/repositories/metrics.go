package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/models"
)

// MetricPoint is one metric observation to persist.
type MetricPoint struct {
	TrackID       int
	ConnectorName string
	MetricType    string
	Value         float64
}

// MetricsRepository persists time-series track metrics. Reads return the
// most recent value per track; history stays queryable by collection date.
type MetricsRepository struct {
	db     querier
	logger *log.Logger
}

// NewMetricsRepository creates a MetricsRepository.
func NewMetricsRepository(db *sql.DB, logger *log.Logger) *MetricsRepository {
	return &MetricsRepository{db: db, logger: logger}
}

// WithTx rebinds the repository to an open transaction.
func (r *MetricsRepository) WithTx(tx *sql.Tx) *MetricsRepository {
	return &MetricsRepository{db: tx, logger: r.logger}
}

// GetTrackMetrics returns the most recent value per track for one metric,
// restricted to values collected within maxAge. Keys never fall outside
// trackIDs. A maxAge of zero disables the freshness filter.
func (r *MetricsRepository) GetTrackMetrics(ctx context.Context, trackIDs []int, metricType, connector string, maxAge time.Duration) (map[int]float64, error) {
	if len(trackIDs) == 0 {
		return map[int]float64{}, nil
	}
	start := now()

	query := fmt.Sprintf(`
		SELECT track_id, value, MAX(collected_at)
		FROM track_metrics
		WHERE track_id IN (%s) AND metric_type = ? AND connector_name = ? AND is_deleted = 0
	`, placeholders(len(trackIDs)))
	args := append(intArgs(trackIDs), metricType, connector)

	if maxAge > 0 {
		query += " AND collected_at >= ?"
		args = append(args, now().Add(-maxAge))
	}
	query += " GROUP BY track_id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "get_track_metrics")
	}
	defer rows.Close()

	out := make(map[int]float64)
	for rows.Next() {
		var (
			trackID   int
			value     float64
			// MAX() strips the column's decltype, so the driver yields a raw
			// string rather than a time.Time; the value is discarded anyway.
			collected any
		)
		if err := rows.Scan(&trackID, &value, &collected); err != nil {
			return nil, classify(err, "get_track_metrics")
		}
		out[trackID] = value
	}
	logOp(r.logger, "get_track_metrics", start, "metric", metricType, "requested", len(trackIDs), "found", len(out))
	return out, rows.Err()
}

// SaveTrackMetrics upserts a batch of metric points with a shared collection
// timestamp. Re-collection at the same instant replaces; otherwise a new
// history row is appended.
func (r *MetricsRepository) SaveTrackMetrics(ctx context.Context, points []MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	start := now()
	ts := now()
	for _, p := range points {
		_, err := r.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO track_metrics
				(track_id, connector_name, metric_type, value, collected_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.TrackID, p.ConnectorName, p.MetricType, p.Value, ts, ts, ts)
		if err != nil {
			return classify(err, "save_track_metrics")
		}
	}
	logOp(r.logger, "save_track_metrics", start, "points", len(points))
	return nil
}

// GetMetricHistory returns every recorded point for one track and metric,
// oldest first, for trend queries.
func (r *MetricsRepository) GetMetricHistory(ctx context.Context, trackID int, metricType, connector string) ([]models.TrackMetric, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, track_id, connector_name, metric_type, value, collected_at
		FROM track_metrics
		WHERE track_id = ? AND metric_type = ? AND connector_name = ? AND is_deleted = 0
		ORDER BY collected_at ASC
	`, trackID, metricType, connector)
	if err != nil {
		return nil, classify(err, "get_metric_history")
	}
	defer rows.Close()

	var history []models.TrackMetric
	for rows.Next() {
		var m models.TrackMetric
		if err := rows.Scan(&m.ID, &m.TrackID, &m.ConnectorName, &m.MetricType, &m.Value, &m.CollectedAt); err != nil {
			return nil, classify(err, "get_metric_history")
		}
		m.CollectedAt = m.CollectedAt.UTC()
		history = append(history, m)
	}
	return history, rows.Err()
}
