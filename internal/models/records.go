package models

import "time"

// Match methods recorded on track mappings. A mapping created by ingesting a
// track from its own connector is "direct"; mappings created by
// cross-resolution carry the resolver's method. MBID mappings derived from
// an ISRC lookup are recorded as MatchMethodISRC.
const (
	MatchMethodDirect      = "direct"
	MatchMethodISRC        = "isrc"
	MatchMethodMBID        = "mbid"
	MatchMethodArtistTitle = "artist_title"
	MatchMethodCached      = "cached"
)

// Confidence scores by match method. Matches missing a track duration lose
// ConfidencePenaltyNoDuration; final scores clamp to [0, 100].
const (
	ConfidenceDirect            = 100
	ConfidenceCached            = 98
	ConfidenceMBID              = 95
	ConfidenceISRC              = 90
	ConfidenceArtistTitle       = 85
	ConfidencePenaltyNoDuration = 5
)

// Checkpoint entity types.
const (
	EntityLikes = "likes"
	EntityPlays = "plays"
)

// Audit carries the bookkeeping columns present on every persisted row.
type Audit struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	IsDeleted bool
	DeletedAt *time.Time
}

// ConnectorTrack is a track as it exists on one external service, keyed by
// (connector name, connector track id). RawMetadata preserves the service's
// fields verbatim; matching information never lives here.
type ConnectorTrack struct {
	ID               int
	ConnectorName    string
	ConnectorTrackID string
	Title            string
	Artists          []Artist
	Album            string
	DurationMS       int
	ReleaseDate      time.Time
	ISRC             string
	RawMetadata      map[string]any
	LastUpdated      time.Time
	Audit
}

// TrackMapping links a canonical track to a ConnectorTrack. The original
// match method and confidence are preserved for the life of the mapping;
// re-observation only refreshes LastVerified.
type TrackMapping struct {
	ID                 int
	TrackID            int
	ConnectorTrackRef  int // connector_tracks.id
	ConnectorName      string
	ConnectorTrackID   string // external id, denormalized for callers
	MatchMethod        string
	Confidence         int
	ConfidenceEvidence map[string]any
	LastVerified       time.Time
	Audit
}

// TrackMetric is one time-series point of a named signal about a track.
type TrackMetric struct {
	ID            int
	TrackID       int
	ConnectorName string
	MetricType    string
	Value         float64
	CollectedAt   time.Time
	Audit
}

// TrackLike is the per-service preference state of a track.
type TrackLike struct {
	ID         int
	TrackID    int
	Service    string
	IsLiked    bool
	LikedAt    *time.Time
	LastSynced *time.Time
	Audit
}

// TrackPlay is an immutable play event.
type TrackPlay struct {
	ID       int
	TrackID  int
	Service  string
	PlayedAt time.Time
	MSPlayed int
	Context  map[string]any
	Audit
}

// PlaylistTrack is the ordered playlist membership row. SortKey is a
// lexicographically sortable string ("a00000005") so reordering never
// renumbers sibling rows.
type PlaylistTrack struct {
	ID         int
	PlaylistID int
	TrackID    int
	SortKey    string
	Audit
}

// PlaylistMapping links a stored playlist to its representation on a connector.
type PlaylistMapping struct {
	ID                  int
	PlaylistID          int
	ConnectorName       string
	ConnectorPlaylistID string
	Audit
}

// SyncCheckpoint records how far an incremental sync has progressed for
// (user, service, entity type).
type SyncCheckpoint struct {
	ID            int
	UserID        string
	Service       string
	EntityType    string
	LastTimestamp *time.Time
	Cursor        string
	Audit
}
