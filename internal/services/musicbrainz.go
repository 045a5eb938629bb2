// MusicBrainz client.
//
// Used only for ISRC to recording-MBID resolution. MusicBrainz allows one
// request per second for anonymous clients and requires a User-Agent that
// identifies the application.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

const (
	musicbrainzBaseURL   = "https://musicbrainz.org/ws/2"
	musicbrainzUserAgent = "cadenza/0.1 ( https://github.com/cadenza-fm/cadenza )"
)

// MBRecording is a MusicBrainz recording search result.
type MBRecording struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Length       int      `json:"length"` // milliseconds
	ISRCs        []string `json:"isrcs"`
	ArtistCredit []struct {
		Name   string `json:"name"`
		Artist struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"artist"`
	} `json:"artist-credit"`
}

type mbSearchResponse struct {
	Count      int           `json:"count"`
	Recordings []MBRecording `json:"recordings"`
}

// MusicBrainzClient resolves ISRCs and searches recordings.
type MusicBrainzClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger
	baseURL    string
}

// NewMusicBrainzClient creates a client with the mandated request spacing.
func NewMusicBrainzClient(logger *log.Logger) *MusicBrainzClient {
	return &MusicBrainzClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Slightly above the 1 req/s minimum to stay clear of 503s.
		limiter: rate.NewLimiter(rate.Every(1100*time.Millisecond), 1),
		logger:  logger,
		baseURL: musicbrainzBaseURL,
	}
}

func (m *MusicBrainzClient) Name() string { return models.ConnectorMusicBrainz }

// BatchISRCLookup resolves each ISRC to its recording, serially so the
// limiter spacing holds. Absent ISRCs are skipped, not errors; the result
// only carries resolved entries.
func (m *MusicBrainzClient) BatchISRCLookup(ctx context.Context, isrcs []string) (map[string]MBRecording, error) {
	out := make(map[string]MBRecording, len(isrcs))
	for _, isrc := range isrcs {
		if isrc == "" {
			continue
		}
		rec, err := m.LookupISRC(ctx, isrc)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			m.logger.Debug("isrc lookup failed", "isrc", isrc, "error", err)
			continue
		}
		out[isrc] = rec
	}
	return out, nil
}

// LookupISRC resolves one ISRC to its best recording.
func (m *MusicBrainzClient) LookupISRC(ctx context.Context, isrc string) (MBRecording, error) {
	query := fmt.Sprintf(`isrc:"%s"`, isrc)
	recordings, err := m.search(ctx, query)
	if err != nil {
		return MBRecording{}, err
	}
	if len(recordings) == 0 {
		return MBRecording{}, fmt.Errorf("%w: no recording for isrc %s", shared.ErrTrackNotFound, isrc)
	}
	return recordings[0], nil
}

// SearchRecording searches recordings by artist and title.
func (m *MusicBrainzClient) SearchRecording(ctx context.Context, artist, title string) ([]MBRecording, error) {
	if artist == "" && title == "" {
		return nil, fmt.Errorf("%w: artist or title required", shared.ErrValidation)
	}
	var parts []string
	if title != "" {
		parts = append(parts, fmt.Sprintf(`recording:"%s"`, title))
	}
	if artist != "" {
		parts = append(parts, fmt.Sprintf(`artist:"%s"`, artist))
	}
	return m.search(ctx, strings.Join(parts, " AND "))
}

func (m *MusicBrainzClient) search(ctx context.Context, query string) ([]MBRecording, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/recording?query=%s&fmt=json&inc=isrcs", m.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", musicbrainzUserAgent)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: musicbrainz request failed: %v", shared.ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := statusError("musicbrainz", resp.StatusCode); err != nil {
		return nil, err
	}

	var result mbSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode musicbrainz response: %w", err)
	}
	return result.Recordings, nil
}
