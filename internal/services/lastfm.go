// Last.fm connector.
//
// API reference: https://www.last.fm/api. Write calls use the mobile
// session flow with an md5-signed parameter set.
package services

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

const lastfmBaseURL = "https://ws.audioscrobbler.com/2.0/"

// lastfm error codes that mean "the thing does not exist" rather than
// "the service is broken".
const (
	lastfmErrInvalidParams = 6
	lastfmErrAuthFailed    = 4
)

type lastfmError struct {
	Code    int    `json:"error"`
	Message string `json:"message"`
}

type LastfmText struct {
	Text string `json:"#text"`
}

// LastfmTrackInfo is the track.getInfo response payload.
type LastfmTrackInfo struct {
	Track struct {
		Name     string `json:"name"`
		MBID     string `json:"mbid"`
		URL      string `json:"url"`
		Duration string `json:"duration"` // milliseconds as string
		Artist   struct {
			Name string `json:"name"`
			MBID string `json:"mbid"`
		} `json:"artist"`
		Playcount     string `json:"playcount"`
		Listeners     string `json:"listeners"`
		UserPlaycount string `json:"userplaycount"`
		UserLoved     string `json:"userloved"`
	} `json:"track"`
}

// LastfmRecentTrack is one scrobble in user.getRecentTracks.
type LastfmRecentTrack struct {
	Name   string      `json:"name"`
	MBID   string      `json:"mbid"`
	URL    string      `json:"url"`
	Artist LastfmText  `json:"artist"`
	Album  LastfmText  `json:"album"`
	Date   *LastfmDate `json:"date"`
	Attr   *LastfmAttr `json:"@attr"`
}

// LastfmDate carries a scrobble timestamp.
type LastfmDate struct {
	UTS UTS `json:"uts"`
}

// LastfmAttr carries per-entry attributes; nowplaying marks the
// in-progress scrobble.
type LastfmAttr struct {
	NowPlaying string `json:"nowplaying"`
}

// NowPlaying reports whether this entry is the in-progress scrobble.
func (t LastfmRecentTrack) NowPlaying() bool {
	return t.Attr != nil && t.Attr.NowPlaying == "true"
}

// LastfmRecentTracksPage is one page of a user's scrobbles.
type LastfmRecentTracksPage struct {
	Tracks     []LastfmRecentTrack
	Page       int
	TotalPages int
	Total      int
}

type recentTracksResponse struct {
	RecentTracks struct {
		Tracks []LastfmRecentTrack `json:"track"`
		Attr   struct {
			Page       string `json:"page"`
			TotalPages string `json:"totalPages"`
			Total      string `json:"total"`
		} `json:"@attr"`
	} `json:"recenttracks"`
}

// LastfmClient talks to the Last.fm API. Read calls need only the API key;
// LoveTrack needs the secret, username and password for a mobile session.
type LastfmClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	creds      shared.LastfmCredential
	sessionKey string
	logger     *log.Logger
	baseURL    string
}

// NewLastfmClient creates a Last.fm client.
func NewLastfmClient(creds shared.LastfmCredential, logger *log.Logger) (*LastfmClient, error) {
	if creds.Key == "" {
		return nil, fmt.Errorf("%w: lastfm api key is required", shared.ErrMissingCredentials)
	}
	return &LastfmClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Unofficial limit is ~5 requests per second.
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		creds:   creds,
		logger:  logger,
		baseURL: lastfmBaseURL,
	}, nil
}

func (l *LastfmClient) Name() string { return models.ConnectorLastfm }

// GetTrackInfo fetches track.getInfo by mbid or artist/title. A joined
// artist credit that finds nothing is retried per credited artist, in
// order, until one succeeds.
func (l *LastfmClient) GetTrackInfo(ctx context.Context, q TrackInfoQuery) (TrackInfo, error) {
	info, err := l.trackInfo(ctx, q)
	if err == nil {
		return info, nil
	}

	if q.MBID == "" {
		for _, name := range splitArtists(q.Artist) {
			if name == q.Artist {
				continue
			}
			fallback := q
			fallback.Artist = name
			l.logger.Debug("retrying lastfm lookup with single artist",
				"credit", q.Artist, "artist", name)
			if info, ferr := l.trackInfo(ctx, fallback); ferr == nil {
				return info, nil
			}
		}
	}
	return TrackInfo{}, err
}

func (l *LastfmClient) trackInfo(ctx context.Context, q TrackInfoQuery) (TrackInfo, error) {
	params := url.Values{}
	params.Set("method", "track.getInfo")
	if q.MBID != "" {
		params.Set("mbid", q.MBID)
	} else {
		if q.Artist == "" || q.Title == "" {
			return TrackInfo{}, fmt.Errorf("%w: artist and title or mbid required", shared.ErrValidation)
		}
		params.Set("artist", q.Artist)
		params.Set("track", q.Title)
		params.Set("autocorrect", "1")
	}
	if q.Username != "" {
		params.Set("username", q.Username)
	}

	var payload LastfmTrackInfo
	if err := l.call(ctx, params, &payload); err != nil {
		return TrackInfo{}, err
	}
	if payload.Track.Name == "" {
		return TrackInfo{}, fmt.Errorf("%w: lastfm has no track for %q / %q", shared.ErrTrackNotFound, q.Artist, q.Title)
	}

	return TrackInfo{
		Name:          payload.Track.Name,
		Artist:        payload.Track.Artist.Name,
		MBID:          payload.Track.MBID,
		DurationMS:    atoi(payload.Track.Duration),
		Playcount:     atoi(payload.Track.Playcount),
		Listeners:     atoi(payload.Track.Listeners),
		UserPlaycount: atoi(payload.Track.UserPlaycount),
		Loved:         payload.Track.UserLoved == "1",
	}, nil
}

// GetRecentTracks fetches one page of a user's scrobbles between from and
// to (unix seconds, zero means unbounded).
func (l *LastfmClient) GetRecentTracks(ctx context.Context, user string, from, to time.Time, page, limit int) (LastfmRecentTracksPage, error) {
	if user == "" {
		return LastfmRecentTracksPage{}, fmt.Errorf("%w: lastfm username required", shared.ErrValidation)
	}
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	if page <= 0 {
		page = 1
	}

	params := url.Values{}
	params.Set("method", "user.getrecenttracks")
	params.Set("user", user)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("page", strconv.Itoa(page))
	if !from.IsZero() {
		params.Set("from", strconv.FormatInt(from.Unix(), 10))
	}
	if !to.IsZero() {
		params.Set("to", strconv.FormatInt(to.Unix(), 10))
	}

	var payload recentTracksResponse
	if err := l.call(ctx, params, &payload); err != nil {
		return LastfmRecentTracksPage{}, err
	}

	return LastfmRecentTracksPage{
		Tracks:     payload.RecentTracks.Tracks,
		Page:       atoi(payload.RecentTracks.Attr.Page),
		TotalPages: atoi(payload.RecentTracks.Attr.TotalPages),
		Total:      atoi(payload.RecentTracks.Attr.Total),
	}, nil
}

// LoveTrack marks a track loved for the configured user. Requires secret,
// username and password; the session key is fetched once and reused.
func (l *LastfmClient) LoveTrack(ctx context.Context, artist, title string) error {
	if err := l.ensureSession(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("method", "track.love")
	params.Set("artist", artist)
	params.Set("track", title)
	params.Set("api_key", l.creds.Key)
	params.Set("sk", l.sessionKey)
	params.Set("api_sig", l.sign(params))
	params.Set("format", "json")

	return l.post(ctx, params, nil)
}

// ensureSession performs auth.getMobileSession once per client.
func (l *LastfmClient) ensureSession(ctx context.Context) error {
	if l.sessionKey != "" {
		return nil
	}
	if l.creds.Secret == "" || l.creds.Username == "" || l.creds.Password == "" {
		return fmt.Errorf("%w: lastfm secret, username and password required for writes", shared.ErrMissingCredentials)
	}

	params := url.Values{}
	params.Set("method", "auth.getMobileSession")
	params.Set("username", l.creds.Username)
	params.Set("password", l.creds.Password)
	params.Set("api_key", l.creds.Key)
	params.Set("api_sig", l.sign(params))
	params.Set("format", "json")

	var payload struct {
		Session struct {
			Key string `json:"key"`
		} `json:"session"`
	}
	if err := l.post(ctx, params, &payload); err != nil {
		return err
	}
	if payload.Session.Key == "" {
		return fmt.Errorf("%w: lastfm session response carried no key", shared.ErrAuthFailed)
	}
	l.sessionKey = payload.Session.Key
	return nil
}

// sign computes the api_sig: parameters sorted by name, concatenated as
// namevalue, secret appended, md5-hexed. format is excluded by protocol.
func (l *LastfmClient) sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "format" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}
	b.WriteString(l.creds.Secret)
	return fmt.Sprintf("%x", md5.Sum([]byte(b.String())))
}

// call performs a GET request with the api key and json format applied.
func (l *LastfmClient) call(ctx context.Context, params url.Values, result any) error {
	params.Set("api_key", l.creds.Key)
	params.Set("format", "json")

	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return l.do(req, result)
}

// post performs a form POST; params must already carry key, sig and format.
func (l *LastfmClient) post(ctx context.Context, params url.Values, result any) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return l.do(req, result)
}

func (l *LastfmClient) do(req *http.Request, result any) error {
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: lastfm request failed: %v", shared.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read lastfm response: %w", err)
	}

	// Last.fm reports application errors in the body, sometimes with 200.
	var apiErr lastfmError
	if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Code != 0 {
		return translateLastfmError(apiErr)
	}
	if err := statusError("lastfm", resp.StatusCode); err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to decode lastfm response: %w", err)
		}
	}
	return nil
}

func translateLastfmError(e lastfmError) error {
	switch e.Code {
	case lastfmErrInvalidParams:
		return fmt.Errorf("%w: lastfm: %s", shared.ErrTrackNotFound, e.Message)
	case lastfmErrAuthFailed:
		return fmt.Errorf("%w: lastfm: %s", shared.ErrAuthFailed, e.Message)
	case 11, 16, 29:
		// service offline, temporarily unavailable, rate limited
		return fmt.Errorf("%w: lastfm error %d: %s", shared.ErrTransient, e.Code, e.Message)
	}
	return fmt.Errorf("%w: lastfm error %d: %s", shared.ErrPermanent, e.Code, e.Message)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
