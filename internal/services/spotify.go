// Spotify connector.
//
// Response types based on https://developer.spotify.com/documentation/web-api/reference/
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

const (
	spotifyAuthURL  = "https://accounts.spotify.com/authorize"
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyBaseURL  = "https://api.spotify.com/v1"

	// Spotify caps add/replace payloads at 100 uris per call.
	spotifyWriteChunk = 100
	spotifyPageLimit  = 50
)

type externalIDs struct {
	ISRC string `json:"isrc"`
}

// SpotifyTrack represents a Spotify track object.
type SpotifyTrack struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Artists     []SpotifyArtist `json:"artists"`
	Album       SpotifyAlbum    `json:"album"`
	DurationMS  int             `json:"duration_ms"`
	Explicit    bool            `json:"explicit"`
	ExternalIDs externalIDs     `json:"external_ids"`
	Popularity  int             `json:"popularity"`
	URI         string          `json:"uri"`
}

// SpotifyArtist represents a Spotify artist object.
type SpotifyArtist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// SpotifyAlbum represents a Spotify album object.
type SpotifyAlbum struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ReleaseDate string `json:"release_date"` // YYYY, YYYY-MM, or YYYY-MM-DD
	URI         string `json:"uri"`
}

// SpotifyPlaylist represents a full playlist object.
type SpotifyPlaylist struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Public      bool   `json:"public"`
	Tracks      struct {
		Total int                   `json:"total"`
		Next  *string               `json:"next"`
		Items []SpotifyPlaylistItem `json:"items"`
	} `json:"tracks"`
	URI string `json:"uri"`
}

// SpotifyPlaylistItem is a track within a playlist context.
type SpotifyPlaylistItem struct {
	AddedAt string       `json:"added_at"`
	Track   SpotifyTrack `json:"track"`
}

type spotifyTrackPage struct {
	Items []SpotifyPlaylistItem `json:"items"`
	Total int                   `json:"total"`
	Next  *string               `json:"next"`
}

// SpotifySavedTrackPage is one page of the user's liked tracks.
type SpotifySavedTrackPage struct {
	Items []SpotifySavedTrack `json:"items"`
	Total int                 `json:"total"`
	Next  *string             `json:"next"`
}

// SpotifySavedTrack is a liked track with its save timestamp.
type SpotifySavedTrack struct {
	AddedAt string       `json:"added_at"`
	Track   SpotifyTrack `json:"track"`
}

// SpotifyConnector implements Connector against the Spotify Web API using
// oauth2 for authentication.
type SpotifyConnector struct {
	config     *oauth2.Config
	token      *oauth2.Token
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger
	baseURL    string
}

// NewSpotifyConnector creates a Spotify connector from configured credentials.
func NewSpotifyConnector(creds shared.SpotifyConfig, logger *log.Logger) (*SpotifyConnector, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("%w: spotify client_id and client_secret are required", shared.ErrMissingCredentials)
	}
	redirect := creds.RedirectURI
	if redirect == "" {
		redirect = "http://localhost:8080/callback"
	}

	config := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirect,
		Scopes: []string{
			"playlist-read-private",
			"playlist-read-collaborative",
			"playlist-modify-public",
			"playlist-modify-private",
			"user-library-read",
		},
		Endpoint: oauth2.Endpoint{
			AuthURL:  spotifyAuthURL,
			TokenURL: spotifyTokenURL,
		},
	}

	return &SpotifyConnector{
		config:     config,
		httpClient: http.DefaultClient,
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		logger:     logger,
		baseURL:    spotifyBaseURL,
	}, nil
}

func (s *SpotifyConnector) Name() string { return models.ConnectorSpotify }

// GetAuthURL returns the OAuth2 authorization URL for user login.
func (s *SpotifyConnector) GetAuthURL(state string) string {
	return s.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// OAuthConfig exposes the underlying OAuth2 configuration for callback
// handling during the authorization flow.
func (s *SpotifyConnector) OAuthConfig() *oauth2.Config {
	return s.config
}

// AuthenticateToken installs a previously saved token pair. A refresh token
// lets the client renew expired access tokens transparently.
func (s *SpotifyConnector) AuthenticateToken(ctx context.Context, token *oauth2.Token) error {
	if token == nil || (token.AccessToken == "" && token.RefreshToken == "") {
		return fmt.Errorf("%w: token required", shared.ErrMissingCredentials)
	}
	s.token = token
	s.httpClient = s.config.Client(ctx, token)
	return nil
}

// Authenticate installs a token from an access token or authorization code.
func (s *SpotifyConnector) Authenticate(ctx context.Context, accessToken, authCode string) error {
	if accessToken != "" {
		s.token = &oauth2.Token{AccessToken: accessToken}
		s.httpClient = s.config.Client(ctx, s.token)
		return nil
	}
	if authCode != "" {
		token, err := s.config.Exchange(ctx, authCode)
		if err != nil {
			return fmt.Errorf("%w: failed to exchange auth code: %v", shared.ErrAuthFailed, err)
		}
		s.token = token
		s.httpClient = s.config.Client(ctx, s.token)
		return nil
	}
	return fmt.Errorf("%w: access token or auth code required", shared.ErrMissingCredentials)
}

// doRequest performs an authenticated request against the Spotify API.
func (s *SpotifyConnector) doRequest(ctx context.Context, method, endpoint string, body, result any) error {
	if s.token == nil {
		return fmt.Errorf("%w: call Authenticate first", shared.ErrNotAuthenticated)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: spotify request failed: %v", shared.ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := statusError("spotify", resp.StatusCode); err != nil {
		return err
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode spotify response: %w", err)
		}
	}
	return nil
}

// GetPlaylist fetches a playlist and pages through its full track list.
func (s *SpotifyConnector) GetPlaylist(ctx context.Context, playlistID string) (models.Playlist, error) {
	var sp SpotifyPlaylist
	if err := s.doRequest(ctx, http.MethodGet, "/playlists/"+playlistID, nil, &sp); err != nil {
		return models.Playlist{}, err
	}

	items := sp.Tracks.Items
	offset := len(items)
	for offset < sp.Tracks.Total {
		var page spotifyTrackPage
		endpoint := fmt.Sprintf("/playlists/%s/tracks?limit=%d&offset=%d", playlistID, spotifyPageLimit, offset)
		if err := s.doRequest(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return models.Playlist{}, err
		}
		if len(page.Items) == 0 {
			break
		}
		items = append(items, page.Items...)
		offset += len(page.Items)
	}

	tracks := make([]models.Track, 0, len(items))
	for _, item := range items {
		track, err := s.toTrack(item.Track)
		if err != nil {
			s.logger.Warn("skipping malformed spotify track", "id", item.Track.ID, "error", err)
			continue
		}
		tracks = append(tracks, track)
	}

	playlist, err := models.NewPlaylist(sp.Name, tracks...)
	if err != nil {
		return models.Playlist{}, err
	}
	return playlist.
		WithDescription(sp.Description).
		WithConnectorPlaylistID(models.ConnectorSpotify, sp.ID), nil
}

// CreatePlaylist creates a playlist for the current user and adds tracks in
// chunks of 100 uris.
func (s *SpotifyConnector) CreatePlaylist(ctx context.Context, name, description string, tracks []models.Track) (models.Playlist, error) {
	var me struct {
		ID string `json:"id"`
	}
	if err := s.doRequest(ctx, http.MethodGet, "/me", nil, &me); err != nil {
		return models.Playlist{}, err
	}

	var created SpotifyPlaylist
	body := map[string]any{"name": name, "description": description, "public": false}
	if err := s.doRequest(ctx, http.MethodPost, "/users/"+me.ID+"/playlists", body, &created); err != nil {
		return models.Playlist{}, err
	}

	if err := s.appendTracks(ctx, created.ID, trackURIs(tracks)); err != nil {
		return models.Playlist{}, err
	}

	playlist, err := models.NewPlaylist(name, tracks...)
	if err != nil {
		return models.Playlist{}, err
	}
	return playlist.
		WithDescription(description).
		WithConnectorPlaylistID(models.ConnectorSpotify, created.ID), nil
}

// UpdatePlaylist writes the tracks to the playlist. UpdateModeReplace sends
// the first chunk through PUT (which clears the playlist) and the rest
// through POST appends; UpdateModeAppend sends every chunk through POST.
func (s *SpotifyConnector) UpdatePlaylist(ctx context.Context, playlistID string, tracks []models.Track, mode string) error {
	uris := trackURIs(tracks)
	switch mode {
	case UpdateModeAppend:
		return s.appendTracks(ctx, playlistID, uris)
	case UpdateModeReplace:
	default:
		return fmt.Errorf("%w: unknown update mode %q", shared.ErrValidation, mode)
	}

	if len(uris) == 0 {
		return s.doRequest(ctx, http.MethodPut, "/playlists/"+playlistID+"/tracks", map[string]any{"uris": []string{}}, nil)
	}
	for start := 0; start < len(uris); start += spotifyWriteChunk {
		end := start + spotifyWriteChunk
		if end > len(uris) {
			end = len(uris)
		}
		method := http.MethodPost
		if start == 0 {
			method = http.MethodPut
		}
		chunk := map[string]any{"uris": uris[start:end]}
		if err := s.doRequest(ctx, method, "/playlists/"+playlistID+"/tracks", chunk, nil); err != nil {
			return fmt.Errorf("failed to write tracks %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// appendTracks POSTs uris to the playlist in chunks of 100 without touching
// the existing entries.
func (s *SpotifyConnector) appendTracks(ctx context.Context, playlistID string, uris []string) error {
	for start := 0; start < len(uris); start += spotifyWriteChunk {
		end := start + spotifyWriteChunk
		if end > len(uris) {
			end = len(uris)
		}
		chunk := map[string]any{"uris": uris[start:end]}
		if err := s.doRequest(ctx, http.MethodPost, "/playlists/"+playlistID+"/tracks", chunk, nil); err != nil {
			return fmt.Errorf("failed to add tracks %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// GetLikedTracks fetches one page of the user's saved tracks.
func (s *SpotifyConnector) GetLikedTracks(ctx context.Context, limit, offset int) (*SpotifySavedTrackPage, error) {
	if limit <= 0 || limit > spotifyPageLimit {
		limit = spotifyPageLimit
	}
	var page SpotifySavedTrackPage
	endpoint := fmt.Sprintf("/me/tracks?limit=%d&offset=%d", limit, offset)
	if err := s.doRequest(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SearchTrack searches for the best match by title and artist.
func (s *SpotifyConnector) SearchTrack(ctx context.Context, title, artist string) (models.Track, error) {
	q := fmt.Sprintf("track:%s artist:%s", title, artist)
	endpoint := "/search?type=track&limit=1&q=" + url.QueryEscape(q)

	var response struct {
		Tracks struct {
			Items []SpotifyTrack `json:"items"`
		} `json:"tracks"`
	}
	if err := s.doRequest(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return models.Track{}, err
	}
	if len(response.Tracks.Items) == 0 {
		return models.Track{}, fmt.Errorf("%w: no spotify match for %q by %q", shared.ErrTrackNotFound, title, artist)
	}
	return s.toTrack(response.Tracks.Items[0])
}

// ToTrack converts a Spotify API track into the domain model, stashing the
// service fields (popularity included) in connector metadata.
func (s *SpotifyConnector) toTrack(st SpotifyTrack) (models.Track, error) {
	return TrackFromSpotify(st)
}

// TrackFromSpotify converts a raw Spotify track to the domain model,
// keeping the service-specific fields in connector metadata.
func TrackFromSpotify(st SpotifyTrack) (models.Track, error) {
	artists := make([]models.Artist, 0, len(st.Artists))
	for _, a := range st.Artists {
		artist, err := models.NewArtist(a.Name)
		if err != nil {
			continue
		}
		artists = append(artists, artist)
	}

	track, err := models.NewTrack(st.Name, artists...)
	if err != nil {
		return models.Track{}, err
	}
	track = track.
		WithDurationMS(st.DurationMS).
		WithConnectorTrackID(models.ConnectorSpotify, st.ID).
		WithConnectorMetadata(models.ConnectorSpotify, map[string]any{
			"popularity": float64(st.Popularity),
			"uri":        st.URI,
			"explicit":   st.Explicit,
			"album":      st.Album.Name,
		})
	if st.Album.Name != "" {
		track = track.WithAlbum(st.Album.Name)
	}
	if st.ExternalIDs.ISRC != "" {
		track = track.WithISRC(strings.ToUpper(st.ExternalIDs.ISRC))
	}
	if date, ok := parseReleaseDate(st.Album.ReleaseDate); ok {
		track = track.WithReleaseDate(date)
	}
	return track, nil
}

// parseReleaseDate handles Spotify's variable precision dates.
func parseReleaseDate(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func trackURIs(tracks []models.Track) []string {
	uris := make([]string, 0, len(tracks))
	for _, t := range tracks {
		if id, ok := t.ConnectorTrackID(models.ConnectorSpotify); ok && id != "" {
			uris = append(uris, "spotify:track:"+id)
		}
	}
	return uris
}
