package shared

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"golang.org/x/oauth2"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
// Environment variables override file values (see ApplyEnv).
type Config struct {
	Credentials CredentialsConfig `toml:"credentials"`
	Database    DatabaseConfig    `toml:"database"`
	Lastfm      LastfmAPIConfig   `toml:"lastfm_api"`
	Workflows   WorkflowsConfig   `toml:"workflows"`
	Server      ServerConfig      `toml:"server"`
}

// CredentialsConfig contains service-specific credentials.
type CredentialsConfig struct {
	Spotify SpotifyConfig    `toml:"spotify"`
	Lastfm  LastfmCredential `toml:"lastfm"`
}

// SpotifyConfig contains Spotify API credentials. Access and refresh tokens
// are written back after an OAuth authorization flow.
type SpotifyConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
	AccessToken  string `toml:"access_token,omitempty"`
	RefreshToken string `toml:"refresh_token,omitempty"`
}

// Update records the tokens from a completed OAuth flow.
func (s *SpotifyConfig) Update(token *oauth2.Token) error {
	if token == nil {
		return fmt.Errorf("%w: token cannot be nil", ErrValidation)
	}
	s.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		s.RefreshToken = token.RefreshToken
	}
	return nil
}

// LastfmCredential contains Last.fm API credentials.
// Password is required only for write operations (love_track).
type LastfmCredential struct {
	Key      string `toml:"key"`
	Secret   string `toml:"secret"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// LastfmAPIConfig tunes the batch processor for Last.fm calls.
type LastfmAPIConfig struct {
	RateLimit      float64 `toml:"rate_limit"`       // requests per second
	BatchSize      int     `toml:"batch_size"`       // items per processing chunk
	Concurrency    int     `toml:"concurrency"`      // concurrent workers
	RetryCount     int     `toml:"retry_count"`      // retries per item
	RetryBaseDelay float64 `toml:"retry_base_delay"` // seconds
	RetryMaxDelay  float64 `toml:"retry_max_delay"`  // seconds
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	URL          string `toml:"url"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// WorkflowsConfig locates workflow definition files.
type WorkflowsConfig struct {
	Dir string `toml:"dir"`
}

// ServerConfig holds the bind address for the local OAuth callback server.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr renders the host:port bind address, defaulting to localhost:8080 to
// match the default Spotify redirect URI.
func (s ServerConfig) Addr() string {
	host := s.Host
	if host == "" {
		host = "localhost"
	}
	port := s.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// LoadConfig reads and parses a TOML configuration file from the specified
// path, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	config.ApplyEnv()
	return &config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the
// embedded example config, with environment overrides applied.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	config.ApplyEnv()
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overlays recognized environment variables onto the config.
// Environment always wins over file values.
func (c *Config) ApplyEnv() {
	envStr(&c.Database.URL, "DATABASE_URL")
	envInt(&c.Database.MaxOpenConns, "DATABASE_POOL_SIZE")
	envInt(&c.Database.MaxIdleConns, "DATABASE_MAX_OVERFLOW")

	envStr(&c.Credentials.Spotify.ClientID, "SPOTIFY_CLIENT_ID")
	envStr(&c.Credentials.Spotify.ClientSecret, "SPOTIFY_CLIENT_SECRET")
	envStr(&c.Credentials.Spotify.RedirectURI, "SPOTIFY_REDIRECT_URI")
	envStr(&c.Credentials.Spotify.AccessToken, "SPOTIFY_ACCESS_TOKEN")
	envStr(&c.Credentials.Spotify.RefreshToken, "SPOTIFY_REFRESH_TOKEN")

	envStr(&c.Credentials.Lastfm.Key, "LASTFM_KEY")
	envStr(&c.Credentials.Lastfm.Secret, "LASTFM_SECRET")
	envStr(&c.Credentials.Lastfm.Username, "LASTFM_USERNAME")
	envStr(&c.Credentials.Lastfm.Password, "LASTFM_PASSWORD")

	envFloat(&c.Lastfm.RateLimit, "LASTFM_API_RATE_LIMIT")
	envInt(&c.Lastfm.BatchSize, "LASTFM_API_BATCH_SIZE")
	envInt(&c.Lastfm.Concurrency, "LASTFM_API_CONCURRENCY")
	envInt(&c.Lastfm.RetryCount, "LASTFM_API_RETRY_COUNT")
	envFloat(&c.Lastfm.RetryBaseDelay, "LASTFM_API_RETRY_BASE_DELAY")
	envFloat(&c.Lastfm.RetryMaxDelay, "LASTFM_API_RETRY_MAX_DELAY")

	envStr(&c.Workflows.Dir, "WORKFLOWS_DIR")

	envStr(&c.Server.Host, "SERVER_HOST")
	envInt(&c.Server.Port, "SERVER_PORT")
}

// SaveConfig writes the configuration back to path as TOML.
func SaveConfig(path string, config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: config is nil", ErrValidation)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
