package shared

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/oauth2"
)

func TestConfig(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		config := DefaultConfig()

		if config.Database.URL != "cadenza.db" {
			t.Errorf("expected database url cadenza.db, got %s", config.Database.URL)
		}
		if config.Lastfm.RateLimit != 5.0 {
			t.Errorf("expected lastfm rate limit 5.0, got %v", config.Lastfm.RateLimit)
		}
		if config.Workflows.Dir != "workflows" {
			t.Errorf("expected workflows dir workflows, got %s", config.Workflows.Dir)
		}
		if config.Server.Addr() != "localhost:8080" {
			t.Errorf("expected server addr localhost:8080, got %s", config.Server.Addr())
		}
	})

	t.Run("CreateConfigFile", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		if err := CreateConfigFile(configPath); err != nil {
			t.Fatalf("failed to create config file: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load created config: %v", err)
		}

		if config.Database.URL != DefaultConfig().Database.URL {
			t.Errorf("created config database url doesn't match default")
		}

		if err := CreateConfigFile(configPath); err == nil {
			t.Error("creating config file again should fail")
		}
	})

	t.Run("LoadConfig", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		testConfig := `[database]
url = "/custom/path.db"
max_open_conns = 20
max_idle_conns = 10

[credentials.spotify]
client_id = "test_client_id"
client_secret = "test_secret"
redirect_uri = "http://localhost:3000/callback"

[credentials.lastfm]
key = "test_key"
username = "listener"

[lastfm_api]
rate_limit = 2.5
batch_size = 25

[server]
host = "0.0.0.0"
port = 3000
`
		if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load config: %v", err)
		}

		if config.Database.URL != "/custom/path.db" {
			t.Errorf("expected database url /custom/path.db, got %s", config.Database.URL)
		}
		if config.Credentials.Spotify.ClientID != "test_client_id" {
			t.Errorf("expected spotify client_id test_client_id, got %s", config.Credentials.Spotify.ClientID)
		}
		if config.Credentials.Lastfm.Username != "listener" {
			t.Errorf("expected lastfm username listener, got %s", config.Credentials.Lastfm.Username)
		}
		if config.Lastfm.RateLimit != 2.5 {
			t.Errorf("expected lastfm rate limit 2.5, got %v", config.Lastfm.RateLimit)
		}
		if config.Server.Addr() != "0.0.0.0:3000" {
			t.Errorf("expected server addr 0.0.0.0:3000, got %s", config.Server.Addr())
		}
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "/env/override.db")
		t.Setenv("LASTFM_USERNAME", "env_listener")
		t.Setenv("LASTFM_API_RATE_LIMIT", "1.5")
		t.Setenv("SERVER_PORT", "9999")

		config := DefaultConfig()

		if config.Database.URL != "/env/override.db" {
			t.Errorf("expected env database url, got %s", config.Database.URL)
		}
		if config.Credentials.Lastfm.Username != "env_listener" {
			t.Errorf("expected env lastfm username, got %s", config.Credentials.Lastfm.Username)
		}
		if config.Lastfm.RateLimit != 1.5 {
			t.Errorf("expected env rate limit 1.5, got %v", config.Lastfm.RateLimit)
		}
		if config.Server.Port != 9999 {
			t.Errorf("expected env server port 9999, got %d", config.Server.Port)
		}
	})

	t.Run("SaveConfigRoundTrip", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		config := DefaultConfig()
		config.Credentials.Spotify.ClientID = "saved_id"
		if err := config.Credentials.Spotify.Update(&oauth2.Token{
			AccessToken:  "at",
			RefreshToken: "rt",
		}); err != nil {
			t.Fatalf("failed to update tokens: %v", err)
		}

		if err := SaveConfig(configPath, config); err != nil {
			t.Fatalf("failed to save config: %v", err)
		}

		loaded, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to reload config: %v", err)
		}
		if loaded.Credentials.Spotify.ClientID != "saved_id" {
			t.Errorf("expected client id to round-trip, got %s", loaded.Credentials.Spotify.ClientID)
		}
		if loaded.Credentials.Spotify.AccessToken != "at" || loaded.Credentials.Spotify.RefreshToken != "rt" {
			t.Errorf("expected tokens to round-trip, got %+v", loaded.Credentials.Spotify)
		}
	})

	t.Run("SpotifyConfigUpdate", func(t *testing.T) {
		var creds SpotifyConfig
		if err := creds.Update(nil); err == nil {
			t.Fatal("expected error for nil token")
		}

		creds.RefreshToken = "keep_me"
		if err := creds.Update(&oauth2.Token{AccessToken: "fresh"}); err != nil {
			t.Fatalf("failed to update: %v", err)
		}
		if creds.AccessToken != "fresh" {
			t.Errorf("expected access token fresh, got %s", creds.AccessToken)
		}
		if creds.RefreshToken != "keep_me" {
			t.Errorf("empty refresh token should not clobber stored one, got %s", creds.RefreshToken)
		}
	})

	t.Run("SaveConfigNil", func(t *testing.T) {
		if err := SaveConfig(filepath.Join(t.TempDir(), "c.toml"), nil); err == nil {
			t.Fatal("expected error for nil config")
		}
	})
}
