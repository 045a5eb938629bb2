package main

import (
	"context"
	"errors"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"

	"github.com/cadenza-fm/cadenza/internal/services"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

const configFile = "config.toml"

func main() {
	logger := shared.NewLogger(nil)

	config := shared.DefaultConfig()
	configPath := ""
	if _, err := os.Stat(configFile); err == nil {
		if loadedConfig, err := shared.LoadConfig(configFile); err == nil {
			config = loadedConfig
			configPath = configFile
		}
	}

	var spotify *services.SpotifyConnector
	if config.Credentials.Spotify.ClientID != "" && config.Credentials.Spotify.ClientSecret != "" {
		svc, err := services.NewSpotifyConnector(config.Credentials.Spotify, logger)
		if err == nil {
			spotify = svc
			if token := savedSpotifyToken(config); token != nil {
				if err := spotify.AuthenticateToken(context.Background(), token); err != nil {
					logger.Warn("failed to install saved spotify tokens", "error", err)
				}
			}
		}
	}

	var lastfm *services.LastfmClient
	if config.Credentials.Lastfm.Key != "" {
		if svc, err := services.NewLastfmClient(config.Credentials.Lastfm, logger); err == nil {
			lastfm = svc
		}
	}

	runner := NewRunner(RunnerOpts{
		Config:      config,
		ConfigPath:  configPath,
		Spotify:     spotify,
		Lastfm:      lastfm,
		MusicBrainz: services.NewMusicBrainzClient(logger),
		Logger:      logger,
	})

	app := &cli.Command{
		Name:     "cadenza",
		Usage:    "Workflow-driven playlist curation across Spotify, Last.fm & MusicBrainz",
		Version:  "0.3.0",
		Commands: runner.register(),
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		if errors.Is(err, shared.ErrNotImplemented) {
			logger.Warn("not implemented")
			os.Exit(0)
		}
		logger.Fatalf("application error: %v", err)
	}
}

// savedSpotifyToken rebuilds an oauth2 token from previously saved
// credentials, or nil when none are stored.
func savedSpotifyToken(config *shared.Config) *oauth2.Token {
	creds := config.Credentials.Spotify
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
	}
}
