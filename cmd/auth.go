package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"

	"github.com/cadenza-fm/cadenza/internal/server"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

func authCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize connector access",
		Commands: []*cli.Command{
			{
				Name:   "spotify",
				Usage:  "Run the Spotify OAuth2 authorization flow",
				Action: r.SpotifyAuth,
			},
		},
	}
}

// SpotifyAuth performs the OAuth2 authorization code flow for Spotify.
//
// Starts a local HTTP server, opens the browser for user authorization,
// exchanges the auth code for tokens and saves them to the config file.
func (r *Runner) SpotifyAuth(ctx context.Context, cmd *cli.Command) error {
	if r.spotify == nil {
		return fmt.Errorf("%w: spotify client_id and client_secret must be set in %s",
			shared.ErrMissingCredentials, configFile)
	}

	token, err := r.doOAuth(ctx)
	if err != nil {
		return err
	}

	if err := r.spotify.AuthenticateToken(ctx, token); err != nil {
		return err
	}
	if err := r.saveTokens(token); err != nil {
		return err
	}

	r.writePlainln("✓ Authorization successful")
	if r.configPath != "" {
		r.writePlain("✓ Tokens saved to %s\n\n", r.configPath)
	}
	r.writePlain("You can now run: cadenza sync likes\n")
	return nil
}

// doOAuth executes the OAuth2 authorization flow with a local HTTP server
// handling the redirect callback.
func (r *Runner) doOAuth(ctx context.Context) (*oauth2.Token, error) {
	state, err := shared.GenerateState()
	if err != nil {
		return nil, err
	}

	authURL := r.spotify.GetAuthURL(state)
	callback := server.NewCallbackServer(r.spotify.OAuthConfig(), state, r.config.Server.Addr(), r.logger)
	serverErrors := callback.Start()

	r.writePlain("→ Opening browser for Spotify authorization...\n")
	if err := shared.OpenBrowser(authURL); err != nil {
		r.logger.Warnf("failed to open browser automatically %v", err)
		r.writePlainln("⚠ Could not open browser automatically.")
		r.writePlain("Please open this URL in your browser:\n%s\n\n", authURL)
	}

	r.writePlain("→ Waiting for authorization (2 minute timeout)...\n")

	timeout := time.NewTimer(2 * time.Minute)
	defer timeout.Stop()

	var result server.Result
	select {
	case result = <-callback.Result():
	case err := <-serverErrors:
		return nil, fmt.Errorf("callback server error: %w", err)
	case <-timeout.C:
		return nil, fmt.Errorf("%w: authorization timed out after 2 minutes", shared.ErrAuthFailed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := callback.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("error shutting down callback server", "error", err)
	}

	if result.Err != nil {
		return nil, result.Err
	}
	if result.Token == nil {
		return nil, fmt.Errorf("%w: no token received", shared.ErrAuthFailed)
	}
	return result.Token, nil
}
