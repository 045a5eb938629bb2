package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/cadenza-fm/cadenza/internal/batch"
	"github.com/cadenza-fm/cadenza/internal/matcher"
	"github.com/cadenza-fm/cadenza/internal/metrics"
	"github.com/cadenza-fm/cadenza/internal/repositories"
	"github.com/cadenza-fm/cadenza/internal/shared"
	"github.com/cadenza-fm/cadenza/internal/tasks"
)

func syncCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Synchronize library data across services",
		Commands: []*cli.Command{
			{
				Name:  "likes",
				Usage: "Import liked tracks from Spotify",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "max",
						Usage: "Maximum number of likes to import (0 = no cap)",
					},
				},
				Action: r.SyncLikes,
			},
			{
				Name:   "loves",
				Usage:  "Export unsynced likes to Last.fm as loved tracks",
				Action: r.SyncLoves,
			},
			{
				Name:  "plays",
				Usage: "Import play history from Last.fm",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "user",
						Usage: "Last.fm username (defaults to configured username)",
					},
					&cli.IntFlag{
						Name:  "max-pages",
						Usage: "Maximum number of history pages to fetch (0 = no cap)",
					},
				},
				Action: r.SyncPlays,
			},
		},
	}
}

// SyncLikes imports the user's saved Spotify tracks.
func (r *Runner) SyncLikes(ctx context.Context, cmd *cli.Command) error {
	if r.spotify == nil {
		return fmt.Errorf("%w: spotify credentials not configured", shared.ErrMissingCredentials)
	}

	svc, cleanup, err := r.syncService()
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := svc.ImportSpotifyLikes(ctx, cmd.Int("max"))
	if err != nil {
		return err
	}
	return r.writePlain("%s\n", styleSyncStats("Spotify likes import", stats))
}

// SyncLoves exports unsynced canonical likes to Last.fm.
func (r *Runner) SyncLoves(ctx context.Context, cmd *cli.Command) error {
	if r.lastfm == nil {
		return fmt.Errorf("%w: lastfm credentials not configured", shared.ErrMissingCredentials)
	}

	svc, cleanup, err := r.syncService()
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := svc.ExportLovesToLastfm(ctx)
	if err != nil {
		return err
	}
	return r.writePlain("%s\n", styleSyncStats("Last.fm loves export", stats))
}

// SyncPlays imports Last.fm play history.
func (r *Runner) SyncPlays(ctx context.Context, cmd *cli.Command) error {
	if r.lastfm == nil {
		return fmt.Errorf("%w: lastfm credentials not configured", shared.ErrMissingCredentials)
	}
	user := cmd.String("user")
	if user == "" {
		user = r.config.Credentials.Lastfm.Username
	}
	if user == "" {
		return fmt.Errorf("%w: --user or credentials.lastfm.username required", shared.ErrValidation)
	}

	svc, cleanup, err := r.syncService()
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := svc.ImportLastfmPlays(ctx, user, cmd.Int("max-pages"))
	if err != nil {
		return err
	}
	return r.writePlain("%s\n", styleSyncStats("Last.fm plays import", stats))
}

// syncService builds a SyncService over a fresh database handle. The
// returned cleanup closes the handle.
func (r *Runner) syncService() (*tasks.SyncService, func(), error) {
	db, err := r.openDatabase()
	if err != nil {
		return nil, nil, err
	}

	connectors := repositories.NewConnectorRepository(db, r.logger, metrics.ExtractFromRaw)

	var spotify tasks.SpotifyLibrary
	if r.spotify != nil {
		spotify = r.spotify
	}
	var lastfm tasks.LastfmHistory
	if r.lastfm != nil {
		lastfm = r.lastfm
	}
	var trackMatcher tasks.TrackMatcher
	if r.lastfm != nil {
		trackMatcher = matcher.NewMatcher(
			db, connectors, r.musicbrainz, r.lastfm,
			batch.FromAPIConfig(r.config.Lastfm),
			r.config.Credentials.Lastfm.Username,
			r.logger,
		)
	}

	userID := r.config.Credentials.Lastfm.Username
	if userID == "" {
		userID = "default"
	}

	svc := tasks.NewSyncService(db, spotify, lastfm, trackMatcher, metrics.ExtractFromRaw, userID, r.logger)
	return svc, func() { db.Close() }, nil
}
