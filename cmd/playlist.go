package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/cadenza-fm/cadenza/internal/formatter"
	"github.com/cadenza-fm/cadenza/internal/metrics"
	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/repositories"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

func playlistCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "playlist",
		Usage: "Inspect and export stored playlists",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List stored playlists",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Output as JSON"},
					&cli.BoolFlag{Name: "pretty", Usage: "Pretty-print JSON output"},
				},
				Action: r.PlaylistList,
			},
			{
				Name:      "show",
				Usage:     "Show a stored playlist with its tracks",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Output as JSON"},
					&cli.BoolFlag{Name: "pretty", Usage: "Pretty-print JSON output"},
				},
				Action: r.PlaylistShow,
			},
			{
				Name:      "export",
				Usage:     "Export a stored playlist to CSV, Markdown or plain text",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Export format: csv, markdown or text",
						Value:   "csv",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output base path (csv), directory (markdown) or file (text)",
					},
				},
				Action: r.PlaylistExport,
			},
		},
	}
}

// PlaylistList prints summaries of all stored playlists.
func (r *Runner) PlaylistList(ctx context.Context, cmd *cli.Command) error {
	playlists, cleanup, err := r.playlistRepository()
	if err != nil {
		return err
	}
	defer cleanup()

	summaries, err := playlists.ListPlaylists(ctx)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(summaries, cmd.Bool("pretty"))
	}

	if len(summaries) == 0 {
		return r.writePlain("No stored playlists\n")
	}
	r.writePlain("Found %d playlists:\n\n", len(summaries))
	for _, s := range summaries {
		r.writePlain("%d. %s\n", s.ID, s.Name)
		if s.Description != "" {
			r.writePlain("   Description: %s\n", s.Description)
		}
		r.writePlain("   Tracks: %d\n\n", s.TrackCount)
	}
	return nil
}

// PlaylistShow prints one playlist with its ordered tracks.
func (r *Runner) PlaylistShow(ctx context.Context, cmd *cli.Command) error {
	playlist, cleanup, err := r.loadPlaylist(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if cmd.Bool("json") {
		return r.writeJSON(playlist, cmd.Bool("pretty"))
	}

	data, err := formatter.ExportToText(playlist)
	if err != nil {
		return err
	}
	return r.writePlain("%s", data)
}

// PlaylistExport writes one playlist in the requested format.
func (r *Runner) PlaylistExport(ctx context.Context, cmd *cli.Command) error {
	playlist, cleanup, err := r.loadPlaylist(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	output := cmd.String("output")
	switch format := cmd.String("format"); format {
	case "csv":
		result, err := formatter.WriteCSVExport(playlist, output)
		if err != nil {
			return err
		}
		r.writePlain("✓ Playlist exported to %s\n", result.TracksFile)
		r.writePlain("  Metadata: %s\n", result.MetadataFile)
	case "markdown":
		path, err := formatter.WriteMarkdownExport(playlist, output)
		if err != nil {
			return err
		}
		r.writePlain("✓ Playlist exported to %s\n", path)
	case "text":
		data, err := formatter.ExportToText(playlist)
		if err != nil {
			return err
		}
		if output == "" {
			return r.writePlain("%s", data)
		}
		if err := os.WriteFile(output, data, 0644); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		r.writePlain("✓ Playlist exported to %s\n", output)
	default:
		return fmt.Errorf("%w: unknown format %q", shared.ErrValidation, format)
	}
	return nil
}

func (r *Runner) playlistRepository() (*repositories.PlaylistRepository, func(), error) {
	db, err := r.openDatabase()
	if err != nil {
		return nil, nil, err
	}
	connectors := repositories.NewConnectorRepository(db, r.logger, metrics.ExtractFromRaw)
	return repositories.NewPlaylistRepository(db, r.logger, connectors), func() { db.Close() }, nil
}

func (r *Runner) loadPlaylist(ctx context.Context, cmd *cli.Command) (models.Playlist, func(), error) {
	arg := cmd.Args().First()
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return models.Playlist{}, nil, fmt.Errorf("%w: playlist id argument required", shared.ErrValidation)
	}

	playlists, cleanup, err := r.playlistRepository()
	if err != nil {
		return models.Playlist{}, nil, err
	}

	playlist, err := playlists.GetPlaylist(ctx, id)
	if err != nil {
		cleanup()
		return models.Playlist{}, nil, err
	}
	return playlist, cleanup, nil
}
