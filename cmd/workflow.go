package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/cadenza-fm/cadenza/internal/batch"
	"github.com/cadenza-fm/cadenza/internal/engine"
	"github.com/cadenza-fm/cadenza/internal/matcher"
	"github.com/cadenza-fm/cadenza/internal/metrics"
	"github.com/cadenza-fm/cadenza/internal/nodes"
	"github.com/cadenza-fm/cadenza/internal/repositories"
	"github.com/cadenza-fm/cadenza/internal/services"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

func workflowCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "workflow",
		Usage: "Run and inspect playlist workflows",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List workflow definitions in the workflows directory",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Output as JSON"},
					&cli.BoolFlag{Name: "pretty", Usage: "Pretty-print JSON output"},
				},
				Action: r.WorkflowList,
			},
			{
				Name:      "run",
				Usage:     "Execute a workflow definition",
				ArgsUsage: "<definition>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "param",
						Aliases: []string{"p"},
						Usage:   "Workflow parameter as key=value (repeatable)",
					},
				},
				Action: r.WorkflowRun,
			},
			{
				Name:      "validate",
				Usage:     "Validate a workflow definition without running it",
				ArgsUsage: "<definition>",
				Action:    r.WorkflowValidate,
			},
			{
				Name:  "nodes",
				Usage: "List available workflow nodes",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Output as JSON"},
					&cli.BoolFlag{Name: "pretty", Usage: "Pretty-print JSON output"},
				},
				Action: r.WorkflowNodes,
			},
		},
	}
}

// workflowSummary is the list entry for one definition file.
type workflowSummary struct {
	File        string `json:"file"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Tasks       int    `json:"tasks"`
	Err         string `json:"error,omitempty"`
}

// WorkflowList scans the workflows directory for JSON definitions.
func (r *Runner) WorkflowList(ctx context.Context, cmd *cli.Command) error {
	dir := r.config.Workflows.Dir
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read workflows directory %q: %w", dir, err)
	}

	var summaries []workflowSummary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		summary := workflowSummary{File: entry.Name()}
		def, err := engine.LoadDefinition(path)
		if err != nil {
			summary.Err = err.Error()
		} else {
			summary.ID = def.ID
			summary.Name = def.Name
			summary.Description = def.Description
			summary.Tasks = len(def.Tasks)
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].File < summaries[j].File })

	if cmd.Bool("json") {
		return r.writeJSON(summaries, cmd.Bool("pretty"))
	}

	if len(summaries) == 0 {
		return r.writePlain("No workflow definitions in %s\n", dir)
	}
	r.writePlain("Found %d workflow definitions in %s:\n\n", len(summaries), dir)
	for _, s := range summaries {
		if s.Err != "" {
			r.writePlain("%s\n", styleWorkflowError(s.File, s.Err))
			continue
		}
		r.writePlain("%s\n", styleWorkflowEntry(s))
	}
	return nil
}

// WorkflowRun loads, validates and executes a workflow definition.
func (r *Runner) WorkflowRun(ctx context.Context, cmd *cli.Command) error {
	def, err := r.loadWorkflow(cmd)
	if err != nil {
		return err
	}

	params, err := parseParams(cmd.StringSlice("param"))
	if err != nil {
		return err
	}

	db, err := r.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	registry, err := r.buildRegistry(db)
	if err != nil {
		return err
	}

	eng := engine.NewEngine(registry, r.logger)
	eng.OnProgress(func(ev engine.Event) {
		r.writePlain("%s\n", styleEvent(ev))
	})

	if _, err := eng.Run(ctx, def, params); err != nil {
		return fmt.Errorf("workflow %q failed: %w", def.Name, err)
	}
	return nil
}

// WorkflowValidate checks a definition's structure and that every task
// type is a known node.
func (r *Runner) WorkflowValidate(ctx context.Context, cmd *cli.Command) error {
	def, err := r.loadWorkflow(cmd)
	if err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return err
	}

	db, err := r.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	registry, err := r.buildRegistry(db)
	if err != nil {
		return err
	}

	var unknown []string
	for _, task := range def.Tasks {
		if _, ok := registry.Get(task.Type); !ok {
			unknown = append(unknown, fmt.Sprintf("%s (%s)", task.Type, task.ID))
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", shared.ErrUnknownNode, strings.Join(unknown, ", "))
	}

	r.writePlain("✓ %s is valid (%d tasks)\n", def.Name, len(def.Tasks))
	return nil
}

// WorkflowNodes lists the registered node catalog.
func (r *Runner) WorkflowNodes(ctx context.Context, cmd *cli.Command) error {
	db, err := r.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	registry, err := r.buildRegistry(db)
	if err != nil {
		return err
	}

	list := registry.List()
	if cmd.Bool("json") {
		return r.writeJSON(list, cmd.Bool("pretty"))
	}

	category := ""
	for _, meta := range list {
		if meta.Category != category {
			category = meta.Category
			r.writePlain("%s\n", styleCategory(category))
		}
		r.writePlain("  %-34s %s\n", meta.ID, meta.Description)
	}
	return nil
}

// loadWorkflow resolves the definition argument against the filesystem
// first, then the workflows directory.
func (r *Runner) loadWorkflow(cmd *cli.Command) (engine.Definition, error) {
	arg := cmd.Args().First()
	if arg == "" {
		return engine.Definition{}, fmt.Errorf("%w: workflow definition argument required", shared.ErrValidation)
	}

	path := arg
	if _, err := os.Stat(path); err != nil {
		candidate := filepath.Join(r.config.Workflows.Dir, arg)
		if !strings.HasSuffix(candidate, ".json") {
			candidate += ".json"
		}
		if _, err := os.Stat(candidate); err != nil {
			return engine.Definition{}, fmt.Errorf("%w: workflow definition %q", shared.ErrNotFound, arg)
		}
		path = candidate
	}
	return engine.LoadDefinition(path)
}

// buildRegistry wires the node catalog over the database and configured
// connectors. Nodes whose connector is not configured still register; they
// fail with a credential error only when a workflow invokes them.
func (r *Runner) buildRegistry(db *sql.DB) (*nodes.Registry, error) {
	connectors := repositories.NewConnectorRepository(db, r.logger, metrics.ExtractFromRaw)
	playlists := repositories.NewPlaylistRepository(db, r.logger, connectors)
	metricStore := repositories.NewMetricsRepository(db, r.logger)

	var provider services.TrackInfoProvider
	if r.lastfm != nil {
		provider = r.lastfm
	}
	trackMatcher := matcher.NewMatcher(
		db, connectors, r.musicbrainz, provider,
		batch.FromAPIConfig(r.config.Lastfm),
		r.config.Credentials.Lastfm.Username,
		r.logger,
	)

	deps := nodes.Dependencies{
		Playlists: playlists,
		Matcher:   trackMatcher,
		Metrics:   metrics.NewResolver(metricStore, connectors, r.logger),
		Logger:    r.logger,
	}
	if r.spotify != nil {
		deps.Spotify = r.spotify
	}

	registry := nodes.NewRegistry()
	if err := nodes.RegisterAll(registry, deps); err != nil {
		return nil, err
	}
	if err := registry.ValidateRequired(nodes.RequiredNodes); err != nil {
		return nil, err
	}
	return registry, nil
}

// parseParams splits repeated key=value flags into a parameter map.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: parameter %q is not key=value", shared.ErrValidation, pair)
		}
		params[key] = value
	}
	return params, nil
}
