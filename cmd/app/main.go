package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/tabsync/internal"
	"github.com/starford/tabsync/internal/app"
	"github.com/starford/tabsync/internal/mutator"
	"github.com/starford/tabsync/internal/ticket"
	pkgconfig "github.com/starford/tabsync/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	// Without a config file, defaults and flags apply.
	if _, err := pkgconfig.LoadIfExists(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if b := cmd.String("backend"); b != "" {
		cfg.Store.Backend = b
	}
	if p := cmd.String("store"); p != "" {
		cfg.Store.Path = p
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx,
		internal.WithConfig(cfg),
		internal.WithLogOutput(os.Stderr),
		internal.WithVersion(version))
}

// oneShot runs fn against a short-lived tab whose view has been loaded once.
func oneShot(fn func(ctx context.Context, cmd *cli.Command, tab *app.Tab) (any, error)) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		tab, err := internal.OpenTab(internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
		if err != nil {
			return err
		}
		defer tab.Close()
		if err := tab.Loop.Sync(ctx); err != nil {
			return err
		}
		out, err := fn(ctx, cmd, tab)
		if err != nil || out == nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

func requireArg(cmd *cli.Command, n int, name string) (string, error) {
	if cmd.Args().Len() <= n {
		return "", fmt.Errorf("missing argument: %s", name)
	}
	return cmd.Args().Get(n), nil
}

func main() {
	cmd := &cli.Command{
		Name:   "tabsync",
		Usage:  "Optimistic ticket list shared between tabs through a local durable store",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "Override store.backend (fs, sqlite, memory)",
				Sources: cli.EnvVars("TABSYNC_BACKEND"),
			},
			&cli.StringFlag{
				Name:    "store",
				Usage:   "Override store.path",
				Sources: cli.EnvVars("TABSYNC_STORE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run a tab with the HTTP API",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Run a tab as an MCP server on stdio",
				Action: serveMCP,
			},
			{
				Name:  "list",
				Usage: "Print tickets, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Filter by status (TODO, IN_PROGRESS, DONE)"},
				},
				Action: oneShot(func(_ context.Context, cmd *cli.Command, tab *app.Tab) (any, error) {
					var st ticket.Status
					if raw := cmd.String("status"); raw != "" {
						s, err := ticket.ParseStatus(raw)
						if err != nil {
							return nil, err
						}
						st = s
					}
					return tab.View.Filter(st), nil
				}),
			},
			{
				Name:      "get",
				Usage:     "Print one ticket",
				ArgsUsage: "<id>",
				Action: oneShot(func(ctx context.Context, cmd *cli.Command, tab *app.Tab) (any, error) {
					id, err := requireArg(cmd, 0, "id")
					if err != nil {
						return nil, err
					}
					return tab.Repo.FindByID(ctx, id)
				}),
			},
			{
				Name:  "create",
				Usage: "Create a ticket",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Required: true},
					&cli.StringFlag{Name: "description"},
				},
				Action: oneShot(func(ctx context.Context, cmd *cli.Command, tab *app.Tab) (any, error) {
					return tab.Mutator.CreateTicket(ctx, mutator.CreateInput{
						Title:       cmd.String("title"),
						Description: cmd.String("description"),
					})
				}),
			},
			{
				Name:      "status",
				Usage:     "Change a ticket's status",
				ArgsUsage: "<id> <TODO|IN_PROGRESS|DONE>",
				Action: oneShot(func(ctx context.Context, cmd *cli.Command, tab *app.Tab) (any, error) {
					id, err := requireArg(cmd, 0, "id")
					if err != nil {
						return nil, err
					}
					raw, err := requireArg(cmd, 1, "status")
					if err != nil {
						return nil, err
					}
					st, err := ticket.ParseStatus(raw)
					if err != nil {
						return nil, err
					}
					return tab.Mutator.UpdateStatus(ctx, id, st)
				}),
			},
			{
				Name:      "delete",
				Usage:     "Delete a ticket",
				ArgsUsage: "<id>",
				Action: oneShot(func(ctx context.Context, cmd *cli.Command, tab *app.Tab) (any, error) {
					id, err := requireArg(cmd, 0, "id")
					if err != nil {
						return nil, err
					}
					return nil, tab.Mutator.DeleteTicket(ctx, id)
				}),
			},
			{
				Name:  "reset",
				Usage: "Replace all tickets with the demo set",
				Action: oneShot(func(ctx context.Context, _ *cli.Command, tab *app.Tab) (any, error) {
					if err := tab.Repo.Reset(ctx); err != nil {
						return nil, err
					}
					return tab.Repo.FindAll(ctx)
				}),
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
