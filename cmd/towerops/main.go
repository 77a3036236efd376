package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mpataki/towerops/internal/config"
	"github.com/mpataki/towerops/internal/poller"
	"github.com/mpataki/towerops/internal/spec"
	"github.com/mpataki/towerops/internal/storage"
	"github.com/mpataki/towerops/internal/tower"
	"github.com/mpataki/towerops/internal/tui"
)

var (
	verbose bool
	logger  *slog.Logger
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "towerops",
		Short: "Idempotent workflow launches for Nextflow Tower",
		Long: "towerops launches pipelines on a Nextflow Tower workspace without duplicating runs,\n" +
			"resumes failed runs under a new name and waits for runs to finish.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		},
		RunE: runWatch,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newLaunchCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newWaitCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWhoamiCommand())
	rootCmd.AddCommand(newSpecsCommand())
	rootCmd.AddCommand(newWatchCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads and validates the platform settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newClient(cfg *config.Config) (*tower.Client, error) {
	return tower.NewClient(tower.Options{
		Endpoint:  cfg.APIEndpoint,
		AuthToken: cfg.AuthToken,
		PageSize:  cfg.PageSize,
		Timeout:   cfg.HTTPTimeout,
		Logger:    logger,
	})
}

func openStorage(cfg *config.Config) (*storage.Storage, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open launch journal: %w", err)
	}
	return store, nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			run, err := client.GetWorkflow(cmd.Context(), cfg.WorkspaceID, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Run %s: %s\n", run.ID, run.RunName)
			fmt.Printf("State: %s\n", run.State)
			fmt.Printf("Pipeline: %s\n", run.PipelineName)
			fmt.Printf("Session: %s\n", run.SessionID)
			fmt.Printf("Work dir: %s\n", run.WorkDir)
			fmt.Printf("Submitted: %s\n", run.SubmittedAt.Local().Format(time.DateTime))
			if run.CompletedAt != nil {
				fmt.Printf("Completed: %s\n", run.CompletedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}

func newWaitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <run-id>",
		Short: "Poll a run until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = cfg.PollInterval
			}

			return awaitRun(cmd.Context(), poller.New(client, cfg.WorkspaceID, interval, logger), args[0])
		},
	}

	cmd.Flags().Duration("interval", 0, "Time between status checks (default TOWER_POLL_INTERVAL)")
	return cmd
}

func awaitRun(ctx context.Context, p *poller.Poller, runID string) error {
	fmt.Printf("Waiting for run %s (checking every %s)...\n", runID, p.Interval())
	state, err := p.AwaitCompletion(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s finished: %s\n", runID, state)
	if !state.IsSuccessful() {
		return fmt.Errorf("run %s did not succeed (%s)", runID, state)
	}
	return nil
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs tagged with the query label",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			runs, err := client.ListWorkflows(cmd.Context(), cfg.WorkspaceID, "label:"+cfg.QueryLabel)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s %-30s [%s] %s %s\n",
					run.ID, truncate(run.RunName, 30), run.State, run.PipelineName,
					storage.FormatTimeAgo(run.SubmittedAt))
			}
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent launch attempts from the local journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			attempts, err := store.ListAttempts(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(attempts) == 0 {
				fmt.Println("No launch attempts recorded.")
				return nil
			}

			for _, a := range attempts {
				line := fmt.Sprintf("%s %-30s [%s] %s", storage.FormatTimeAgo(a.StartedAt), truncate(a.RunName, 30), a.Status, a.Pipeline)
				if a.RunID != "" {
					line += " run=" + a.RunID
				}
				if a.Resume {
					line += " resumed=" + a.SessionID
				}
				if a.Error != "" {
					line += " error=" + truncate(a.Error, 60)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Number of attempts to show")
	return cmd
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Check the configured credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			user, err := client.UserInfo(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s <%s> (id %d) on %s, workspace %d\n", user.UserName, user.Email, user.ID, cfg.APIEndpoint, cfg.WorkspaceID)
			return nil
		},
	}
}

func newSpecsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "specs",
		Short: "List launch definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			defs, err := spec.LoadAll(cfg.SpecDirs())
			if err != nil {
				return fmt.Errorf("failed to load specs: %w", err)
			}
			if len(defs) == 0 {
				fmt.Printf("No specs found in %v.\n", cfg.SpecDirs())
				return nil
			}
			for _, name := range slices.Sorted(maps.Keys(defs)) {
				def := defs[name]
				fmt.Printf("%-24s %s %s\n", name, def.Launch.Pipeline, def.Description)
			}
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch runs tagged with the query label",
		RunE:  runWatch,
	}
	cmd.Flags().Duration("refresh", 30*time.Second, "Refresh interval")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	refresh, err := cmd.Flags().GetDuration("refresh")
	if err != nil {
		// The root command has no --refresh flag.
		refresh = 30 * time.Second
	}
	// Logs would corrupt the alt screen.
	logger = slog.New(slog.DiscardHandler)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	defs, err := spec.LoadAll(cfg.SpecDirs())
	if err != nil {
		return fmt.Errorf("failed to load specs: %w", err)
	}

	app := tui.NewApp(client, store, tui.Options{
		WorkspaceID: cfg.WorkspaceID,
		QueryLabel:  cfg.QueryLabel,
		Refresh:     refresh,
		Specs:       defs,
	})
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))

	_, err = p.Run()
	return err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
