package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	towerLua "github.com/mpataki/towerops/internal/lua"
	"github.com/mpataki/towerops/internal/models"
	"github.com/mpataki/towerops/internal/orchestrator"
	"github.com/mpataki/towerops/internal/poller"
	"github.com/mpataki/towerops/internal/resolver"
	"github.com/mpataki/towerops/internal/spec"
)

func newLaunchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch <spec>",
		Short: "Launch a run unless an equivalent one is running or done",
		Long: "Launch resolves <spec> as a file path or a definition name in .towerops/specs or\n" +
			"the data directory. YAML definitions take --set values as params; Lua definitions\n" +
			"receive them as the args table of launch(args).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, _ := cmd.Flags().GetStringArray("set")
			computeEnv, _ := cmd.Flags().GetString("compute-env")
			ignorePrevious, _ := cmd.Flags().GetBool("ignore-previous")
			exact, _ := cmd.Flags().GetBool("exact")
			wait, _ := cmd.Flags().GetBool("wait")
			ctx := cmd.Context()

			values, err := parseSets(sets)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			path, err := spec.Locate(args[0], cfg.SpecDirs())
			if err != nil {
				return err
			}

			var def *models.Definition
			if towerLua.IsLuaSpec(path) {
				def, err = towerLua.NewRuntime(logger).Evaluate(ctx, path, values)
				if err != nil {
					return fmt.Errorf("failed to evaluate %s: %w", path, err)
				}
			} else {
				def, err = spec.Parse(path)
				if err != nil {
					return err
				}
				for _, kv := range sets {
					k, v, _ := strings.Cut(kv, "=")
					def.Launch.Params = def.Launch.Params.Set(k, v)
				}
			}
			if err := spec.Validate(def); err != nil {
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

			orch := orchestrator.New(client, resolver.New(client, logger), orchestrator.Options{
				WorkspaceID: cfg.WorkspaceID,
				QueryLabel:  cfg.QueryLabel,
				Journal:     store,
				Logger:      logger,
			})

			if computeEnv == "" {
				computeEnv = def.ComputeEnvFilter
			}
			result, err := orch.Launch(ctx, def.Launch, orchestrator.LaunchOptions{
				ComputeEnvFilter:   computeEnv,
				IgnorePreviousRuns: ignorePrevious || def.IgnorePreviousRuns,
				ExactRunName:       exact,
			})
			if err != nil {
				return err
			}

			switch result.Action {
			case orchestrator.ActionAlreadyRunning:
				fmt.Printf("Run %s (%s) is already in progress\n", result.RunID, result.Previous.RunName)
			case orchestrator.ActionAlreadyDone:
				fmt.Printf("Run %s (%s) already finished: %s\n", result.RunID, result.Previous.RunName, result.Previous.State)
			case orchestrator.ActionRelaunched:
				fmt.Printf("Relaunched %s as run %s (%s), resuming session %s\n",
					result.Previous.RunName, result.RunID, result.Spec.RunName, result.Spec.SessionID)
			default:
				fmt.Printf("Launched run %s (%s)\n", result.RunID, result.Spec.RunName)
			}

			if !wait {
				return nil
			}
			return awaitRun(ctx, poller.New(client, cfg.WorkspaceID, cfg.PollInterval, logger), result.RunID)
		},
	}

	cmd.Flags().StringArray("set", nil, "key=value passed to the definition (repeatable)")
	cmd.Flags().String("compute-env", "", "Only consider compute environments whose name contains this")
	cmd.Flags().Bool("ignore-previous", false, "Launch even if a matching run exists")
	cmd.Flags().Bool("exact", false, "Match previous runs by exact run name instead of prefix")
	cmd.Flags().Bool("wait", false, "Wait for the run to finish")
	return cmd
}

func parseSets(sets []string) (map[string]string, error) {
	values := make(map[string]string, len(sets))
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", kv)
		}
		values[k] = v
	}
	return values, nil
}
