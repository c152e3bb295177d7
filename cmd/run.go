// File: cmd/run.go
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/agent"
	"github.com/xkilldash9x/voyager-cli/internal/browser"
	"github.com/xkilldash9x/voyager-cli/internal/config"
	"github.com/xkilldash9x/voyager-cli/internal/controller"
	"github.com/xkilldash9x/voyager-cli/internal/llm"
	"github.com/xkilldash9x/voyager-cli/internal/observability"
	"github.com/xkilldash9x/voyager-cli/internal/tokencost"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	var (
		startURL  string
		maxSteps  int
		stateFile string
	)

	runCmd := &cobra.Command{
		Use:   "run \"task description\"",
		Short: "Runs an autonomous browser session for the given task",
		Long: `Run starts a browser, hands the task to the model, and loops through
observe, decide and act steps until the model declares the task done, the
failure allowance runs out, or the step budget ends.

The final result and a per-model usage and cost summary are printed when the
run ends. With --state-file the agent's conversation state is persisted after
the run and restored before it, so a follow-up invocation continues where the
previous one left off.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			task := strings.TrimSpace(strings.Join(args, " "))
			if task == "" {
				return errors.New("task must not be empty")
			}

			logger.Info("Starting new run",
				zap.String("task", task),
				zap.String("start_url", startURL),
				zap.Bool("headless", cfg.Browser.Headless),
				zap.String("fast_model", cfg.LLM.DefaultFastModel),
				zap.String("powerful_model", cfg.LLM.DefaultPowerfulModel),
			)

			components, err := initializeRunComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize run components: %w", err)
			}
			defer components.Shutdown()

			ag, err := agent.New(task, cfg, agent.Deps{
				Router:      components.Router,
				Registry:    components.Registry,
				Environment: components.Browser,
				Ledger:      components.Ledger,
				Logger:      logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			if stateFile != "" {
				state, err := loadAgentState(stateFile)
				if err != nil {
					return err
				}
				if state != nil {
					if err := ag.LoadState(state); err != nil {
						return fmt.Errorf("could not restore agent state from %s: %w", stateFile, err)
					}
					logger.Info("Restored agent state", zap.String("path", stateFile), zap.String("agent_id", ag.ID()))
				}
			}

			// Open the starting page before the model takes over, so its first
			// observation is already on target.
			if startURL != "" {
				if _, err := components.Browser.Dispatch(ctx, schemas.ActionIntent{Kind: schemas.IntentNavigate, URL: startURL}); err != nil {
					return fmt.Errorf("could not open the starting page: %w", err)
				}
			}

			started := time.Now()
			history, runErr := ag.Run(ctx, maxSteps)

			// The state and summary are still worth having after an abort;
			// partial progress is how a resumed run picks up.
			if stateFile != "" {
				saveAgentState(ag, stateFile, logger)
			}
			printRunSummary(cmd, history, components.Ledger)

			if runErr != nil {
				if errors.Is(runErr, context.Canceled) {
					logger.Warn("Run aborted by user signal", zap.String("agent_id", ag.ID()))
					return fmt.Errorf("run aborted: %w", runErr)
				}
				logger.Error("Run failed", zap.Error(runErr), zap.String("agent_id", ag.ID()))
				return fmt.Errorf("run failed: %w", runErr)
			}

			logger.Info("Run finished",
				zap.String("agent_id", ag.ID()),
				zap.String("status", string(history.Status)),
				zap.Int("steps", history.Len()),
				zap.Duration("duration", time.Since(started)),
			)
			return nil
		},
	}

	runCmd.Flags().StringVarP(&startURL, "url", "u", "", "Page to open before the agent takes over.")
	runCmd.Flags().IntVarP(&maxSteps, "max-steps", "n", 0, "Step budget for this run. 0 uses the configured default.")
	runCmd.Flags().StringVar(&stateFile, "state-file", "", "Path for persisting agent state as JSON across invocations.")

	// These override config values; root binds them through viper.
	runCmd.Flags().Bool("headless", true, "Run the browser without a visible window. (Overrides config/env)")
	runCmd.Flags().Bool("vision", true, "Attach page screenshots to model input. (Overrides config/env)")
	runCmd.Flags().StringSlice("allowed-domains", nil, "Restrict navigation to these domain patterns, e.g. '*.example.com'. (Overrides config/env)")
	runCmd.Flags().String("extend-system-prompt", "", "Extra instructions appended to the built-in system prompt. (Overrides config/env)")

	return runCmd
}

// runComponents holds the initialized collaborators of one run.
type runComponents struct {
	Browser  *browser.Browser
	Router   *llm.Router
	Registry *controller.Registry
	Ledger   *tokencost.Ledger
}

// Shutdown gracefully closes all components.
func (rc *runComponents) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if rc.Browser != nil {
		if err := rc.Browser.Close(shutdownCtx); err != nil {
			observability.GetLogger().Warn("Error during browser shutdown", zap.Error(err))
		}
	}
}

// initializeRunComponents handles dependency injection for the run command.
func initializeRunComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{}

	// 1. Model router
	router, err := llm.NewRouterFromConfig(ctx, cfg.LLM, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize model clients: %w", err)
	}
	components.Router = router

	// 2. Action registry
	components.Registry = controller.NewRegistry(logger)

	// 3. Usage ledger with remote pricing. The source handles its own cache
	// and degrades to zero-cost records when pricing is unavailable.
	components.Ledger = tokencost.NewLedger(tokencost.NewSource(cfg.Pricing, logger), logger)

	// 4. Browser, last, so nothing launches when an earlier step fails.
	br, err := browser.New(ctx, cfg.Browser, logger)
	if err != nil {
		return components, fmt.Errorf("failed to start browser: %w", err)
	}
	components.Browser = br

	return components, nil
}

// loadAgentState reads a persisted agent state. A missing file is not an
// error; it just means this is a first run.
func loadAgentState(path string) (*schemas.AgentState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read state file %s: %w", path, err)
	}
	var state schemas.AgentState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("state file %s does not contain valid agent state: %w", path, err)
	}
	return &state, nil
}

// saveAgentState persists the agent's state. Failures are logged, not fatal;
// the run's outcome matters more than the checkpoint.
func saveAgentState(ag *agent.Agent, path string, logger *zap.Logger) {
	state, err := ag.State()
	if err != nil {
		logger.Warn("Could not snapshot agent state", zap.Error(err))
		return
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		logger.Warn("Could not serialize agent state", zap.Error(err))
		return
	}
	// The conversation inside may quote page content, so keep it private.
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		logger.Warn("Could not write state file", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Info("Agent state saved", zap.String("path", path))
}

// printRunSummary writes the human-facing outcome of a run to stdout.
func printRunSummary(cmd *cobra.Command, history *schemas.AgentHistoryList, ledger *tokencost.Ledger) {
	if history == nil {
		return
	}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "\n%s\n", summaryLine(history))
	if result := history.FinalResult(); result != "" {
		fmt.Fprintf(out, "\n%s\n", result)
	}
	if errs := history.Errors(); len(errs) > 0 && history.Status != schemas.RunStatusDone {
		fmt.Fprintf(out, "\nLast error: %s\n", errs[len(errs)-1])
	}
	if ledger != nil {
		fmt.Fprintf(out, "\nModel usage:\n%s\n", ledger.Summary())
	}
}

// summaryLine renders the run disposition for terminal output.
func summaryLine(history *schemas.AgentHistoryList) string {
	steps := history.Len()
	switch history.Status {
	case schemas.RunStatusDone:
		if ok := history.IsSuccessful(); ok != nil && !*ok {
			return fmt.Sprintf("Run finished after %d steps; the task reported failure.", steps)
		}
		return fmt.Sprintf("Run completed after %d steps.", steps)
	case schemas.RunStatusFailed:
		return fmt.Sprintf("Run failed after %d steps.", steps)
	case schemas.RunStatusStopped:
		return fmt.Sprintf("Run stopped after %d steps.", steps)
	case schemas.RunStatusMaxSteps:
		return fmt.Sprintf("Run hit the step budget after %d steps.", steps)
	default:
		return fmt.Sprintf("Run ended after %d steps.", steps)
	}
}
