package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"agentcore/internal/config"
	"agentcore/internal/logging"
	"agentcore/internal/policy"
	"agentcore/internal/tools"
)

var (
	// Global flags
	verbose        bool
	settingsPath   string
	apiKey         string
	modelOverride  string
	nonInteractive bool

	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "agentcore - execution core for an autonomous coding agent",
	Long: `agentcore runs model-proposed tool calls under a policy engine.

Every call the model proposes is checked against priority-ordered rules
and safety checkers before it may execute; calls the policy cannot decide
are put to the user for approval. Lifecycle hooks fire around tool and
model events, and quota failures drive backoff or model downgrade.

Run without arguments to start an interactive session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Initialize(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd.Context(), strings.Join(args, " "))
	},
}

// runCmd executes a single instruction and exits
var runCmd = &cobra.Command{
	Use:   "run [instruction]",
	Short: "Execute a single instruction and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), strings.Join(args, " "))
	},
}

// checkCmd evaluates the policy decision for a hypothetical tool call
var checkCmd = &cobra.Command{
	Use:   "check [tool] [args-json]",
	Short: "Show the policy decision for a tool call without running it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		callArgs := map[string]any{}
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &callArgs); err != nil {
				return fmt.Errorf("args must be a JSON object: %w", err)
			}
		}

		engine := policy.NewEngine(settings.Policy.PolicyOptions())
		engine.ReplaceRules(settings.Policy.CompileRules())

		call := tools.CallRequest{CallID: "check", Name: args[0], Args: callArgs}
		result := engine.Check(cmd.Context(), call, call.ServerName())

		fmt.Printf("%s -> %s\n", args[0], result.Decision)
		if result.Rule != nil {
			fmt.Printf("  matched rule: %s (priority %d)\n", result.Rule.ToolName, result.Rule.Priority)
		} else {
			fmt.Println("  matched rule: none (default)")
		}
		return nil
	},
}

// hooksCmd lists the configured hooks in precedence order
var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "List configured hooks in precedence order",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		registry := newHookRegistry(settings)
		entries := registry.AllHooks()
		if len(entries) == 0 {
			fmt.Println("no hooks configured")
			return nil
		}
		for _, entry := range entries {
			state := "enabled"
			if !entry.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-22s %-10s %-8s %s\n", entry.EventName, entry.Source, state, entry.DisplayName())
		}
		return nil
	},
}

func loadSettings() (*config.Settings, error) {
	if settingsPath == "" {
		return &config.Settings{}, nil
	}
	settings, err := config.Load(settingsPath)
	if err != nil {
		return nil, err
	}
	return settings, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "", "path to the settings file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (defaults to GEMINI_API_KEY)")
	rootCmd.PersistentFlags().StringVarP(&modelOverride, "model", "m", "", "model override")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "never prompt; approval requests are denied")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(hooksCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
