package main

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"

	"github.com/ohlala-ops/smartops/internal/awsops"
	"github.com/ohlala-ops/smartops/internal/config"
	"github.com/ohlala-ops/smartops/internal/logging"
	"github.com/ohlala-ops/smartops/internal/orchestrator"
	"github.com/ohlala-ops/smartops/internal/planner"
	"github.com/ohlala-ops/smartops/internal/state"
	"github.com/ohlala-ops/smartops/internal/throttle"
	"github.com/ohlala-ops/smartops/internal/tools"
	"github.com/ohlala-ops/smartops/internal/tracker"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "smartops",
	Short: "AI-driven AWS operations assistant",
	Long: `smartops drives an AI planning model against your AWS fleet: it
answers questions about EC2 instances, runs SSM commands with human
approval, and tracks long-running commands in the background.

Core capabilities:
- Conversational fleet inspection (list, describe, status checks)
- Approval-gated SSM command execution, sync or async
- Background tracking with exponential-backoff polling
- Throttled, circuit-broken AWS API access`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: XDG config paths)")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

// systemPrompt frames the planning model as a fleet operations assistant.
const systemPrompt = `You are an AWS operations assistant. You help users inspect and
operate their EC2 fleet through the available tools.

Guidelines:
- Use list-instances or describe-instances before acting on instances you
  have not seen in this conversation.
- Use execute_ssm_sync for quick commands (under 30 seconds) and
  execute_ssm_async for anything long-running.
- When asked to act on ALL instances, list them first and cover every
  instance, grouping commands by platform (AWS-RunShellScript for Linux,
  AWS-RunPowerShellScript for Windows).
- Report results concisely and call out failures explicitly.`

// app bundles the wired components behind the CLI commands.
type app struct {
	cfg    *config.Config
	logger *logging.DebugLogger
	db     *state.DB
	store  *state.Store
	orch   *orchestrator.Orchestrator
	plan   *planner.Client
	thr    *throttle.Throttler
	track  *tracker.CommandTracker
}

// close releases the app's resources.
func (a *app) close() {
	if a.track != nil {
		a.track.Stop()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.logger != nil {
		a.logger.Close()
	}
}

// buildApp loads configuration and wires every component together.
func buildApp(ctx context.Context) (*app, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logPath := ""
	if cfg.Debug.Enabled {
		logPath = cfg.Debug.LogFile
	}
	logger, err := logging.NewDebugLogger(logPath)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}

	thr := throttle.New(throttle.Config{
		MaxConcurrentCalls:      cfg.Throttle.MaxConcurrentCalls,
		TokensPerSecond:         cfg.Throttle.TokensPerSecond,
		MaxTokens:               cfg.Throttle.MaxTokens,
		CircuitBreakerEnabled:   cfg.Throttle.CircuitBreakerEnabled,
		CircuitBreakerThreshold: cfg.Throttle.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.Throttle.CircuitBreakerTimeout,
	})
	thr.SetLogger(logger.Log)

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	infra := awsops.New(awsCfg, thr)
	infra.SetLogger(logger.Log)

	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}
	db, err := state.Open(dbPath)
	if err != nil {
		logger.Close()
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		logger.Close()
		return nil, err
	}
	store := state.NewStore(db)

	track := tracker.New(infra, tracker.Config{
		PollInterval:   cfg.Tracker.PollInterval,
		DefaultTimeout: cfg.Tracker.DefaultTimeout,
		BaseBackoff:    cfg.Tracker.BaseBackoff,
		MaxBackoff:     cfg.Tracker.MaxBackoff,
		BackoffFactor:  cfg.Tracker.BackoffFactor,
	})
	track.SetLogger(logger.Log)
	track.SetCallbacks(consoleCallbacks{})

	plan, err := planner.New(planner.Config{
		Model:      anthropic.Model(cfg.Anthropic.Model),
		APIKey:     cfg.Anthropic.APIKey,
		UseBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:  cfg.AWS.Region,
		AWSProfile: cfg.AWS.Profile,
		Tools:      tools.Definitions(),
	})
	if err != nil {
		db.Close()
		logger.Close()
		return nil, err
	}
	plan.SetThrottler(thr)

	runner := tools.NewRunner(infra)
	runner.SetLogger(logger.Log)

	orch := orchestrator.New(orchestrator.Config{
		MaxIterations:    cfg.Orchestrator.MaxIterations,
		MaxTokens:        cfg.Orchestrator.MaxTokens,
		Temperature:      cfg.Orchestrator.Temperature,
		SyncWaitTimeout:  cfg.Orchestrator.SyncWaitTimeout,
		SyncPollInterval: cfg.Orchestrator.SyncPollInterval,
		SystemPrompt:     systemPrompt,
		Tools:            tools.Names(),
	}, plan, runner, store, store, track, infra)
	orch.SetLogger(logger.Log)
	orch.SetNotifier(&approvalRecorder{store: store})

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		store:  store,
		orch:   orch,
		plan:   plan,
		thr:    thr,
		track:  track,
	}, nil
}
