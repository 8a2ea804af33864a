// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/engram/internal/log"
	"github.com/teradata-labs/engram/internal/version"
	"github.com/teradata-labs/engram/pkg/config"
	"github.com/teradata-labs/engram/pkg/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "engramd",
	Short: "Engram orchestrator - per-session cognitive agent daemon",
	Long: `Engram orchestrator (engramd) supervises the background agent subsessions
of one host coding session: memory retrieval, continuous learning, state
compaction, and memory curation, coordinated over a PostgreSQL message bus.`,
	Version:       version.Get(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

// Execute runs the root command. Exit code 1 covers configuration errors
// and crashes alike; a clean stop exits 0.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	// Identity
	f.String("session-id", "", "host session identifier (required)")
	f.String("cwd", "", "host project working directory")
	f.String("project-slug", "", "project slug scoping the memory store")

	// Agent enablement
	f.String("retriever", "on", "retriever agents (on|off)")
	f.String("learner", "on", "learner agent (on|off)")
	f.String("compactor", "on", "compactor agent (on|off)")
	f.String("curator", "off", "curator agent (on|off)")

	// Compaction
	f.String("transcript-path", "", "host transcript JSONL path")
	f.Int64("last-compact-size", 0, "transcript byte offset already compacted")

	// Budgets (USD)
	f.Float64("retriever-a-budget", config.DefaultCallBudgetUSD, "per-call cap for the keyword retriever")
	f.Float64("retriever-b-budget", config.DefaultCallBudgetUSD, "per-call cap for the cascade retriever")
	f.Float64("learner-budget", config.DefaultCallBudgetUSD, "per-call cap for the learner")
	f.Float64("compactor-budget", config.DefaultCallBudgetUSD, "per-call cap for the compactor")
	f.Float64("curator-budget", config.DefaultCallBudgetUSD, "per-call cap for the curator")
	f.Float64("session-budget", config.DefaultSessionBudgetUSD, "total cap across all agents")

	// Supervision
	f.Int("parent-pid", 0, "host process pid to watch (0=disabled)")

	// Infrastructure
	f.String("db-url", "", "PostgreSQL DSN or postgres:// URL (required)")
	f.String("backend", "claudecli", "LLM backend (claudecli|anthropic)")
	f.String("claude-bin", "claude", "claude CLI binary for the claudecli backend")
	f.String("model", "", "model override for agent calls")
	f.String("api-key", "", "API key for the anthropic backend")
	f.String("mcp-server-cmd", "", "memory toolserver command line")
	f.StringSlice("mcp-server-env", nil, "extra KEY=VALUE environment for the toolserver")

	// Tuning
	f.Duration("poll-interval", config.DefaultPollInterval, "inbox poll interval")
	f.Int("batch-size", config.DefaultClaimBatchSize, "inbox claim batch size")
	f.Duration("compactor-interval", config.DefaultCompactorInterval, "transcript growth check interval")
	f.Duration("curator-interval", config.DefaultCuratorInterval, "curation pass interval")
	f.Bool("learner-batch", false, "coalesce tool activity into batched learner calls")
	f.Int("learner-batch-min", config.DefaultBatchMinSize, "minimum batch size after the window elapses")
	f.Int("learner-batch-max", config.DefaultBatchMaxSize, "batch size that forces a flush")
	f.Duration("learner-batch-window", config.DefaultBatchWindow, "batch accumulation window")

	// Logging
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Bool("log-json", false, "emit JSON logs")

	viper.SetEnvPrefix("ENGRAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(f)
}

// parseOnOff maps the on|off flag form onto a bool.
func parseOnOff(flag, value string) (bool, error) {
	switch value {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, &config.ConfigError{Field: flag, Msg: fmt.Sprintf("want on or off, got %q", value)}
}

// buildConfig assembles the Config from flags and ENGRAM_ environment.
func buildConfig() (config.Config, error) {
	cfg := config.Default()

	cfg.SessionID = viper.GetString("session-id")
	cfg.Cwd = config.ExpandPath(viper.GetString("cwd"))
	cfg.ProjectSlug = viper.GetString("project-slug")

	var err error
	if cfg.RetrieverEnabled, err = parseOnOff("retriever", viper.GetString("retriever")); err != nil {
		return cfg, err
	}
	if cfg.LearnerEnabled, err = parseOnOff("learner", viper.GetString("learner")); err != nil {
		return cfg, err
	}
	if cfg.CompactorEnabled, err = parseOnOff("compactor", viper.GetString("compactor")); err != nil {
		return cfg, err
	}
	if cfg.CuratorEnabled, err = parseOnOff("curator", viper.GetString("curator")); err != nil {
		return cfg, err
	}

	cfg.TranscriptPath = config.ExpandPath(viper.GetString("transcript-path"))
	cfg.LastCompactSize = viper.GetInt64("last-compact-size")

	cfg.Budgets = config.AgentBudgets{
		RetrieverA: viper.GetFloat64("retriever-a-budget"),
		RetrieverB: viper.GetFloat64("retriever-b-budget"),
		Learner:    viper.GetFloat64("learner-budget"),
		Compactor:  viper.GetFloat64("compactor-budget"),
		Curator:    viper.GetFloat64("curator-budget"),
	}
	cfg.SessionBudgetUSD = viper.GetFloat64("session-budget")

	cfg.ParentPID = viper.GetInt("parent-pid")

	cfg.DatabaseURL = viper.GetString("db-url")
	cfg.Backend = viper.GetString("backend")
	cfg.ClaudeBin = viper.GetString("claude-bin")
	cfg.Model = viper.GetString("model")
	cfg.APIKey = viper.GetString("api-key")
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cmdline := viper.GetString("mcp-server-cmd"); cmdline != "" {
		cfg.MCPServerCommand = strings.Fields(cmdline)
	}
	cfg.MCPServerEnv = viper.GetStringSlice("mcp-server-env")

	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.ClaimBatchSize = viper.GetInt("batch-size")
	cfg.CompactorInterval = viper.GetDuration("compactor-interval")
	cfg.CuratorInterval = viper.GetDuration("curator-interval")
	cfg.BatchEnabled = viper.GetBool("learner-batch")
	cfg.BatchMinSize = viper.GetInt("learner-batch-min")
	cfg.BatchMaxSize = viper.GetInt("learner-batch-max")
	cfg.BatchWindow = viper.GetDuration("learner-batch-window")

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	if err := log.Setup(viper.GetBool("log-json"), viper.GetString("log-level")); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return err
	}
	return o.Run(ctx)
}
