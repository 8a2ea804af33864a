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

// Package config holds the orchestrator configuration assembled from CLI
// flags and ENGRAM_-prefixed environment variables.
package config

import (
	"fmt"
	"time"
)

// Default intervals and limits.
const (
	DefaultPollInterval      = 2 * time.Second
	DefaultClaimBatchSize    = 10
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultDrainWindow       = 10 * time.Second
	DefaultDBRetryWindow     = 60 * time.Second
	DefaultWatchdogInterval  = 10 * time.Second

	DefaultRetrievalExpiry = 45 * time.Second
	DefaultMinAnswerChars  = 20

	DefaultCompactorInterval = 60 * time.Second
	DefaultFirstCompactChars = 45000
	DefaultNextCompactChars  = 25000
	DefaultTailChars         = 80000

	DefaultCuratorInterval = 6 * time.Hour

	DefaultLearnerTruncate = 2000
	DefaultBatchMinSize    = 1
	DefaultBatchMaxSize    = 5
	DefaultBatchWindow     = 30 * time.Second

	DefaultCallBudgetUSD    = 0.50
	DefaultSessionBudgetUSD = 5.00
)

// ConfigError reports missing or malformed CLI input. Fatal at start.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Msg)
}

// AgentBudgets holds the per-call USD caps for each agent kind.
type AgentBudgets struct {
	RetrieverA float64
	RetrieverB float64
	Learner    float64
	Compactor  float64
	Curator    float64
}

// Config is the full orchestrator configuration.
type Config struct {
	SessionID   string
	Cwd         string
	ProjectSlug string

	RetrieverEnabled bool
	LearnerEnabled   bool
	CompactorEnabled bool
	CuratorEnabled   bool

	TranscriptPath  string
	LastCompactSize int64

	Budgets          AgentBudgets
	SessionBudgetUSD float64

	ParentPID int

	// DatabaseURL is a libpq-style DSN or postgres:// URL.
	DatabaseURL string

	// Backend selects the LLM backend: "claudecli" or "anthropic".
	Backend    string
	ClaudeBin  string
	Model      string
	APIKey     string

	// MCPServerCommand spawns the memory toolserver (argv form).
	MCPServerCommand []string
	MCPServerEnv     []string

	PollInterval      time.Duration
	ClaimBatchSize    int
	HeartbeatInterval time.Duration
	DrainWindow       time.Duration
	DBRetryWindow     time.Duration
	WatchdogInterval  time.Duration

	RetrievalExpiry time.Duration
	MinAnswerChars  int

	CompactorInterval time.Duration
	FirstCompactChars int
	NextCompactChars  int
	TailChars         int

	CuratorInterval time.Duration

	LearnerTruncate int
	BatchEnabled    bool
	BatchMinSize    int
	BatchMaxSize    int
	BatchWindow     time.Duration
}

// Default returns a Config with every tunable at its default. The caller
// fills identity fields (SessionID, paths) from flags.
func Default() Config {
	return Config{
		RetrieverEnabled: true,
		LearnerEnabled:   true,
		CompactorEnabled: true,
		CuratorEnabled:   false,
		Budgets: AgentBudgets{
			RetrieverA: DefaultCallBudgetUSD,
			RetrieverB: DefaultCallBudgetUSD,
			Learner:    DefaultCallBudgetUSD,
			Compactor:  DefaultCallBudgetUSD,
			Curator:    DefaultCallBudgetUSD,
		},
		SessionBudgetUSD:  DefaultSessionBudgetUSD,
		Backend:           "claudecli",
		PollInterval:      DefaultPollInterval,
		ClaimBatchSize:    DefaultClaimBatchSize,
		HeartbeatInterval: DefaultHeartbeatInterval,
		DrainWindow:       DefaultDrainWindow,
		DBRetryWindow:     DefaultDBRetryWindow,
		WatchdogInterval:  DefaultWatchdogInterval,
		RetrievalExpiry:   DefaultRetrievalExpiry,
		MinAnswerChars:    DefaultMinAnswerChars,
		CompactorInterval: DefaultCompactorInterval,
		FirstCompactChars: DefaultFirstCompactChars,
		NextCompactChars:  DefaultNextCompactChars,
		TailChars:         DefaultTailChars,
		CuratorInterval:   DefaultCuratorInterval,
		LearnerTruncate:   DefaultLearnerTruncate,
		BatchMinSize:      DefaultBatchMinSize,
		BatchMaxSize:      DefaultBatchMaxSize,
		BatchWindow:       DefaultBatchWindow,
	}
}

// Validate checks the configuration at start. Violations are ConfigErrors
// and fatal (exit 1).
func (c *Config) Validate() error {
	if c.SessionID == "" {
		return &ConfigError{Field: "session-id", Msg: "must not be empty"}
	}
	if c.DatabaseURL == "" {
		return &ConfigError{Field: "db-url", Msg: "must not be empty"}
	}
	switch c.Backend {
	case "claudecli", "anthropic":
	default:
		return &ConfigError{Field: "backend", Msg: fmt.Sprintf("unknown backend %q", c.Backend)}
	}
	if c.Backend == "anthropic" && c.APIKey == "" {
		return &ConfigError{Field: "api-key", Msg: "required for the anthropic backend"}
	}
	if c.SessionBudgetUSD <= 0 {
		return &ConfigError{Field: "session-budget", Msg: "must be positive"}
	}
	if c.CompactorEnabled && c.TranscriptPath == "" {
		return &ConfigError{Field: "transcript-path", Msg: "required when the compactor is enabled"}
	}
	if c.BatchEnabled && (c.BatchMaxSize < c.BatchMinSize || c.BatchMinSize < 1) {
		return &ConfigError{Field: "learner-batch", Msg: "batch sizes must satisfy 1 <= min <= max"}
	}
	return nil
}

// BudgetFor returns the per-call cap for one agent kind name as used by the
// budget tracker. Unknown names get the learner default.
func (b AgentBudgets) BudgetFor(kind string) float64 {
	switch kind {
	case "keyword_retriever":
		return b.RetrieverA
	case "cascade_retriever":
		return b.RetrieverB
	case "learner":
		return b.Learner
	case "compactor":
		return b.Compactor
	case "curator":
		return b.Curator
	}
	return b.Learner
}
