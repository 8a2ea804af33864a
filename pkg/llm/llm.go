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

// Package llm defines the backend abstraction for agent subsession queries.
// A backend owns long-lived conversational subsessions addressed by an
// identifier; each Query resumes one subsession, streams until a terminal
// result, and reports cost.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// QueryRequest describes one agent call. An empty SubsessionID starts a new
// subsession (the priming call); the returned Result carries the identifier
// to resume on subsequent calls.
type QueryRequest struct {
	SubsessionID string
	SystemPrompt string
	Prompt       string
	Model        string
	AllowedTools []string
	MaxTurns     int
	MaxBudgetUSD float64
	// MCPConfig is an opaque toolserver configuration handed to backends
	// that spawn their own tool transport (JSON for the CLI backend).
	MCPConfig string
}

// Result is the terminal outcome of one agent call.
type Result struct {
	SubsessionID string
	Text         string
	Subtype      string
	CostUSD      float64
	NumTurns     int
	DurationMs   int64
}

// Backend issues prompts to named agent subsessions.
type Backend interface {
	// Name identifies the backend implementation.
	Name() string
	// Query resumes (or creates) a subsession, blocks until the terminal
	// result message, and returns it. Implementations must honor ctx
	// cancellation at every blocking point.
	Query(ctx context.Context, req QueryRequest) (*Result, error)
	// Close releases backend resources.
	Close() error
}

// SubtypeSuccess is the terminal result subtype of a successful call.
const SubtypeSuccess = "success"

// ErrStreamEnded reports a response stream that closed before a terminal
// result message was observed.
var ErrStreamEnded = errors.New("stream ended without terminal result")

// AgentError reports a call that reached a non-success terminal subtype or
// failed mid-stream. Recovered per-message by the caller; never fatal to the
// orchestrator.
type AgentError struct {
	Subtype string
	Err     error
}

func (e *AgentError) Error() string {
	if e.Subtype != "" {
		return fmt.Sprintf("agent call failed: terminal subtype %q", e.Subtype)
	}
	return fmt.Sprintf("agent call failed: %v", e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }
