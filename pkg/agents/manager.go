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

// Package agents manages the long-lived LLM agent subsessions: parallel
// initialization, per-kind busy flags, tool whitelists, budget enforcement,
// and the durable usage mirror.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teradata-labs/engram/internal/log"
	"github.com/teradata-labs/engram/pkg/agents/prompts"
	"github.com/teradata-labs/engram/pkg/budget"
	"github.com/teradata-labs/engram/pkg/llm"
	"github.com/teradata-labs/engram/pkg/types"
)

// ErrBusy is returned when a call would reenter a kind whose subsession is
// already serving a call. The dispatcher's busy-queue policy decides what
// happens next (safe outbox record, re-queue, or skipped tick).
var ErrBusy = errors.New("agent subsession busy")

// ErrDisabled is returned for calls to a kind that was not enabled.
var ErrDisabled = errors.New("agent kind not enabled")

// primingPrompt opens each subsession at initialization. The reply is
// discarded; the call exists to obtain the subsession identifier.
const primingPrompt = "You are now attached to a live session. Acknowledge with READY and wait for input."

// UsageRecorder mirrors per-agent spend into durable storage. Implemented
// by the database gateway; a nil recorder disables the mirror.
type UsageRecorder interface {
	RecordAgentUsage(ctx context.Context, usage types.AgentUsage) error
}

// Config holds manager settings.
type Config struct {
	Enabled       map[types.AgentKind]bool
	PerCallBudget map[types.AgentKind]float64
	MaxTurns      map[types.AgentKind]int
	Model         string
	// MCPConfig is handed to the backend so agents can reach the memory
	// toolserver.
	MCPConfig string
	SessionID string
}

// DefaultMaxTurns bounds an agent call when Config.MaxTurns has no entry
// for the kind.
const DefaultMaxTurns = 15

type subsession struct {
	kind types.AgentKind
	mu   sync.Mutex // TryLock is the busy flag
	id   string
}

// Manager owns the subsession handles. Handles survive session resets;
// only the session identifier used for the usage mirror is rebound.
type Manager struct {
	backend llm.Backend
	tracker *budget.Tracker
	usage   UsageRecorder
	cfg     Config

	mu        sync.RWMutex
	sessionID string
	subs      map[types.AgentKind]*subsession
}

// NewManager builds a manager. InitAll must run before Call.
func NewManager(backend llm.Backend, tracker *budget.Tracker, usage UsageRecorder, cfg Config) *Manager {
	subs := make(map[types.AgentKind]*subsession)
	for _, kind := range types.AllAgentKinds {
		if cfg.Enabled[kind] {
			subs[kind] = &subsession{kind: kind}
		}
	}
	return &Manager{
		backend:   backend,
		tracker:   tracker,
		usage:     usage,
		cfg:       cfg,
		sessionID: cfg.SessionID,
		subs:      subs,
	}
}

// InitAll initializes every enabled subsession in parallel. A failure of
// any one fails initialization as a whole; the caller treats it as fatal.
func (m *Manager) InitAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range m.subs {
		sub := sub
		g.Go(func() error {
			system, err := prompts.For(sub.kind)
			if err != nil {
				return err
			}
			res, err := m.backend.Query(gctx, llm.QueryRequest{
				SystemPrompt: system,
				Prompt:       primingPrompt,
				Model:        m.cfg.Model,
				AllowedTools: AllowedTools(sub.kind),
				MaxTurns:     1,
				MaxBudgetUSD: m.cfg.PerCallBudget[sub.kind],
				MCPConfig:    m.cfg.MCPConfig,
			})
			if err != nil {
				return fmt.Errorf("initialize %s: %w", sub.kind, err)
			}
			sub.id = res.SubsessionID
			m.tracker.Record(sub.kind, res.CostUSD)
			m.mirrorUsage(gctx, sub.kind, "ok")
			log.Info("agent subsession initialized",
				zap.String("kind", string(sub.kind)),
				zap.String("subsession_id", res.SubsessionID),
				zap.Float64("cost_usd", res.CostUSD))
			return nil
		})
	}
	return g.Wait()
}

// Enabled reports whether a kind was configured on.
func (m *Manager) Enabled(kind types.AgentKind) bool {
	_, ok := m.subs[kind]
	return ok
}

// SubsessionID returns the identifier issued at initialization, or "".
func (m *Manager) SubsessionID(kind types.AgentKind) string {
	sub, ok := m.subs[kind]
	if !ok {
		return ""
	}
	return sub.id
}

// SetSessionID rebinds the usage mirror after a session reset. Subsession
// handles are untouched.
func (m *Manager) SetSessionID(sessionID string) {
	m.mu.Lock()
	m.sessionID = sessionID
	m.mu.Unlock()
}

// Call resumes a kind's subsession with a prompt and blocks until the
// terminal result. Returns ErrBusy without blocking when the kind is
// already serving a call, and *budget.ExhaustedError when caps deny it.
func (m *Manager) Call(ctx context.Context, kind types.AgentKind, prompt string) (*llm.Result, error) {
	sub, ok := m.subs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, kind)
	}
	if !sub.mu.TryLock() {
		return nil, ErrBusy
	}
	defer sub.mu.Unlock()

	if err := m.tracker.Authorize(kind); err != nil {
		m.mirrorUsage(ctx, kind, "budget_exhausted")
		return nil, err
	}

	maxTurns := m.cfg.MaxTurns[kind]
	if maxTurns == 0 {
		maxTurns = DefaultMaxTurns
	}
	res, err := m.backend.Query(ctx, llm.QueryRequest{
		SubsessionID: sub.id,
		Prompt:       prompt,
		Model:        m.cfg.Model,
		AllowedTools: AllowedTools(kind),
		MaxTurns:     maxTurns,
		MaxBudgetUSD: m.cfg.PerCallBudget[kind],
		MCPConfig:    m.cfg.MCPConfig,
	})
	if err != nil {
		return nil, err
	}
	// Some backends reissue the identifier on resume.
	if res.SubsessionID != "" {
		sub.id = res.SubsessionID
	}
	m.tracker.Record(kind, res.CostUSD)
	m.mirrorUsage(ctx, kind, "ok")
	log.Debug("agent call completed",
		zap.String("kind", string(kind)),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Int("num_turns", res.NumTurns))
	return res, nil
}

// mirrorUsage upserts the agent_usage row. Best-effort: a mirror failure
// never fails the call that produced it.
func (m *Manager) mirrorUsage(ctx context.Context, kind types.AgentKind, status string) {
	if m.usage == nil {
		return
	}
	m.mu.RLock()
	sessionID := m.sessionID
	m.mu.RUnlock()
	u := m.tracker.Usage(kind)
	err := m.usage.RecordAgentUsage(ctx, types.AgentUsage{
		SessionID:       sessionID,
		AgentName:       kind,
		InvocationCount: u.Invocations,
		TotalCostUSD:    u.TotalUSD,
		LastCostUSD:     u.LastUSD,
		BudgetPerCall:   u.PerCallCap,
		BudgetSession:   m.tracker.SessionCap(),
		Status:          status,
	})
	if err != nil {
		log.Warn("agent usage mirror failed",
			zap.String("kind", string(kind)), zap.Error(err))
	}
}
