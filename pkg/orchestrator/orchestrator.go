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

// Package orchestrator assembles and runs the per-session daemon: the
// inbox dispatcher, agent subsession manager, retrieval coordinator,
// learner path, compactor, curator, heartbeat, and parent watchdog.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teradata-labs/engram/internal/log"
	"github.com/teradata-labs/engram/internal/pgxdriver"
	"github.com/teradata-labs/engram/pkg/agents"
	"github.com/teradata-labs/engram/pkg/budget"
	"github.com/teradata-labs/engram/pkg/compactor"
	"github.com/teradata-labs/engram/pkg/config"
	"github.com/teradata-labs/engram/pkg/curator"
	"github.com/teradata-labs/engram/pkg/gateway"
	"github.com/teradata-labs/engram/pkg/learner"
	"github.com/teradata-labs/engram/pkg/llm"
	"github.com/teradata-labs/engram/pkg/llm/anthropic"
	"github.com/teradata-labs/engram/pkg/llm/claudecli"
	"github.com/teradata-labs/engram/pkg/mcp"
	"github.com/teradata-labs/engram/pkg/retrieval"
	"github.com/teradata-labs/engram/pkg/types"
	"github.com/teradata-labs/engram/pkg/window"
)

// mcpProbeTimeout bounds the startup reachability check of the memory
// toolserver.
const mcpProbeTimeout = 15 * time.Second

// heartbeatStaleFactor scales the heartbeat interval into the staleness
// window used by the zombie detector.
const heartbeatStaleFactor = 4

// Orchestrator owns the assembled daemon.
type Orchestrator struct {
	cfg config.Config

	gw      *gateway.Gateway
	backend llm.Backend
	manager *agents.Manager
	tracker *budget.Tracker
	win     *window.SlidingWindow

	coord      *retrieval.Coordinator
	learn      *learner.Learner
	compact    *compactor.Compactor
	curate     *curator.Curator
	dispatcher *Dispatcher
}

// New connects the database, selects the LLM backend, and wires every
// enabled agent path. The returned orchestrator is ready for Run.
func New(ctx context.Context, cfg config.Config) (*Orchestrator, error) {
	gw, err := gateway.New(ctx, pgxdriver.Config{Dsn: cfg.DatabaseURL})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		gw.Close()
		return nil, err
	}

	mcpConfig := ""
	if len(cfg.MCPServerCommand) > 0 {
		mcpConfig, err = mcp.ConfigJSON("memory", mcpServerConfig(cfg))
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("render toolserver config: %w", err)
		}
	}

	enabled := map[types.AgentKind]bool{
		types.AgentKeywordRetriever: cfg.RetrieverEnabled,
		types.AgentCascadeRetriever: cfg.RetrieverEnabled,
		types.AgentLearner:          cfg.LearnerEnabled,
		types.AgentCompactor:        cfg.CompactorEnabled,
		types.AgentCurator:          cfg.CuratorEnabled,
	}
	perCall := map[types.AgentKind]float64{
		types.AgentKeywordRetriever: cfg.Budgets.RetrieverA,
		types.AgentCascadeRetriever: cfg.Budgets.RetrieverB,
		types.AgentLearner:          cfg.Budgets.Learner,
		types.AgentCompactor:        cfg.Budgets.Compactor,
		types.AgentCurator:          cfg.Budgets.Curator,
	}

	tracker := budget.NewTracker(perCall, cfg.SessionBudgetUSD)
	manager := agents.NewManager(backend, tracker, gw, agents.Config{
		Enabled:       enabled,
		PerCallBudget: perCall,
		Model:         cfg.Model,
		MCPConfig:     mcpConfig,
		SessionID:     cfg.SessionID,
	})

	win := window.New(window.DefaultCapacity)

	o := &Orchestrator{
		cfg:     cfg,
		gw:      gw,
		backend: backend,
		manager: manager,
		tracker: tracker,
		win:     win,
	}

	o.dispatcher = NewDispatcher(gw, DispatcherConfig{
		SessionID:     cfg.SessionID,
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.ClaimBatchSize,
		DBRetryWindow: cfg.DBRetryWindow,
	})
	o.dispatcher.SetSessionResetHandler(o.handleSessionReset)
	o.dispatcher.SetBudgetCheck(tracker.SessionExhausted)

	if cfg.RetrieverEnabled {
		o.coord = retrieval.New(manager, gw, win, retrieval.Config{
			SessionID:      cfg.SessionID,
			MinAnswerChars: cfg.MinAnswerChars,
			Expiry:         cfg.RetrievalExpiry,
		})
		o.dispatcher.SetPromptHandler(o.coord)
	}
	if cfg.LearnerEnabled {
		o.learn = learner.New(manager, learner.Config{
			TruncateChars: cfg.LearnerTruncate,
			BatchEnabled:  cfg.BatchEnabled,
			BatchMinSize:  cfg.BatchMinSize,
			BatchMaxSize:  cfg.BatchMaxSize,
			BatchWindow:   cfg.BatchWindow,
		})
		o.dispatcher.SetLearnHandler(o.learn)
	}
	if cfg.CompactorEnabled {
		o.compact = compactor.New(manager, gw, compactor.Config{
			SessionID:         cfg.SessionID,
			ProjectSlug:       cfg.ProjectSlug,
			TranscriptPath:    cfg.TranscriptPath,
			CheckInterval:     cfg.CompactorInterval,
			FirstCompactChars: cfg.FirstCompactChars,
			NextCompactChars:  cfg.NextCompactChars,
			TailChars:         cfg.TailChars,
			LastCompactSize:   cfg.LastCompactSize,
		})
		o.dispatcher.SetCompactTrigger(o.compact.TriggerNow)
	}
	if cfg.CuratorEnabled {
		o.curate = curator.New(manager, curator.Config{
			ProjectSlug: cfg.ProjectSlug,
			Interval:    cfg.CuratorInterval,
		})
		o.dispatcher.SetCurateTrigger(func(ctx context.Context) error {
			return o.curate.RunOnce(ctx)
		})
	}

	return o, nil
}

// Run drives the daemon lifecycle: register, probe, initialize agents,
// serve until a stop cause, then drain and record the terminal status.
// The returned error is nil for a clean stop and non-nil for a crash.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = o.crash(context.WithoutCancel(ctx),
				fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	if err := o.gw.UpsertOrchestrator(ctx, types.OrchestratorRecord{
		SessionID:        o.cfg.SessionID,
		PID:              os.Getpid(),
		RetrieverEnabled: o.cfg.RetrieverEnabled,
		LearnerEnabled:   o.cfg.LearnerEnabled,
		Status:           types.StatusStarting,
	}); err != nil {
		return err
	}

	// Agent priming below can outlast the staleness window, so keep the
	// starting row's heartbeat fresh until the main loop takes over.
	startupCtx, stopStartupBeat := context.WithCancel(ctx)
	defer stopStartupBeat()
	go beatUntilCanceled(startupCtx, o.cfg.HeartbeatInterval, func(ctx context.Context) error {
		return o.gw.Heartbeat(ctx, o.cfg.SessionID)
	})

	if len(o.cfg.MCPServerCommand) > 0 {
		if err := mcp.Probe(ctx, mcpServerConfig(o.cfg), mcpProbeTimeout); err != nil {
			return o.crash(ctx, fmt.Errorf("memory toolserver unreachable: %w", err))
		}
		log.Info("memory toolserver probe ok",
			zap.String("command", o.cfg.MCPServerCommand[0]))
	}

	if err := o.manager.InitAll(ctx); err != nil {
		return o.crash(ctx, fmt.Errorf("agent initialization: %w", err))
	}
	if err := o.gw.SetAgentSessions(ctx, o.cfg.SessionID,
		o.manager.SubsessionID(types.AgentKeywordRetriever),
		o.manager.SubsessionID(types.AgentLearner)); err != nil {
		log.Warn("recording agent session ids failed", zap.Error(err))
	}

	if err := o.gw.SetStatus(ctx, o.cfg.SessionID, types.StatusRunning, ""); err != nil {
		return o.crash(ctx, err)
	}
	log.Info("orchestrator running",
		zap.String("session_id", o.cfg.SessionID),
		zap.Int("pid", os.Getpid()),
		zap.String("backend", o.backend.Name()))

	if o.curate != nil {
		if err := o.curate.Start(ctx); err != nil {
			return o.crash(ctx, err)
		}
	}

	stopStartupBeat()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer recoverPanic(&err)
		return o.dispatcher.Run(gctx)
	})
	g.Go(func() (err error) {
		defer recoverPanic(&err)
		return o.heartbeatLoop(gctx)
	})
	if o.cfg.ParentPID > 0 {
		g.Go(func() (err error) {
			defer recoverPanic(&err)
			return watchParent(gctx, o.cfg.ParentPID, o.cfg.WatchdogInterval)
		})
	}
	if o.compact != nil {
		g.Go(func() (err error) {
			defer recoverPanic(&err)
			o.compact.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrStopRequested),
		errors.Is(err, ErrSessionEnded),
		errors.Is(err, ErrBudgetExhausted),
		errors.Is(err, ErrParentExited):
		o.shutdown(err)
		return nil
	default:
		return o.crash(context.WithoutCancel(ctx), err)
	}
}

// recoverPanic converts a panic in a routing or lifecycle goroutine into
// an ordinary error so it travels the crash path and leaves a recorded
// status instead of killing the process silently.
func recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
	}
}

// beatUntilCanceled runs beat every interval until the context ends.
// Failures are logged and the loop keeps going.
func beatUntilCanceled(ctx context.Context, interval time.Duration, beat func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := beat(ctx); err != nil {
			log.Warn("startup heartbeat failed", zap.Error(err))
		}
	}
}

// shutdown is the graceful path: status stopping, drain what can drain
// inside the window, fail the rest, then status stopped.
func (o *Orchestrator) shutdown(cause error) {
	reason := "context canceled"
	if cause != nil {
		reason = cause.Error()
	}
	log.Info("orchestrator stopping", zap.String("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.DrainWindow)
	defer cancel()

	if err := o.gw.SetStatus(ctx, o.dispatcher.sessionID(), types.StatusStopping, ""); err != nil {
		log.Warn("recording stopping status failed", zap.Error(err))
	}
	if o.learn != nil {
		if err := o.learn.Flush(ctx); err != nil {
			log.Warn("final learner flush failed", zap.Error(err))
		}
	}
	if o.curate != nil {
		o.curate.Stop(ctx)
	}
	if n, err := o.gw.FailAllPending(ctx, o.dispatcher.sessionID()); err != nil {
		log.Warn("failing leftover inbox messages failed", zap.Error(err))
	} else if n > 0 {
		log.Info("failed leftover inbox messages", zap.Int64("count", n))
	}
	if err := o.gw.SetStatus(ctx, o.dispatcher.sessionID(), types.StatusStopped, ""); err != nil {
		log.Warn("recording stopped status failed", zap.Error(err))
	}
	o.close()
	log.Info("orchestrator stopped")
}

// crash records the crashed status with the causing error and returns it.
func (o *Orchestrator) crash(ctx context.Context, cause error) error {
	log.Error("orchestrator crashing", zap.Error(cause))
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.gw.SetStatus(sctx, o.dispatcher.sessionID(), types.StatusCrashed, cause.Error()); err != nil {
		log.Warn("recording crashed status failed", zap.Error(err))
	}
	o.close()
	return cause
}

func (o *Orchestrator) close() {
	if err := o.backend.Close(); err != nil {
		log.Warn("backend close failed", zap.Error(err))
	}
	o.gw.Close()
}

// heartbeatLoop advances last_heartbeat_at and sweeps stale records from
// earlier processes. Heartbeat failures are logged, not fatal; the
// dispatcher's retry window owns the database-down decision.
func (o *Orchestrator) heartbeatLoop(ctx context.Context) error {
	staleness := o.cfg.HeartbeatInterval * heartbeatStaleFactor
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := o.gw.Heartbeat(ctx, o.dispatcher.sessionID()); err != nil {
			log.Warn("heartbeat failed", zap.Error(err))
			continue
		}
		if n, err := o.gw.MarkStaleCrashed(ctx, staleness); err != nil {
			log.Warn("stale-orchestrator sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Info("marked stale orchestrators crashed", zap.Int64("count", n))
		}
	}
}

// handleSessionReset performs the handoff to a new session identifier:
// the database rename, then every component holding the old identifier.
// Agent subsessions survive; the conversation window does not.
func (o *Orchestrator) handleSessionReset(ctx context.Context, sr types.SessionReset) error {
	old := o.dispatcher.sessionID()
	if err := o.gw.HandoffSession(ctx, old, sr.NewSessionID); err != nil {
		return err
	}
	o.dispatcher.SetSessionID(sr.NewSessionID)
	o.manager.SetSessionID(sr.NewSessionID)
	if o.coord != nil {
		o.coord.SetSessionID(sr.NewSessionID)
	}
	if o.compact != nil {
		o.compact.Rebind(sr.NewSessionID, sr.TranscriptPath)
	}
	o.win.Clear()
	log.Info("session handoff complete",
		zap.String("old_session_id", old),
		zap.String("new_session_id", sr.NewSessionID))
	return nil
}

// buildBackend selects the LLM backend from configuration.
func buildBackend(cfg config.Config) (llm.Backend, error) {
	switch cfg.Backend {
	case "claudecli":
		return claudecli.New(claudecli.Config{
			Binary:          cfg.ClaudeBin,
			WorkDir:         cfg.Cwd,
			Model:           cfg.Model,
			SkipPermissions: true,
		}), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
		}), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// mcpServerConfig converts the argv-and-environ flag form into the
// toolserver spawn config.
func mcpServerConfig(cfg config.Config) mcp.ServerConfig {
	sc := mcp.ServerConfig{
		Command: cfg.MCPServerCommand[0],
		Args:    cfg.MCPServerCommand[1:],
		Dir:     cfg.Cwd,
	}
	if len(cfg.MCPServerEnv) > 0 {
		sc.Env = make(map[string]string, len(cfg.MCPServerEnv))
		for _, kv := range cfg.MCPServerEnv {
			if k, v, ok := strings.Cut(kv, "="); ok {
				sc.Env[k] = v
			}
		}
	}
	return sc
}
