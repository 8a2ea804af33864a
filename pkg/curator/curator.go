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

// Package curator schedules periodic memory-store maintenance. The
// curator agent deduplicates, merges, and prunes stored learnings through
// its memory tools; this package only decides when it runs.
package curator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/engram/internal/log"
	"github.com/teradata-labs/engram/pkg/agents"
	"github.com/teradata-labs/engram/pkg/llm"
	"github.com/teradata-labs/engram/pkg/types"
)

// Caller abstracts the agent session manager.
type Caller interface {
	Call(ctx context.Context, kind types.AgentKind, prompt string) (*llm.Result, error)
}

// Config holds curation settings.
type Config struct {
	ProjectSlug string
	// Interval between maintenance passes.
	Interval time.Duration
}

// Curator owns the maintenance schedule.
type Curator struct {
	caller Caller
	cfg    Config

	cronEngine *cron.Cron

	// running rejects overlapping passes; a scheduled fire or explicit
	// trigger during a pass is skipped.
	running sync.Mutex

	mu      sync.Mutex
	lastRun time.Time
}

// New builds a curator.
func New(caller Caller, cfg Config) *Curator {
	return &Curator{caller: caller, cfg: cfg, cronEngine: cron.New()}
}

// Start registers the maintenance schedule and starts the cron engine.
// The pass runs against ctx, so engine shutdown and context cancellation
// both end in-flight work.
func (c *Curator) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", c.cfg.Interval)
	if _, err := c.cronEngine.AddFunc(spec, func() {
		if err := c.RunOnce(ctx); err != nil {
			log.Warn("curation pass failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register curation schedule: %w", err)
	}
	c.cronEngine.Start()
	log.Info("curation schedule started", zap.Duration("interval", c.cfg.Interval))
	return nil
}

// Stop halts the schedule and waits for an in-flight pass up to the
// context deadline.
func (c *Curator) Stop(ctx context.Context) {
	cronCtx := c.cronEngine.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		log.Warn("curation shutdown timeout, pass may still be running")
	}
}

// RunOnce executes a single maintenance pass. A busy curator agent or an
// in-flight pass makes this a no-op.
func (c *Curator) RunOnce(ctx context.Context) error {
	if !c.running.TryLock() {
		log.Debug("curation pass already in flight, skipping")
		return nil
	}
	defer c.running.Unlock()

	prompt := fmt.Sprintf(
		"[MAINTENANCE REQUEST]\nProject: %s\nRun your maintenance pass over the memory store now and report what changed.",
		c.cfg.ProjectSlug)
	res, err := c.caller.Call(ctx, types.AgentCurator, prompt)
	if errors.Is(err, agents.ErrBusy) {
		log.Debug("curator agent busy, deferring")
		return nil
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.lastRun = time.Now()
	c.mu.Unlock()

	log.Info("curation pass completed",
		zap.String("project", c.cfg.ProjectSlug),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Int("report_chars", len(res.Text)))
	return nil
}

// LastRun reports when the last successful pass finished; zero if none.
func (c *Curator) LastRun() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}
