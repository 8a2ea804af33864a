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

// Package compactor distills the host conversation transcript into
// versioned session-state documents. It watches transcript growth on a
// timer, extracts a labeled chunk view of the new conversation, and asks
// the compactor agent to produce or update the state document.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/engram/internal/log"
	"github.com/teradata-labs/engram/pkg/agents"
	"github.com/teradata-labs/engram/pkg/llm"
	"github.com/teradata-labs/engram/pkg/types"
)

// tailDirName holds raw conversation tails next to the transcript, one
// file per state version, for the external state-injection tool.
const tailDirName = "compactor_tails"

// Store abstracts the session_state persistence.
type Store interface {
	LatestSessionState(ctx context.Context, sessionID string) (*types.SessionState, error)
	InsertSessionState(ctx context.Context, st types.SessionState) error
}

// Caller abstracts the agent session manager.
type Caller interface {
	Call(ctx context.Context, kind types.AgentKind, prompt string) (*llm.Result, error)
}

// Config holds compaction settings.
type Config struct {
	SessionID      string
	ProjectSlug    string
	TranscriptPath string

	// CheckInterval is the growth-check cadence.
	CheckInterval time.Duration
	// FirstCompactChars is the growth threshold (and conversation window)
	// before any state exists; NextCompactChars applies to updates.
	FirstCompactChars int
	NextCompactChars  int
	// TailChars bounds the raw tail file written alongside each version.
	TailChars int
	// LastCompactSize seeds the growth baseline when resuming a session
	// whose transcript was already partially compacted.
	LastCompactSize int64
}

// Compactor runs the periodic state distillation.
type Compactor struct {
	caller Caller
	store  Store

	mu       sync.Mutex
	cfg      Config
	lastSize int64

	// running rejects overlapping compactions; a tick that lands while a
	// compaction is in flight is skipped, not queued.
	running sync.Mutex

	trigger chan struct{}
}

// New builds a compactor.
func New(caller Caller, store Store, cfg Config) *Compactor {
	return &Compactor{
		caller:   caller,
		store:    store,
		cfg:      cfg,
		lastSize: cfg.LastCompactSize,
		trigger:  make(chan struct{}, 1),
	}
}

// Rebind points the compactor at a new session and transcript after a
// session reset. The growth baseline restarts at zero because the new
// transcript file starts empty.
func (c *Compactor) Rebind(sessionID, transcriptPath string) {
	c.mu.Lock()
	c.cfg.SessionID = sessionID
	if transcriptPath != "" {
		c.cfg.TranscriptPath = transcriptPath
	}
	c.lastSize = 0
	c.mu.Unlock()
}

// TriggerNow requests an immediate compaction that bypasses the growth
// threshold. Non-blocking; a pending trigger coalesces.
func (c *Compactor) TriggerNow() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run loops until the context ends, checking transcript growth each
// interval and serving explicit triggers.
func (c *Compactor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.CheckAndCompact(ctx, false); err != nil {
				log.Warn("compaction failed", zap.Error(err))
			}
		case <-c.trigger:
			if err := c.CheckAndCompact(ctx, true); err != nil {
				log.Warn("forced compaction failed", zap.Error(err))
			}
		}
	}
}

// CheckAndCompact compacts if the transcript grew past the threshold
// since the last compaction, or unconditionally when forced. A busy
// compactor agent or an in-flight compaction makes this a no-op.
func (c *Compactor) CheckAndCompact(ctx context.Context, force bool) error {
	if !c.running.TryLock() {
		log.Debug("compaction already in flight, skipping")
		return nil
	}
	defer c.running.Unlock()

	c.mu.Lock()
	cfg := c.cfg
	lastSize := c.lastSize
	c.mu.Unlock()

	info, err := os.Stat(cfg.TranscriptPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Transcript not created yet; nothing to distill.
			return nil
		}
		return fmt.Errorf("stat transcript: %w", err)
	}
	size := info.Size()

	prev, err := c.store.LatestSessionState(ctx, cfg.SessionID)
	if err != nil {
		return err
	}

	window := cfg.FirstCompactChars
	if prev != nil {
		window = cfg.NextCompactChars
	}
	grown := size - lastSize
	if !force && grown < int64(window) {
		return nil
	}
	if grown <= 0 {
		return nil
	}

	chunks, err := ExtractChunks(cfg.TranscriptPath)
	if err != nil {
		return err
	}
	newConversation := Tail(chunks, window)
	if newConversation == "" {
		return nil
	}

	res, err := c.caller.Call(ctx, types.AgentCompactor, buildPrompt(prev, newConversation))
	if errors.Is(err, agents.ErrBusy) {
		// Tick-driven work: the next tick retries with more transcript.
		log.Debug("compactor agent busy, deferring")
		return nil
	}
	if err != nil {
		return err
	}

	version := 1
	if prev != nil {
		version = prev.Version + 1
	}

	rawTailPath, err := writeRawTail(cfg.TranscriptPath, cfg.SessionID, version, Tail(chunks, cfg.TailChars))
	if err != nil {
		// The state document is the durable artifact; a failed tail write
		// degrades the injection tool, not the compaction.
		log.Warn("raw tail write failed", zap.Error(err))
		rawTailPath = ""
	}

	st := types.SessionState{
		SessionID:     cfg.SessionID,
		ProjectSlug:   cfg.ProjectSlug,
		StateText:     res.Text,
		RawTailPath:   rawTailPath,
		TokenEstimate: estimateTokens(res.Text),
		Version:       version,
	}
	if err := c.store.InsertSessionState(ctx, st); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastSize = size
	c.mu.Unlock()

	log.Info("session state compacted",
		zap.String("session_id", cfg.SessionID),
		zap.Int("version", version),
		zap.Int("token_estimate", st.TokenEstimate),
		zap.Int64("transcript_bytes", size),
		zap.Float64("cost_usd", res.CostUSD))
	return nil
}

// buildPrompt composes the compactor agent input. The first compaction
// asks for a fresh state document; updates carry the previous state so
// key decisions survive across versions.
func buildPrompt(prev *types.SessionState, newConversation string) string {
	if prev == nil {
		return fmt.Sprintf("[INITIAL STATE REQUEST]\n\n[NEW CONVERSATION]\n%s", newConversation)
	}
	return fmt.Sprintf("[UPDATE REQUEST]\n\n[PREVIOUS STATE]\n%s\n\n[NEW CONVERSATION]\n%s",
		prev.StateText, newConversation)
}

// writeRawTail persists the raw chunk tail beside the transcript and
// returns its path.
func writeRawTail(transcriptPath, sessionID string, version int, tail string) (string, error) {
	dir := filepath.Join(filepath.Dir(transcriptPath), tailDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create tail dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_v%d.txt", sessionID, version))
	if err := os.WriteFile(path, []byte(tail), 0o644); err != nil {
		return "", fmt.Errorf("write tail file: %w", err)
	}
	return path, nil
}
