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

// Package retrieval runs the keyword and cascade retrievers concurrently
// per prompt and writes their results to the retrieval outbox. Every
// prompt produces at least one outbox row per enabled retriever, so host
// readers never block on a prompt that found nothing.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/engram/internal/log"
	"github.com/teradata-labs/engram/pkg/agents"
	"github.com/teradata-labs/engram/pkg/llm"
	"github.com/teradata-labs/engram/pkg/types"
	"github.com/teradata-labs/engram/pkg/window"
)

// Relevance scores attached to outbox rows. The orchestrator does not
// judge retrieval quality; these are fixed by convention.
const (
	RelevanceFound = 0.8
	RelevanceNone  = 0.0
)

// skipLiteral is the retriever's "nothing useful" answer, optionally
// followed by explanation text.
const skipLiteral = "SKIP"

// Caller abstracts the agent session manager.
type Caller interface {
	Call(ctx context.Context, kind types.AgentKind, prompt string) (*llm.Result, error)
	Enabled(kind types.AgentKind) bool
}

// OutboxWriter abstracts the gateway's retrieval outbox write.
type OutboxWriter interface {
	WriteRetrievalResult(ctx context.Context, rec types.RetrievalResult) error
}

// Config holds coordinator settings.
type Config struct {
	SessionID string
	// MinAnswerChars is the shortest answer treated as useful context.
	MinAnswerChars int
	// Expiry bounds how long an unread outbox row stays deliverable.
	Expiry time.Duration
}

// Coordinator fans one prompt out to both retrievers.
type Coordinator struct {
	caller Caller
	outbox OutboxWriter
	win    *window.SlidingWindow

	mu  sync.RWMutex
	cfg Config
}

// New builds a coordinator.
func New(caller Caller, outbox OutboxWriter, win *window.SlidingWindow, cfg Config) *Coordinator {
	return &Coordinator{caller: caller, outbox: outbox, win: win, cfg: cfg}
}

// SetSessionID rebinds outbox writes after a session reset.
func (c *Coordinator) SetSessionID(sessionID string) {
	c.mu.Lock()
	c.cfg.SessionID = sessionID
	c.mu.Unlock()
}

func (c *Coordinator) sessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.SessionID
}

// HandlePrompt processes one claimed prompt_context message: appends the
// prompt to the window, dispatches both enabled retrievers concurrently,
// and writes one outbox row per retriever. Busy retrievers produce an
// immediate {none, null} row. A non-nil error means at least one retriever
// failed after its safe row was written; the dispatcher surfaces it in the
// message status.
func (c *Coordinator) HandlePrompt(ctx context.Context, pc types.PromptContext) error {
	c.win.AddUser(pc.Prompt)

	kinds := make([]types.AgentKind, 0, 2)
	for _, kind := range []types.AgentKind{types.AgentKeywordRetriever, types.AgentCascadeRetriever} {
		if c.caller.Enabled(kind) {
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) == 0 {
		return c.writeNone(ctx, pc.PromptHash)
	}

	var (
		wg        sync.WaitGroup
		errMu     sync.Mutex
		errs      []error
		firstMu   sync.Mutex
		firstDone bool
	)
	for _, kind := range kinds {
		kind := kind
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.runOne(ctx, kind, pc.Prompt, pc.PromptHash, &firstMu, &firstDone); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", kind, err))
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// runOne dispatches a single retriever and writes its outbox row. The
// window snapshot is taken here, at call time, so a marker left by a
// faster peer reaches the slower retriever's prompt.
func (c *Coordinator) runOne(ctx context.Context, kind types.AgentKind, userPrompt, promptHash string, firstMu *sync.Mutex, firstDone *bool) error {
	res, err := c.caller.Call(ctx, kind, c.buildPrompt(userPrompt))
	switch {
	case errors.Is(err, agents.ErrBusy):
		// Busy-queue policy for retrievers: drop with a safe outbox
		// record so host readers unblock.
		log.Debug("retriever busy, writing empty result",
			zap.String("kind", string(kind)), zap.String("prompt_hash", promptHash))
		return c.writeNone(ctx, promptHash)
	case err != nil:
		if werr := c.writeNone(ctx, promptHash); werr != nil {
			return errors.Join(err, werr)
		}
		return err
	}

	if c.IsSkip(res.Text) {
		return c.writeNone(ctx, promptHash)
	}

	// Peer notification: the first useful result leaves a window marker
	// so the other retriever can complement or SKIP. Best-effort
	// ordering hint, not a synchronization barrier.
	firstMu.Lock()
	if !*firstDone {
		*firstDone = true
		c.win.AddMarker(fmt.Sprintf(
			"peer retriever %s already injected context for this prompt; respond only with complementary findings or SKIP", kind))
		log.Info("peer notification marker set",
			zap.String("kind", string(kind)),
			zap.String("prompt_hash", promptHash))
	}
	firstMu.Unlock()
	c.win.AddAssistant(summarize(res.Text, 500))

	log.Info("retrieval result",
		zap.String("kind", string(kind)),
		zap.String("prompt_hash", promptHash),
		zap.Int("chars", len(res.Text)),
		zap.Float64("cost_usd", res.CostUSD))
	return c.outbox.WriteRetrievalResult(ctx, types.RetrievalResult{
		SessionID:      c.sessionID(),
		PromptHash:     promptHash,
		ContextType:    types.ContextMemoryResults,
		ContextText:    res.Text,
		RelevanceScore: RelevanceFound,
		ExpiresAt:      time.Now().Add(c.cfg.Expiry),
	})
}

// writeNone writes the safe {none, null} row.
func (c *Coordinator) writeNone(ctx context.Context, promptHash string) error {
	return c.outbox.WriteRetrievalResult(ctx, types.RetrievalResult{
		SessionID:      c.sessionID(),
		PromptHash:     promptHash,
		ContextType:    types.ContextNone,
		RelevanceScore: RelevanceNone,
		ExpiresAt:      time.Now().Add(c.cfg.Expiry),
	})
}

// IsSkip classifies a retriever answer as "no context": empty, shorter
// than the useful-answer threshold, or the SKIP literal (optionally
// followed by explanation).
func (c *Coordinator) IsSkip(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.HasPrefix(trimmed, skipLiteral) {
		return true
	}
	return len(trimmed) < c.cfg.MinAnswerChars
}

// buildPrompt composes the retriever input: recent window snapshot plus
// the new prompt. The instruction preamble lives in the agent's system
// prompt, loaded at initialization.
func (c *Coordinator) buildPrompt(userPrompt string) string {
	snapshot := c.win.Snapshot()
	if snapshot == "" {
		return fmt.Sprintf("[NEW PROMPT]\n%s", userPrompt)
	}
	return fmt.Sprintf("[RECENT CONVERSATION]\n%s\n\n[NEW PROMPT]\n%s", snapshot, userPrompt)
}

func summarize(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max]
}
