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

// Package learner formats tool activity and host observations into learner
// agent calls. Noisy tools are dropped before they cost anything; busy
// rejections re-queue the message for a later tick; optional batching
// coalesces bursts of tool activity into one call.
package learner

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
)

// Disposition tells the dispatcher what to do with the claimed message.
type Disposition int

const (
	// Complete marks the message completed.
	Complete Disposition = iota
	// Requeue re-marks the message pending for a later tick.
	Requeue
	// Buffered means the payload joined a pending batch; the message is
	// completed now and the batch flushes independently.
	Buffered
)

// skipTools never reach the learner: reads, searches, task bookkeeping,
// and the memory server's retrieval and introspection tools (learning
// from a memory lookup would loop knowledge back into the store). The
// memory tools are enumerated, not prefix-matched: write tools like
// memory_save_learning stay learnable.
var skipTools = map[string]struct{}{
	"Read": {}, "Glob": {}, "Grep": {}, "WebSearch": {}, "WebFetch": {},
	"TaskCreate": {}, "TaskUpdate": {}, "TaskList": {}, "TaskGet": {},
	"AskUserQuestion": {}, "EnterPlanMode": {}, "ExitPlanMode": {},
	"NotebookEdit": {}, "TaskOutput": {}, "TaskStop": {},
	"EnterWorktree": {}, "Skill": {},

	"mcp__memory__memory_search":                {},
	"mcp__memory__memory_get_project":           {},
	"mcp__memory__memory_list_projects":         {},
	"mcp__memory__memory_get_preferences":       {},
	"mcp__memory__memory_search_errors":         {},
	"mcp__memory__memory_search_patterns":       {},
	"mcp__memory__memory_get_recent_learnings":  {},
	"mcp__memory__memory_get_stats":             {},
	"mcp__memory__memory_get_project_learnings": {},
	"mcp__memory__memory_get_sessions":          {},
	"mcp__memory__memory_drilldown_list":        {},
	"mcp__memory__memory_drilldown_get":         {},
	"mcp__memory__memory_drilldown_search":      {},
	"mcp__memory__db_describe_schema":           {},
	"mcp__memory__db_select":                    {},
}

// SkipTool reports whether a tool's activity is dropped without a learner
// call.
func SkipTool(toolName string) bool {
	_, ok := skipTools[toolName]
	return ok
}

// Caller abstracts the agent session manager.
type Caller interface {
	Call(ctx context.Context, kind types.AgentKind, prompt string) (*llm.Result, error)
}

// Config holds learner-path settings.
type Config struct {
	// TruncateChars caps each formatted input/response field.
	TruncateChars int

	// Batching. When disabled every tool_use is one learner call.
	BatchEnabled bool
	BatchMinSize int
	BatchMaxSize int
	BatchWindow  time.Duration
}

// Learner drives the learner agent.
type Learner struct {
	caller Caller
	cfg    Config

	mu         sync.Mutex
	buffer     []string
	bufferedAt time.Time
}

// New builds a learner path.
func New(caller Caller, cfg Config) *Learner {
	if cfg.TruncateChars <= 0 {
		cfg.TruncateChars = 2000
	}
	return &Learner{caller: caller, cfg: cfg}
}

// HandleToolUse processes one claimed tool_use message.
func (l *Learner) HandleToolUse(ctx context.Context, tu types.ToolUse) (Disposition, error) {
	if SkipTool(tu.ToolName) {
		log.Debug("tool on skip list, completing without learner call",
			zap.String("tool", tu.ToolName))
		return Complete, nil
	}
	return l.submit(ctx, l.formatToolUse(tu))
}

// HandleLearnTrigger processes a free-form observation from the host.
func (l *Learner) HandleLearnTrigger(ctx context.Context, lt types.LearnTrigger) (Disposition, error) {
	return l.submit(ctx, l.formatObservation(lt))
}

// submit either buffers the block or calls the learner with it.
func (l *Learner) submit(ctx context.Context, block string) (Disposition, error) {
	if l.cfg.BatchEnabled {
		flush := l.bufferBlock(block)
		if flush == nil {
			return Buffered, nil
		}
		err := l.call(ctx, flush)
		switch {
		case errors.Is(err, agents.ErrBusy):
			// The triggering message re-queues and its block comes back
			// with it, so restore everything but the last.
			l.restore(flush[:len(flush)-1])
			return Requeue, nil
		case err != nil:
			l.restore(flush)
			return Buffered, err
		}
		return Buffered, nil
	}
	err := l.call(ctx, []string{block})
	switch {
	case errors.Is(err, agents.ErrBusy):
		// Busy-queue policy for the learner: observation retried on a
		// later tick.
		return Requeue, nil
	case err != nil:
		return Complete, err
	}
	return Complete, nil
}

// bufferBlock appends to the batch and returns the blocks to flush when a
// flush trigger fires (max size reached or window elapsed).
func (l *Learner) bufferBlock(block string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buffer) == 0 {
		l.bufferedAt = time.Now()
	}
	l.buffer = append(l.buffer, block)
	if len(l.buffer) >= l.cfg.BatchMaxSize {
		return l.takeBufferLocked()
	}
	if time.Since(l.bufferedAt) >= l.cfg.BatchWindow && len(l.buffer) >= l.cfg.BatchMinSize {
		return l.takeBufferLocked()
	}
	return nil
}

func (l *Learner) takeBufferLocked() []string {
	out := l.buffer
	l.buffer = nil
	return out
}

// Flush drains any buffered batch; called during shutdown and by the
// dispatcher when the batch window elapses with no new tool activity.
func (l *Learner) Flush(ctx context.Context) error {
	l.mu.Lock()
	var blocks []string
	if len(l.buffer) >= l.cfg.BatchMinSize ||
		(len(l.buffer) > 0 && time.Since(l.bufferedAt) >= l.cfg.BatchWindow) {
		blocks = l.takeBufferLocked()
	}
	l.mu.Unlock()
	if len(blocks) == 0 {
		return nil
	}
	if err := l.call(ctx, blocks); err != nil {
		l.restore(blocks)
		return err
	}
	return nil
}

// restore puts unflushed blocks back at the front of the buffer after a
// failed call and restarts the window, so a busy agent is retried after
// a full window rather than hammered every tick.
func (l *Learner) restore(blocks []string) {
	if len(blocks) == 0 {
		return
	}
	l.mu.Lock()
	l.buffer = append(append([]string{}, blocks...), l.buffer...)
	l.bufferedAt = time.Now()
	l.mu.Unlock()
}

// PendingBatch reports how many blocks wait in the buffer.
func (l *Learner) PendingBatch() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// call runs one learner agent call over the blocks; ordering within a
// batch is preserved.
func (l *Learner) call(ctx context.Context, blocks []string) error {
	prompt := strings.Join(blocks, "\n\n---\n\n") +
		"\n\nExtract any durable knowledge worth keeping, or respond SKIP."
	res, err := l.caller.Call(ctx, types.AgentLearner, prompt)
	if err != nil {
		return err
	}
	log.Debug("learner call completed",
		zap.Int("blocks", len(blocks)),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Bool("skipped", strings.HasPrefix(strings.TrimSpace(res.Text), "SKIP")))
	return nil
}

// formatToolUse renders one tool invocation, truncating the input and
// response fields independently.
func (l *Learner) formatToolUse(tu types.ToolUse) string {
	return fmt.Sprintf("[TOOL] %s\n[INPUT] %s\n[RESPONSE] %s",
		tu.ToolName,
		truncate(string(tu.ToolInput), l.cfg.TruncateChars),
		truncate(string(tu.ToolResponse), l.cfg.TruncateChars))
}

// formatObservation renders a learn_trigger observation.
func (l *Learner) formatObservation(lt types.LearnTrigger) string {
	return fmt.Sprintf("[OBSERVATION] %s", truncate(lt.Context, l.cfg.TruncateChars))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("… (%d chars truncated)", len(s)-max)
}
