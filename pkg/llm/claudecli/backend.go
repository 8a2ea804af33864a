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

// Package claudecli implements the llm.Backend interface on top of the
// headless Claude Code CLI. Each Query spawns one `claude -p` process in
// stream-json mode; subsession continuity comes from the CLI's --resume
// flag, so the subsession identifier returned by the first call must be
// passed back on every subsequent call.
package claudecli

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/engram/internal/log"
	"github.com/teradata-labs/engram/pkg/llm"
)

// Config holds backend-wide settings.
type Config struct {
	// Binary is the CLI executable. Default "claude".
	Binary string
	// WorkDir is the working directory for spawned processes.
	WorkDir string
	// Model passed via --model when a request does not name one.
	Model string
	// Timeout bounds a single call. Default 5 minutes.
	Timeout time.Duration
	// SkipPermissions passes --dangerously-skip-permissions. The agent
	// subsessions run unattended, so interactive permission prompts
	// would deadlock them.
	SkipPermissions bool
}

// DefaultTimeout bounds one agent call when Config.Timeout is zero.
const DefaultTimeout = 5 * time.Minute

// Backend implements llm.Backend by spawning the CLI per call.
type Backend struct {
	cfg Config
}

// New returns a CLI backend. It does not verify the binary exists; the
// first Query surfaces a start error if the CLI is missing.
func New(cfg Config) *Backend {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Backend{cfg: cfg}
}

// Name implements llm.Backend.
func (b *Backend) Name() string { return "claudecli" }

// Close implements llm.Backend. Processes are per-call, so there is
// nothing to release.
func (b *Backend) Close() error { return nil }

// buildArgs constructs the CLI argument list for one call.
func (b *Backend) buildArgs(req llm.QueryRequest) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.SubsessionID != "" {
		args = append(args, "--resume", req.SubsessionID)
	}
	model := req.Model
	if model == "" {
		model = b.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if b.cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	for _, tool := range req.AllowedTools {
		args = append(args, "--allowed-tools", tool)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.MCPConfig != "" {
		args = append(args, "--mcp-config", req.MCPConfig)
	}
	// The -- separator keeps the prompt from being consumed by a
	// preceding flag.
	args = append(args, "--", req.Prompt)
	return args
}

// Query implements llm.Backend. It blocks until the CLI emits its terminal
// result event, then returns the result text, the subsession identifier
// from the init event, and the reported cost.
func (b *Backend) Query(ctx context.Context, req llm.QueryRequest) (*llm.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	args := b.buildArgs(req)
	cmd := exec.CommandContext(callCtx, b.cfg.Binary, args...)
	if b.cfg.WorkDir != "" {
		cmd.Dir = b.cfg.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", b.cfg.Binary, err)
	}
	log.Debug("claude process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("resume", req.SubsessionID))

	// Drain stderr so the child never blocks on a full pipe; keep the
	// last line for error reporting.
	stderrTail := make(chan string, 1)
	go func() {
		var last string
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			last = sc.Text()
			log.Debug("claude stderr", zap.String("line", last))
		}
		stderrTail <- last
	}()

	res := &llm.Result{SubsessionID: req.SubsessionID}
	var sawResult bool
	var resultSubtype string
	var resultIsError bool
	var assistantText strings.Builder

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, perr := parseEvent(line)
		if perr != nil {
			log.Debug("skipping malformed stream-json line", zap.Error(perr))
			continue
		}
		switch {
		case ev.IsInit():
			res.SubsessionID = ev.SessionID
		case ev.Type == EventAssistant:
			assistantText.WriteString(ev.Message.Text())
		case ev.Type == EventResult:
			sawResult = true
			resultSubtype = ev.SubType
			resultIsError = ev.IsError
			res.Subtype = ev.SubType
			res.CostUSD = ev.TotalCostUSD
			res.DurationMs = ev.DurationMs
			res.NumTurns = ev.NumTurns
			if ev.Result != "" {
				res.Text = ev.Result
			}
			if ev.SessionID != "" {
				res.SubsessionID = ev.SessionID
			}
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	lastStderr := <-stderrTail

	if callCtx.Err() == context.DeadlineExceeded {
		return nil, &llm.AgentError{Err: fmt.Errorf("call timed out after %s", b.cfg.Timeout)}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if scanErr != nil {
		return nil, &llm.AgentError{Err: fmt.Errorf("read stream: %w", scanErr)}
	}
	if !sawResult {
		if waitErr != nil {
			return nil, &llm.AgentError{Err: fmt.Errorf("process exited (%v): %s", waitErr, lastStderr)}
		}
		return nil, &llm.AgentError{Err: llm.ErrStreamEnded}
	}
	if resultIsError || resultSubtype != llm.SubtypeSuccess {
		return nil, &llm.AgentError{Subtype: resultSubtype}
	}
	if res.Text == "" {
		res.Text = assistantText.String()
	}
	if req.MaxBudgetUSD > 0 && res.CostUSD > req.MaxBudgetUSD {
		log.Warn("call cost exceeded per-call cap",
			zap.Float64("cost_usd", res.CostUSD),
			zap.Float64("cap_usd", req.MaxBudgetUSD))
	}
	return res, nil
}

var _ llm.Backend = (*Backend)(nil)
