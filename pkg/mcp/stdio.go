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

// Package mcp spawns the memory toolserver over stdio and probes it with
// the MCP initialize handshake. The orchestrator does not proxy tool calls
// itself; it verifies the server is reachable at startup and hands its
// launch configuration to the LLM backend, which owns the tool transport.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/engram/internal/log"
)

// ServerConfig describes how to launch the memory toolserver.
type ServerConfig struct {
	Command string            // Executable to run
	Args    []string          // Command arguments
	Env     map[string]string // Extra environment variables
	Dir     string            // Working directory
}

// Transport is a running toolserver subprocess speaking newline-delimited
// JSON-RPC over stdin/stdout.
type Transport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	reader *bufio.Reader
	mu     sync.Mutex
	closed bool
	nextID int
}

// Spawn starts the toolserver subprocess.
func Spawn(config ServerConfig) (*Transport, error) {
	// #nosec G204 -- the toolserver command comes from trusted config
	cmd := exec.Command(config.Command, config.Args...)
	if config.Dir != "" {
		cmd.Dir = config.Dir
	}
	cmd.Env = os.Environ()
	for k, v := range config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start toolserver: %w", err)
	}

	t := &Transport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		// bufio.Reader rather than Scanner: responses can be
		// arbitrarily large JSON.
		reader: bufio.NewReader(stdout),
	}
	go t.monitorStderr()

	log.Info("toolserver started",
		zap.String("command", config.Command),
		zap.Strings("args", config.Args),
		zap.Int("pid", cmd.Process.Pid))
	return t, nil
}

// monitorStderr drains stderr so the subprocess never blocks on a full pipe.
func (t *Transport) monitorStderr() {
	reader := bufio.NewReader(t.stderr)
	for {
		if _, err := reader.ReadBytes('\n'); err != nil {
			if err != io.EOF {
				log.Error("error reading toolserver stderr", zap.Error(err))
			}
			return
		}
		// Toolservers log to their own files; stderr is discarded here.
	}
}

// Send writes one message followed by a newline.
func (t *Transport) Send(ctx context.Context, message []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, err := t.stdin.Write(message); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if _, err := t.stdin.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Receive reads one newline-delimited message.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	type readResult struct {
		data []byte
		err  error
	}
	resultChan := make(chan readResult, 1)

	go func() {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			resultChan <- readResult{nil, fmt.Errorf("transport closed")}
			return
		}
		t.mu.Unlock()

		data, err := t.reader.ReadBytes('\n')
		if err != nil {
			resultChan <- readResult{nil, err}
			return
		}
		if len(data) > 0 && data[len(data)-1] == '\n' {
			data = data[:len(data)-1]
		}
		if len(data) > 0 && data[len(data)-1] == '\r' {
			data = data[:len(data)-1]
		}
		resultChan <- readResult{data, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultChan:
		return result.data, result.err
	}
}

// Close closes stdin and waits up to 5 seconds before killing the process.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	log.Info("closing toolserver", zap.Int("pid", t.cmd.Process.Pid))
	t.stdin.Close()

	done := make(chan error, 1)
	go func() {
		done <- t.cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("toolserver exited with error", zap.Error(err))
		}
	case <-time.After(5 * time.Second):
		log.Warn("toolserver did not exit cleanly, killing process")
		if err := t.cmd.Process.Kill(); err != nil {
			log.Error("failed to kill toolserver", zap.Error(err))
		}
		<-done
	}

	t.stdout.Close()
	t.stderr.Close()
	return nil
}

// rpcRequest is a minimal JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcResponse is a minimal JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Initialize performs the MCP initialize handshake and the initialized
// notification. Used as the startup reachability probe.
func (t *Transport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.mu.Unlock()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "initialize",
		Params: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"clientInfo": map[string]string{
				"name":    "engramd",
				"version": "1.0",
			},
			"capabilities": map[string]interface{}{},
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal initialize request: %w", err)
	}
	if err := t.Send(ctx, data); err != nil {
		return fmt.Errorf("send initialize request: %w", err)
	}

	raw, err := t.Receive(ctx)
	if err != nil {
		return fmt.Errorf("read initialize response: %w", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode initialize response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}

	note, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
	if err := t.Send(ctx, note); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// Probe spawns the toolserver, runs the initialize handshake, and tears it
// down. A failure here is an init error: the orchestrator must not start
// agents that would advertise an unreachable toolserver.
func Probe(ctx context.Context, config ServerConfig, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t, err := Spawn(config)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()
	return t.Initialize(probeCtx)
}

// ConfigJSON renders the toolserver launch configuration in the mcpServers
// JSON shape consumed by the CLI backend's --mcp-config flag.
func ConfigJSON(name string, config ServerConfig) (string, error) {
	server := map[string]interface{}{
		"command": config.Command,
	}
	if len(config.Args) > 0 {
		server["args"] = config.Args
	}
	if len(config.Env) > 0 {
		server["env"] = config.Env
	}
	out, err := json.Marshal(map[string]interface{}{
		"mcpServers": map[string]interface{}{name: server},
	})
	if err != nil {
		return "", fmt.Errorf("marshal mcp config: %w", err)
	}
	return string(out), nil
}
