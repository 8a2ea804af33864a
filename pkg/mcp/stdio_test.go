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
package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigJSON(t *testing.T) {
	got, err := ConfigJSON("memory", ServerConfig{
		Command: "python3",
		Args:    []string{"-m", "memory_server"},
		Env:     map[string]string{"MEMORY_DB": "/tmp/mem.db"},
	})
	require.NoError(t, err)

	var decoded map[string]map[string]struct {
		Command string            `json:"command"`
		Args    []string          `json:"args"`
		Env     map[string]string `json:"env"`
	}
	require.NoError(t, json.Unmarshal([]byte(got), &decoded))

	server, ok := decoded["mcpServers"]["memory"]
	require.True(t, ok)
	assert.Equal(t, "python3", server.Command)
	assert.Equal(t, []string{"-m", "memory_server"}, server.Args)
	assert.Equal(t, "/tmp/mem.db", server.Env["MEMORY_DB"])
}

func TestConfigJSONMinimal(t *testing.T) {
	got, err := ConfigJSON("memory", ServerConfig{Command: "memsrv"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mcpServers":{"memory":{"command":"memsrv"}}}`, got)
}

func TestProbeHandshake(t *testing.T) {
	// A one-shot stand-in server: answer the initialize request on stdout,
	// then read until stdin closes.
	script := `read line; echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05"}}'; cat > /dev/null`
	err := Probe(context.Background(), ServerConfig{
		Command: "sh",
		Args:    []string{"-c", script},
	}, 5*time.Second)
	assert.NoError(t, err)
}

func TestProbeRejectedInitialize(t *testing.T) {
	script := `read line; echo '{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"bad client"}}'; cat > /dev/null`
	err := Probe(context.Background(), ServerConfig{
		Command: "sh",
		Args:    []string{"-c", script},
	}, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad client")
}

func TestProbeMissingBinary(t *testing.T) {
	err := Probe(context.Background(), ServerConfig{
		Command: "/nonexistent/toolserver-binary",
	}, time.Second)
	assert.Error(t, err)
}

func TestProbeTimeout(t *testing.T) {
	// Server that never answers.
	err := Probe(context.Background(), ServerConfig{
		Command: "sh",
		Args:    []string{"-c", "cat > /dev/null"},
	}, 200*time.Millisecond)
	assert.Error(t, err)
}
