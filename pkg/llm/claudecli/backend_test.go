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
package claudecli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/engram/pkg/llm"
)

func TestBuildArgsNewSubsession(t *testing.T) {
	b := New(Config{Model: "claude-sonnet-4-5", SkipPermissions: true})
	args := b.buildArgs(llm.QueryRequest{
		SystemPrompt: "you are a retriever",
		Prompt:       "find auth docs",
		AllowedTools: []string{"mcp__memory__memory_search"},
		MaxTurns:     15,
		MCPConfig:    `{"mcpServers":{}}`,
	})
	assert.Equal(t, []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--model", "claude-sonnet-4-5",
		"--dangerously-skip-permissions",
		"--append-system-prompt", "you are a retriever",
		"--allowed-tools", "mcp__memory__memory_search",
		"--max-turns", "15",
		"--mcp-config", `{"mcpServers":{}}`,
		"--", "find auth docs",
	}, args)
}

func TestBuildArgsResume(t *testing.T) {
	b := New(Config{})
	args := b.buildArgs(llm.QueryRequest{
		SubsessionID: "sub-123",
		Prompt:       "next prompt",
	})
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "sub-123")
	assert.NotContains(t, args, "--model")
	assert.NotContains(t, args, "--append-system-prompt")
	// Prompt always follows the separator.
	assert.Equal(t, "next prompt", args[len(args)-1])
	assert.Equal(t, "--", args[len(args)-2])
}

func TestBuildArgsRequestModelOverridesDefault(t *testing.T) {
	b := New(Config{Model: "default-model"})
	args := b.buildArgs(llm.QueryRequest{Prompt: "p", Model: "request-model"})
	assert.Contains(t, args, "request-model")
	assert.NotContains(t, args, "default-model")
}

func TestParseInitEvent(t *testing.T) {
	ev, err := parseEvent([]byte(`{"type":"system","subtype":"init","session_id":"sub-9","cwd":"/work"}`))
	require.NoError(t, err)
	assert.True(t, ev.IsInit())
	assert.Equal(t, "sub-9", ev.SessionID)
}

func TestParseAssistantEvent(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"text","text":"Found it: "},` +
		`{"type":"tool_use","id":"tu_1","name":"mcp__memory__memory_search","input":{"query":"auth"}},` +
		`{"type":"text","text":"see notes."}]}}`
	ev, err := parseEvent([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, EventAssistant, ev.Type)
	assert.Equal(t, "Found it: see notes.", ev.Message.Text())
}

func TestParseResultEvent(t *testing.T) {
	line := `{"type":"result","subtype":"success","result":"the answer","session_id":"sub-9",` +
		`"total_cost_usd":0.0213,"duration_ms":4100,"num_turns":3}`
	ev, err := parseEvent([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, EventResult, ev.Type)
	assert.Equal(t, llm.SubtypeSuccess, ev.SubType)
	assert.False(t, ev.IsError)
	assert.Equal(t, "the answer", ev.Result)
	assert.InDelta(t, 0.0213, ev.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(4100), ev.DurationMs)
	assert.Equal(t, 3, ev.NumTurns)
}

func TestParseMalformedLine(t *testing.T) {
	_, err := parseEvent([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestMessageTextNil(t *testing.T) {
	var m *Message
	assert.Equal(t, "", m.Text())
}
