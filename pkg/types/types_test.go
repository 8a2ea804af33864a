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
package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		raw     string
		want    Payload
	}{
		{
			name:    "prompt context",
			msgType: MsgPromptContext,
			raw:     `{"prompt":"how do I deploy","prompt_hash":"abc123","timestamp":1756000000}`,
			want:    PromptContext{Prompt: "how do I deploy", PromptHash: "abc123", Timestamp: 1756000000},
		},
		{
			name:    "tool use",
			msgType: MsgToolUse,
			raw:     `{"tool_name":"Bash","tool_input":{"command":"ls"},"tool_response":"ok"}`,
			want: ToolUse{
				ToolName:     "Bash",
				ToolInput:    json.RawMessage(`{"command":"ls"}`),
				ToolResponse: json.RawMessage(`"ok"`),
			},
		},
		{
			name:    "learn trigger",
			msgType: MsgLearnTrigger,
			raw:     `{"context":"the deploy script needs sudo","timestamp":1756000000}`,
			want:    LearnTrigger{Context: "the deploy script needs sudo", Timestamp: 1756000000},
		},
		{
			name:    "session end event",
			msgType: MsgSessionEvent,
			raw:     `{"event":"session_end"}`,
			want:    SessionEvent{Event: EventSessionEnd},
		},
		{
			name:    "session reset",
			msgType: MsgSessionReset,
			raw:     `{"new_session_id":"sess-2","transcript_path":"/tmp/t.jsonl"}`,
			want:    SessionReset{NewSessionID: "sess-2", TranscriptPath: "/tmp/t.jsonl"},
		},
		{
			name:    "curator trigger ignores payload",
			msgType: MsgCuratorTrigger,
			raw:     `{"whatever":true}`,
			want:    CuratorTrigger{},
		},
		{
			name:    "compactor trigger",
			msgType: MsgCompactorTrigger,
			raw:     `{}`,
			want:    CompactorTrigger{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePayload(tt.msgType, json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	got, err := DecodePayload("telemetry_ping", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	up, ok := got.(UnknownPayload)
	require.True(t, ok)
	assert.Equal(t, MessageType("telemetry_ping"), up.Type)
}

func TestDecodePayloadMalformed(t *testing.T) {
	_, err := DecodePayload(MsgPromptContext, json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusStopped.Terminal())
	assert.True(t, StatusCrashed.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusStopping.Terminal())
}

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrchestratorStatus
		ok       bool
	}{
		{StatusStarting, StatusRunning, true},
		{StatusStarting, StatusStopping, true},
		{StatusStarting, StatusClearing, false},
		{StatusRunning, StatusStopping, true},
		{StatusRunning, StatusClearing, true},
		{StatusRunning, StatusStopped, false},
		{StatusClearing, StatusInjected, true},
		{StatusClearing, StatusRunning, true},
		{StatusInjected, StatusRunning, true},
		{StatusStopping, StatusStopped, true},
		{StatusStopping, StatusRunning, false},
		// Any non-terminal status may crash.
		{StatusStarting, StatusCrashed, true},
		{StatusRunning, StatusCrashed, true},
		{StatusClearing, StatusCrashed, true},
		// Terminal statuses are final.
		{StatusStopped, StatusRunning, false},
		{StatusCrashed, StatusRunning, false},
		{StatusStopped, StatusCrashed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}
