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

// Package types defines the shared domain model of the orchestrator: agent
// kinds, lifecycle statuses, inbox messages with their decoded payloads, and
// the records exchanged over the database message bus.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentKind identifies one of the five background agent subsessions.
type AgentKind string

const (
	AgentKeywordRetriever AgentKind = "keyword_retriever"
	AgentCascadeRetriever AgentKind = "cascade_retriever"
	AgentLearner          AgentKind = "learner"
	AgentCompactor        AgentKind = "compactor"
	AgentCurator          AgentKind = "curator"
)

// AllAgentKinds lists every agent kind in initialization order.
var AllAgentKinds = []AgentKind{
	AgentKeywordRetriever,
	AgentCascadeRetriever,
	AgentLearner,
	AgentCompactor,
	AgentCurator,
}

// OrchestratorStatus is the lifecycle status persisted in orchestrator_state.
type OrchestratorStatus string

const (
	StatusStarting OrchestratorStatus = "starting"
	StatusRunning  OrchestratorStatus = "running"
	StatusStopping OrchestratorStatus = "stopping"
	StatusStopped  OrchestratorStatus = "stopped"
	StatusClearing OrchestratorStatus = "clearing"
	StatusInjected OrchestratorStatus = "injected"
	StatusCrashed  OrchestratorStatus = "crashed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s OrchestratorStatus) Terminal() bool {
	return s == StatusStopped || s == StatusCrashed
}

// CanTransition reports whether the transition s → to is legal. Any
// non-terminal status may transition to crashed (uncaught error path).
func (s OrchestratorStatus) CanTransition(to OrchestratorStatus) bool {
	if s.Terminal() {
		return false
	}
	if to == StatusCrashed {
		return true
	}
	switch s {
	case StatusStarting:
		return to == StatusRunning || to == StatusStopping
	case StatusRunning:
		return to == StatusStopping || to == StatusClearing
	case StatusClearing:
		return to == StatusRunning || to == StatusInjected
	case StatusInjected:
		return to == StatusRunning
	case StatusStopping:
		return to == StatusStopped
	}
	return false
}

// MessageStatus is the inbox work-item status. Transitions form a prefix of
// pending → processing → (completed | failed); the only backward transition
// is processing → pending on an explicit re-queue.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// MessageType discriminates cognitive_inbox payloads.
type MessageType string

const (
	MsgPromptContext    MessageType = "prompt_context"
	MsgToolUse          MessageType = "tool_use"
	MsgLearnTrigger     MessageType = "learn_trigger"
	MsgSessionEvent     MessageType = "session_event"
	MsgSessionReset     MessageType = "session_reset"
	MsgCuratorTrigger   MessageType = "curator_trigger"
	MsgCompactorTrigger MessageType = "compactor_trigger"
)

// InboxMessage is one durable work item claimed from cognitive_inbox.
type InboxMessage struct {
	ID        int64
	SessionID string
	Type      MessageType
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Payload is the decoded form of an inbox message payload.
type Payload interface {
	payloadType() MessageType
}

// PromptContext carries a new user prompt for the retrievers.
type PromptContext struct {
	Prompt     string `json:"prompt"`
	PromptHash string `json:"prompt_hash"`
	Timestamp  int64  `json:"timestamp"`
}

// ToolUse carries one host tool invocation for the learner.
type ToolUse struct {
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input"`
	ToolResponse json.RawMessage `json:"tool_response"`
}

// LearnTrigger carries a free-form observation pushed by the host's learn
// tool; routed down the learner path like a tool_use.
type LearnTrigger struct {
	Context   string `json:"context"`
	Timestamp int64  `json:"timestamp"`
}

// SessionEvent signals a host lifecycle event.
type SessionEvent struct {
	Event string `json:"event"`
}

// EventSessionEnd is the session_event that requests orderly shutdown.
const EventSessionEnd = "session_end"

// SessionReset requests the handoff that rebinds the orchestrator to a new
// session identifier after the host clears its conversation.
type SessionReset struct {
	NewSessionID   string `json:"new_session_id"`
	TranscriptPath string `json:"transcript_path"`
}

// CuratorTrigger fires an on-demand curator run. The payload is opaque;
// presence is the signal.
type CuratorTrigger struct{}

// CompactorTrigger fires an on-demand compaction, bypassing the size check.
type CompactorTrigger struct{}

// UnknownPayload is produced for message types this build does not know.
// The dispatcher logs it and marks the message failed.
type UnknownPayload struct {
	Type MessageType
	Raw  json.RawMessage
}

func (PromptContext) payloadType() MessageType    { return MsgPromptContext }
func (ToolUse) payloadType() MessageType          { return MsgToolUse }
func (LearnTrigger) payloadType() MessageType     { return MsgLearnTrigger }
func (SessionEvent) payloadType() MessageType     { return MsgSessionEvent }
func (SessionReset) payloadType() MessageType     { return MsgSessionReset }
func (CuratorTrigger) payloadType() MessageType   { return MsgCuratorTrigger }
func (CompactorTrigger) payloadType() MessageType { return MsgCompactorTrigger }
func (u UnknownPayload) payloadType() MessageType { return u.Type }

// DecodePayload decodes a raw inbox payload into its tagged variant. Unknown
// message types return UnknownPayload rather than an error so the dispatcher
// can fail the row with context.
func DecodePayload(msgType MessageType, raw json.RawMessage) (Payload, error) {
	switch msgType {
	case MsgPromptContext:
		var p PromptContext
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode prompt_context payload: %w", err)
		}
		return p, nil
	case MsgToolUse:
		var p ToolUse
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode tool_use payload: %w", err)
		}
		return p, nil
	case MsgLearnTrigger:
		var p LearnTrigger
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode learn_trigger payload: %w", err)
		}
		return p, nil
	case MsgSessionEvent:
		var p SessionEvent
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode session_event payload: %w", err)
		}
		return p, nil
	case MsgSessionReset:
		var p SessionReset
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode session_reset payload: %w", err)
		}
		return p, nil
	case MsgCuratorTrigger:
		return CuratorTrigger{}, nil
	case MsgCompactorTrigger:
		return CompactorTrigger{}, nil
	}
	return UnknownPayload{Type: msgType, Raw: raw}, nil
}

// ContextType classifies a retrieval outbox record.
type ContextType string

const (
	ContextMemoryResults ContextType = "memory_results"
	ContextNone          ContextType = "none"
)

// RetrievalResult is one row written to retrieval_inbox. A prompt hash may
// have multiple records (one per retriever); readers merge.
type RetrievalResult struct {
	SessionID      string
	PromptHash     string
	ContextType    ContextType
	ContextText    string
	RelevanceScore float64
	ExpiresAt      time.Time
}

// OrchestratorRecord mirrors the orchestrator_state row owned by this process.
type OrchestratorRecord struct {
	SessionID          string
	PID                int
	RetrieverEnabled   bool
	LearnerEnabled     bool
	Status             OrchestratorStatus
	StartedAt          time.Time
	LastHeartbeatAt    time.Time
	StoppedAt          *time.Time
	ErrorMessage       string
	RetrieverSessionID string
	LearnerSessionID   string
}

// SessionState is one versioned compactor output row.
type SessionState struct {
	SessionID     string
	ProjectSlug   string
	StateText     string
	RawTailPath   string
	TokenEstimate int
	Version       int
	UpdatedAt     time.Time
}

// AgentUsage mirrors per-agent spend into the agent_usage table so the host
// can report costs without reaching into the orchestrator process.
type AgentUsage struct {
	SessionID       string
	AgentName       AgentKind
	InvocationCount int
	TotalCostUSD    float64
	LastCostUSD     float64
	BudgetPerCall   float64
	BudgetSession   float64
	Status          string
}
