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

// Package window keeps the bounded in-memory record of recent conversation
// turns used to build agent prompts.
package window

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role tags a turn's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleMarker is an orchestrator-internal annotation, e.g. the peer
	// notification injected when one retriever has already answered.
	RoleMarker Role = "marker"
)

// Turn is one entry in the sliding window.
type Turn struct {
	Role    Role
	Content string
	At      time.Time
}

// DefaultCapacity bounds the window when no capacity is given.
const DefaultCapacity = 20

// SlidingWindow is a bounded ordered sequence of recent turns. Oldest
// entries are evicted when capacity is exceeded. Safe for concurrent use;
// all mutations funnel through the dispatcher and retrieval coordinator.
type SlidingWindow struct {
	mu       sync.Mutex
	capacity int
	turns    []Turn
}

// New returns an empty window holding at most capacity turns.
func New(capacity int) *SlidingWindow {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SlidingWindow{capacity: capacity}
}

// AddUser appends a user turn.
func (w *SlidingWindow) AddUser(content string) {
	w.add(Turn{Role: RoleUser, Content: content, At: time.Now()})
}

// AddAssistant appends an assistant turn.
func (w *SlidingWindow) AddAssistant(content string) {
	w.add(Turn{Role: RoleAssistant, Content: content, At: time.Now()})
}

// AddMarker appends an internal annotation turn.
func (w *SlidingWindow) AddMarker(content string) {
	w.add(Turn{Role: RoleMarker, Content: content, At: time.Now()})
}

func (w *SlidingWindow) add(t Turn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = append(w.turns, t)
	if len(w.turns) > w.capacity {
		w.turns = w.turns[len(w.turns)-w.capacity:]
	}
}

// Len returns the number of turns currently held.
func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.turns)
}

// Clear drops all turns. Called on session reset.
func (w *SlidingWindow) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = nil
}

// Turns returns a copy of the current turns in order.
func (w *SlidingWindow) Turns() []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// Snapshot formats the window for prompt construction. User and assistant
// turns are labeled; markers are rendered as bracketed notes.
func (w *SlidingWindow) Snapshot() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.turns) == 0 {
		return ""
	}
	var b strings.Builder
	for i, t := range w.turns {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch t.Role {
		case RoleUser:
			fmt.Fprintf(&b, "[USER] %s", t.Content)
		case RoleAssistant:
			fmt.Fprintf(&b, "[ASSISTANT] %s", t.Content)
		case RoleMarker:
			fmt.Fprintf(&b, "[NOTE] %s", t.Content)
		}
	}
	return b.String()
}
