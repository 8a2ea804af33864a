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

// Package budget tracks per-agent and session-wide USD spend and enforces
// hard caps. Accumulators are in-memory; a crash resets them, which is
// acceptable because the host session ending reclaims all state.
package budget

import (
	"fmt"
	"sync"

	"github.com/teradata-labs/engram/pkg/types"
)

// ExhaustedError reports a denied call. Scope is "call" when the remaining
// session budget cannot cover the per-call cap, "session" when the session
// cap itself is spent.
type ExhaustedError struct {
	Kind  types.AgentKind
	Scope string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted for %s (%s cap)", e.Kind, e.Scope)
}

// KindUsage is a snapshot of one agent kind's accounting.
type KindUsage struct {
	Invocations int
	TotalUSD    float64
	LastUSD     float64
	PerCallCap  float64
}

// Tracker holds the accumulators. Safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	perCallCap map[types.AgentKind]float64
	usage      map[types.AgentKind]*KindUsage
	sessionCap float64
	sessionUSD float64
}

// NewTracker builds a tracker with per-kind call caps and a session cap.
func NewTracker(perCallCap map[types.AgentKind]float64, sessionCapUSD float64) *Tracker {
	caps := make(map[types.AgentKind]float64, len(perCallCap))
	usage := make(map[types.AgentKind]*KindUsage, len(perCallCap))
	for kind, cap := range perCallCap {
		caps[kind] = cap
		usage[kind] = &KindUsage{PerCallCap: cap}
	}
	return &Tracker{
		perCallCap: caps,
		usage:      usage,
		sessionCap: sessionCapUSD,
	}
}

// Authorize checks whether one more call of the given kind may proceed.
// The session must retain at least the kind's per-call cap, so the overrun
// is bounded by one in-flight call's worth.
func (t *Tracker) Authorize(kind types.AgentKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionUSD >= t.sessionCap {
		return &ExhaustedError{Kind: kind, Scope: "session"}
	}
	if t.sessionCap-t.sessionUSD < t.perCallCap[kind] {
		return &ExhaustedError{Kind: kind, Scope: "call"}
	}
	return nil
}

// Record adds one completed call's cost to the kind and session accumulators.
func (t *Tracker) Record(kind types.AgentKind, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.usage[kind]
	if !ok {
		u = &KindUsage{}
		t.usage[kind] = u
	}
	u.Invocations++
	u.TotalUSD += costUSD
	u.LastUSD = costUSD
	t.sessionUSD += costUSD
}

// SessionExhausted reports whether the session-wide cap is spent. The
// controller initiates shutdown(cause=budget) when this turns true.
func (t *Tracker) SessionExhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionUSD >= t.sessionCap
}

// SessionSpend returns the cumulative session spend in USD.
func (t *Tracker) SessionSpend() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionUSD
}

// SessionCap returns the configured session cap in USD.
func (t *Tracker) SessionCap() float64 { return t.sessionCap }

// Usage returns a copy of one kind's accounting.
func (t *Tracker) Usage(kind types.AgentKind) KindUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.usage[kind]; ok {
		return *u
	}
	return KindUsage{}
}
