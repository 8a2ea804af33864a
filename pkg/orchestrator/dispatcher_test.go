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
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/engram/pkg/learner"
	"github.com/teradata-labs/engram/pkg/types"
)

type fakeInboxStore struct {
	status    types.OrchestratorStatus
	statusErr error
	claimed   []types.InboxMessage
	claimErr  error

	mu        sync.Mutex
	completed []int64
	failed    []int64
	requeued  []int64
}

func (f *fakeInboxStore) ClaimBatch(_ context.Context, _ string, _ int) ([]types.InboxMessage, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	out := f.claimed
	f.claimed = nil
	return out, nil
}

func (f *fakeInboxStore) CompleteMessage(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeInboxStore) FailMessage(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeInboxStore) RequeueMessage(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeInboxStore) completedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64{}, f.completed...)
}

func (f *fakeInboxStore) ReadStatus(_ context.Context, _ string) (types.OrchestratorStatus, error) {
	if f.statusErr != nil {
		return "", f.statusErr
	}
	return f.status, nil
}

type fakePromptHandler struct {
	prompts []types.PromptContext
	err     error
}

func (f *fakePromptHandler) HandlePrompt(_ context.Context, pc types.PromptContext) error {
	f.prompts = append(f.prompts, pc)
	return f.err
}

type fakeLearnHandler struct {
	toolUses []types.ToolUse
	triggers []types.LearnTrigger
	disp     learner.Disposition
	err      error
	flushed  int
}

func (f *fakeLearnHandler) HandleToolUse(_ context.Context, tu types.ToolUse) (learner.Disposition, error) {
	f.toolUses = append(f.toolUses, tu)
	return f.disp, f.err
}

func (f *fakeLearnHandler) HandleLearnTrigger(_ context.Context, lt types.LearnTrigger) (learner.Disposition, error) {
	f.triggers = append(f.triggers, lt)
	return f.disp, f.err
}

func (f *fakeLearnHandler) Flush(_ context.Context) error {
	f.flushed++
	return nil
}

func newTestDispatcher(store *fakeInboxStore) *Dispatcher {
	return NewDispatcher(store, DispatcherConfig{
		SessionID:     "sess-1",
		PollInterval:  time.Millisecond,
		BatchSize:     10,
		DBRetryWindow: time.Second,
	})
}

func msg(id int64, msgType types.MessageType, payload string) types.InboxMessage {
	return types.InboxMessage{
		ID:        id,
		SessionID: "sess-1",
		Type:      msgType,
		Payload:   json.RawMessage(payload),
	}
}

func TestTickRoutesPrompt(t *testing.T) {
	store := &fakeInboxStore{
		status:  types.StatusRunning,
		claimed: []types.InboxMessage{msg(1, types.MsgPromptContext, `{"prompt":"p","prompt_hash":"h"}`)},
	}
	prompts := &fakePromptHandler{}
	d := newTestDispatcher(store)
	d.SetPromptHandler(prompts)

	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, prompts.prompts, 1)
	assert.Equal(t, "h", prompts.prompts[0].PromptHash)
	assert.Equal(t, []int64{1}, store.completed)
}

func TestTickPromptFailureFailsMessage(t *testing.T) {
	store := &fakeInboxStore{
		status:  types.StatusRunning,
		claimed: []types.InboxMessage{msg(2, types.MsgPromptContext, `{"prompt":"p","prompt_hash":"h"}`)},
	}
	d := newTestDispatcher(store)
	d.SetPromptHandler(&fakePromptHandler{err: errors.New("retriever broke")})

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, []int64{2}, store.failed)
	assert.Empty(t, store.completed)
}

func TestTickLearnerDispositions(t *testing.T) {
	tests := []struct {
		name      string
		disp      learner.Disposition
		err       error
		completed bool
		failed    bool
		requeued  bool
	}{
		{"complete", learner.Complete, nil, true, false, false},
		{"requeue on busy", learner.Requeue, nil, false, false, true},
		{"buffered completes", learner.Buffered, nil, true, false, false},
		{"error fails", learner.Complete, errors.New("boom"), false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeInboxStore{
				status:  types.StatusRunning,
				claimed: []types.InboxMessage{msg(3, types.MsgToolUse, `{"tool_name":"Bash"}`)},
			}
			d := newTestDispatcher(store)
			d.SetLearnHandler(&fakeLearnHandler{disp: tt.disp, err: tt.err})

			require.NoError(t, d.Tick(context.Background()))
			assert.Equal(t, tt.completed, len(store.completed) == 1)
			assert.Equal(t, tt.failed, len(store.failed) == 1)
			assert.Equal(t, tt.requeued, len(store.requeued) == 1)
		})
	}
}

func TestTickLearnTriggerRouted(t *testing.T) {
	store := &fakeInboxStore{
		status:  types.StatusRunning,
		claimed: []types.InboxMessage{msg(4, types.MsgLearnTrigger, `{"context":"observation"}`)},
	}
	learn := &fakeLearnHandler{disp: learner.Complete}
	d := newTestDispatcher(store)
	d.SetLearnHandler(learn)

	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, learn.triggers, 1)
	assert.Equal(t, "observation", learn.triggers[0].Context)
	assert.Positive(t, learn.flushed, "flush runs every tick")
}

func TestTickSessionEndStops(t *testing.T) {
	store := &fakeInboxStore{
		status:  types.StatusRunning,
		claimed: []types.InboxMessage{msg(5, types.MsgSessionEvent, `{"event":"session_end"}`)},
	}
	d := newTestDispatcher(store)

	err := d.Tick(context.Background())
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.Equal(t, []int64{5}, store.completed, "completed before stopping")
}

func TestTickOtherSessionEventIgnored(t *testing.T) {
	store := &fakeInboxStore{
		status:  types.StatusRunning,
		claimed: []types.InboxMessage{msg(6, types.MsgSessionEvent, `{"event":"session_start"}`)},
	}
	d := newTestDispatcher(store)

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, []int64{6}, store.completed)
}

func TestTickStoppingStatusStops(t *testing.T) {
	store := &fakeInboxStore{status: types.StatusStopping}
	d := newTestDispatcher(store)
	assert.ErrorIs(t, d.Tick(context.Background()), ErrStopRequested)
}

func TestTickSessionReset(t *testing.T) {
	store := &fakeInboxStore{
		status: types.StatusRunning,
		claimed: []types.InboxMessage{
			msg(7, types.MsgSessionReset, `{"new_session_id":"sess-2","transcript_path":"/tmp/n.jsonl"}`),
		},
	}
	d := newTestDispatcher(store)
	var got types.SessionReset
	d.SetSessionResetHandler(func(_ context.Context, sr types.SessionReset) error {
		got = sr
		d.SetSessionID(sr.NewSessionID)
		return nil
	})

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, "sess-2", got.NewSessionID)
	assert.Equal(t, "/tmp/n.jsonl", got.TranscriptPath)
	assert.Equal(t, "sess-2", d.sessionID())
	assert.Equal(t, []int64{7}, store.completed)
}

func TestTickCompactorTrigger(t *testing.T) {
	store := &fakeInboxStore{
		status:  types.StatusRunning,
		claimed: []types.InboxMessage{msg(8, types.MsgCompactorTrigger, `{}`)},
	}
	d := newTestDispatcher(store)
	var fired bool
	d.SetCompactTrigger(func() { fired = true })

	require.NoError(t, d.Tick(context.Background()))
	assert.True(t, fired)
	assert.Equal(t, []int64{8}, store.completed)
}

func TestTickUnknownTypeFails(t *testing.T) {
	store := &fakeInboxStore{
		status:  types.StatusRunning,
		claimed: []types.InboxMessage{msg(9, "telemetry_ping", `{}`)},
	}
	d := newTestDispatcher(store)

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, []int64{9}, store.failed)
}

func TestTickMalformedPayloadFails(t *testing.T) {
	store := &fakeInboxStore{
		status:  types.StatusRunning,
		claimed: []types.InboxMessage{msg(10, types.MsgPromptContext, `{broken`)},
	}
	d := newTestDispatcher(store)
	d.SetPromptHandler(&fakePromptHandler{})

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, []int64{10}, store.failed)
}

func TestTickNilHandlersComplete(t *testing.T) {
	store := &fakeInboxStore{
		status: types.StatusRunning,
		claimed: []types.InboxMessage{
			msg(11, types.MsgPromptContext, `{"prompt":"p","prompt_hash":"h"}`),
			msg(12, types.MsgToolUse, `{"tool_name":"Bash"}`),
		},
	}
	d := newTestDispatcher(store)

	require.NoError(t, d.Tick(context.Background()))
	assert.ElementsMatch(t, []int64{11, 12}, store.completed)
}

func TestRunFailsAfterRetryWindow(t *testing.T) {
	store := &fakeInboxStore{statusErr: errors.New("connection refused")}
	d := NewDispatcher(store, DispatcherConfig{
		SessionID:     "sess-1",
		PollInterval:  time.Millisecond,
		BatchSize:     10,
		DBRetryWindow: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
}

func TestTickStopsWhenBudgetSpent(t *testing.T) {
	store := &fakeInboxStore{
		status:  types.StatusRunning,
		claimed: []types.InboxMessage{msg(13, types.MsgToolUse, `{"tool_name":"Bash"}`)},
	}
	d := newTestDispatcher(store)
	d.SetLearnHandler(&fakeLearnHandler{disp: learner.Complete})
	d.SetBudgetCheck(func() bool { return true })

	assert.ErrorIs(t, d.Tick(context.Background()), ErrBudgetExhausted)
	assert.Empty(t, store.completedIDs(), "nothing routed once the budget is spent")
}

// blockingLearnHandler holds its tool_use call open until released.
type blockingLearnHandler struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingLearnHandler) HandleToolUse(_ context.Context, _ types.ToolUse) (learner.Disposition, error) {
	close(b.started)
	<-b.release
	return learner.Complete, nil
}

func (b *blockingLearnHandler) HandleLearnTrigger(_ context.Context, _ types.LearnTrigger) (learner.Disposition, error) {
	return learner.Complete, nil
}

func (b *blockingLearnHandler) Flush(_ context.Context) error { return nil }

func TestTickRoutesMessagesConcurrently(t *testing.T) {
	store := &fakeInboxStore{
		status: types.StatusRunning,
		claimed: []types.InboxMessage{
			msg(14, types.MsgToolUse, `{"tool_name":"Bash"}`),
			msg(15, types.MsgPromptContext, `{"prompt":"p","prompt_hash":"h"}`),
		},
	}
	learn := &blockingLearnHandler{started: make(chan struct{}), release: make(chan struct{})}
	d := newTestDispatcher(store)
	d.SetLearnHandler(learn)
	d.SetPromptHandler(&fakePromptHandler{})

	done := make(chan error, 1)
	go func() { done <- d.Tick(context.Background()) }()

	<-learn.started
	require.Eventually(t, func() bool {
		for _, id := range store.completedIDs() {
			if id == 15 {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond,
		"prompt behind a slow learner call should still complete")

	close(learn.release)
	require.NoError(t, <-done)
	assert.ElementsMatch(t, []int64{14, 15}, store.completedIDs())
}

type panickingPromptHandler struct{}

func (panickingPromptHandler) HandlePrompt(_ context.Context, _ types.PromptContext) error {
	panic("retriever blew up")
}

func TestTickHandlerPanicBecomesError(t *testing.T) {
	store := &fakeInboxStore{
		status:  types.StatusRunning,
		claimed: []types.InboxMessage{msg(16, types.MsgPromptContext, `{"prompt":"p","prompt_hash":"h"}`)},
	}
	d := newTestDispatcher(store)
	d.SetPromptHandler(panickingPromptHandler{})

	err := d.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: retriever blew up")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := &fakeInboxStore{status: types.StatusRunning}
	d := newTestDispatcher(store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
