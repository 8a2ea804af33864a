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
package compactor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/engram/pkg/agents"
	"github.com/teradata-labs/engram/pkg/llm"
	"github.com/teradata-labs/engram/pkg/types"
)

type fakeStore struct {
	latest   *types.SessionState
	inserted []types.SessionState
}

func (f *fakeStore) LatestSessionState(_ context.Context, _ string) (*types.SessionState, error) {
	return f.latest, nil
}

func (f *fakeStore) InsertSessionState(_ context.Context, st types.SessionState) error {
	f.inserted = append(f.inserted, st)
	return nil
}

type fakeAgent struct {
	prompts []string
	err     error
}

func (f *fakeAgent) Call(_ context.Context, _ types.AgentKind, prompt string) (*llm.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.prompts = append(f.prompts, prompt)
	return &llm.Result{Text: "=== SESSION STATE v1 ===\ndistilled\n=== END STATE ===", CostUSD: 0.05}, nil
}

// seedTranscript writes n short user lines so individual chunks always
// fit inside the test window budgets.
func seedTranscript(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	line := `{"type":"user","message":{"content":"` + strings.Repeat("m", 100) + `"}}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat(line, n)), 0o644))
	return path
}

func newTestCompactor(agent *fakeAgent, store *fakeStore, transcript string) *Compactor {
	return New(agent, store, Config{
		SessionID:         "sess-1",
		ProjectSlug:       "myproject",
		TranscriptPath:    transcript,
		FirstCompactChars: 500,
		NextCompactChars:  200,
		TailChars:         10000,
	})
}

func TestBelowThresholdNoCompaction(t *testing.T) {
	agent := &fakeAgent{}
	store := &fakeStore{}
	c := newTestCompactor(agent, store, seedTranscript(t, 3))

	require.NoError(t, c.CheckAndCompact(context.Background(), false))
	assert.Empty(t, agent.prompts)
	assert.Empty(t, store.inserted)
}

func TestFirstCompaction(t *testing.T) {
	agent := &fakeAgent{}
	store := &fakeStore{}
	transcript := seedTranscript(t, 10)
	c := newTestCompactor(agent, store, transcript)

	require.NoError(t, c.CheckAndCompact(context.Background(), false))

	require.Len(t, agent.prompts, 1)
	assert.True(t, strings.HasPrefix(agent.prompts[0], "[INITIAL STATE REQUEST]"))
	assert.Contains(t, agent.prompts[0], "[NEW CONVERSATION]")
	assert.NotContains(t, agent.prompts[0], "[PREVIOUS STATE]")

	require.Len(t, store.inserted, 1)
	st := store.inserted[0]
	assert.Equal(t, "sess-1", st.SessionID)
	assert.Equal(t, "myproject", st.ProjectSlug)
	assert.Equal(t, 1, st.Version)
	assert.Contains(t, st.StateText, "distilled")
	assert.Positive(t, st.TokenEstimate)

	// Raw tail lands beside the transcript, named by session and version.
	wantTail := filepath.Join(filepath.Dir(transcript), tailDirName, "sess-1_v1.txt")
	assert.Equal(t, wantTail, st.RawTailPath)
	data, err := os.ReadFile(wantTail)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[USER]")
}

func TestUpdateCompactionCarriesPreviousState(t *testing.T) {
	agent := &fakeAgent{}
	store := &fakeStore{latest: &types.SessionState{
		SessionID: "sess-1",
		StateText: "earlier state document",
		Version:   3,
	}}
	c := newTestCompactor(agent, store, seedTranscript(t, 10))

	require.NoError(t, c.CheckAndCompact(context.Background(), false))

	require.Len(t, agent.prompts, 1)
	assert.True(t, strings.HasPrefix(agent.prompts[0], "[UPDATE REQUEST]"))
	assert.Contains(t, agent.prompts[0], "[PREVIOUS STATE]\nearlier state document")

	require.Len(t, store.inserted, 1)
	assert.Equal(t, 4, store.inserted[0].Version)
}

func TestNoRecompactionWithoutGrowth(t *testing.T) {
	agent := &fakeAgent{}
	store := &fakeStore{}
	c := newTestCompactor(agent, store, seedTranscript(t, 10))

	require.NoError(t, c.CheckAndCompact(context.Background(), false))
	require.Len(t, store.inserted, 1)

	// Same transcript size: the baseline advanced, nothing new to do,
	// even when forced.
	require.NoError(t, c.CheckAndCompact(context.Background(), false))
	require.NoError(t, c.CheckAndCompact(context.Background(), true))
	assert.Len(t, store.inserted, 1)
}

func TestForcedCompactionBypassesThreshold(t *testing.T) {
	agent := &fakeAgent{}
	store := &fakeStore{}
	c := newTestCompactor(agent, store, seedTranscript(t, 3))

	require.NoError(t, c.CheckAndCompact(context.Background(), true))
	assert.Len(t, store.inserted, 1)
}

func TestBusyAgentDefers(t *testing.T) {
	agent := &fakeAgent{err: agents.ErrBusy}
	store := &fakeStore{}
	c := newTestCompactor(agent, store, seedTranscript(t, 10))

	require.NoError(t, c.CheckAndCompact(context.Background(), false))
	assert.Empty(t, store.inserted)
}

func TestMissingTranscriptIsNoop(t *testing.T) {
	agent := &fakeAgent{}
	store := &fakeStore{}
	c := newTestCompactor(agent, store, filepath.Join(t.TempDir(), "absent.jsonl"))

	require.NoError(t, c.CheckAndCompact(context.Background(), false))
	assert.Empty(t, store.inserted)
}

func TestRebindResetsBaseline(t *testing.T) {
	agent := &fakeAgent{}
	store := &fakeStore{}
	transcript := seedTranscript(t, 10)
	c := newTestCompactor(agent, store, transcript)

	require.NoError(t, c.CheckAndCompact(context.Background(), false))
	require.Len(t, store.inserted, 1)

	// Reset onto a fresh transcript under a new session identifier.
	newTranscript := seedTranscript(t, 10)
	c.Rebind("sess-2", newTranscript)

	// The new session has no prior state in this fake.
	store.latest = nil
	require.NoError(t, c.CheckAndCompact(context.Background(), false))
	require.Len(t, store.inserted, 2)
	assert.Equal(t, "sess-2", store.inserted[1].SessionID)
	assert.Equal(t, 1, store.inserted[1].Version)
}
