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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestExtractChunksUserText(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"content":"how do I run the tests"}}`,
	)
	chunks, err := ExtractChunks(path)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "[USER] how do I run the tests", chunks[0])
}

func TestExtractChunksToolResults(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"content":[`+
			`{"type":"tool_result","tool_use_id":"toolu_0123456789ab","content":"line one\nline two"},`+
			`{"type":"tool_result","tool_use_id":"short","content":"tiny"}]}}`,
	)
	chunks, err := ExtractChunks(path)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	// Ids keep only their last 8 chars; previews flatten newlines and join
	// with a pipe.
	assert.Equal(t, "[TOOL_RESULTS] 456789ab: line one line two | short: tiny", chunks[0])
}

func TestExtractChunksAssistant(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"assistant","message":{"content":[`+
			`{"type":"text","text":"Let me check."},`+
			`{"type":"tool_use","name":"Grep","input":{"pattern":"func main"}},`+
			`{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}`,
	)
	chunks, err := ExtractChunks(path)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "[CLAUDE] Let me check.", chunks[0])
	assert.Equal(t, "[TOOLS] Grep(func main) | Bash(go test ./...)", chunks[1])
}

func TestExtractChunksFilePathTail(t *testing.T) {
	long := "/very/long/prefix/" + strings.Repeat("d/", 50) + "file.go"
	path := writeTranscript(t,
		`{"type":"assistant","message":{"content":[`+
			`{"type":"tool_use","name":"Read","input":{"file_path":"`+long+`"}}]}}`,
	)
	chunks, err := ExtractChunks(path)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, strings.HasPrefix(chunks[0], "[TOOLS] Read("))
	assert.Contains(t, chunks[0], "file.go")
	// Only the path tail survives.
	assert.NotContains(t, chunks[0], "/very/long/prefix/")
}

func TestExtractChunksKeepsOnlyLatestPlan(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"assistant","message":{"content":[`+
			`{"type":"tool_use","name":"Write","input":{"file_path":"/proj/.claude/plans/alpha.md","content":"first plan"}}]}}`,
		`{"type":"user","message":{"content":"looks wrong, redo it"}}`,
		`{"type":"assistant","message":{"content":[`+
			`{"type":"tool_use","name":"Write","input":{"file_path":"/proj/.claude/plans/beta.md","content":"second plan"}}]}}`,
	)
	chunks, err := ExtractChunks(path)
	require.NoError(t, err)

	joined := strings.Join(chunks, "\n")
	assert.NotContains(t, joined, "first plan")
	assert.Contains(t, joined, "[ACTIVE_PLAN: beta.md]\nsecond plan")
	// The superseded plan is removed entirely, not demoted.
	assert.NotContains(t, joined, "alpha.md")
}

func TestExtractChunksPlanKeepsContent(t *testing.T) {
	content := strings.Repeat("p", 6000)
	path := writeTranscript(t,
		`{"type":"assistant","message":{"content":[`+
			`{"type":"tool_use","name":"Write","input":{"file_path":"C:\\proj\\.claude\\plans\\win.md","content":"`+content+`"}}]}}`,
	)
	chunks, err := ExtractChunks(path)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, strings.HasPrefix(chunks[0], "[ACTIVE_PLAN: win.md]\n"))
	// Plan content is capped but far above the normal tool-meta budget.
	assert.Len(t, chunks[0], len("[ACTIVE_PLAN: win.md]\n")+planContentCap)
}

func TestExtractChunksSkipsMalformedLines(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"content":"good line"}}`,
		`{not json at all`,
		`{"type":"summary","summary":"ignored entry type"}`,
		`{"type":"user","message":{"content":"another good line"}}`,
	)
	chunks, err := ExtractChunks(path)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestExtractChunksCapsLongContent(t *testing.T) {
	long := strings.Repeat("u", 5000)
	path := writeTranscript(t,
		`{"type":"user","message":{"content":"`+long+`"}}`,
	)
	chunks, err := ExtractChunks(path)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], len("[USER] ")+userChunkCap)
}

func TestTailBackwardFill(t *testing.T) {
	chunks := []string{
		strings.Repeat("a", 100),
		strings.Repeat("b", 100),
		strings.Repeat("c", 100),
	}
	// Budget fits only the last two chunks; order is preserved.
	tail := Tail(chunks, 220)
	parts := strings.Split(tail, "\n\n")
	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("b", 100), parts[0])
	assert.Equal(t, strings.Repeat("c", 100), parts[1])
}

func TestTailEverythingFits(t *testing.T) {
	chunks := []string{"one", "two", "three"}
	assert.Equal(t, "one\n\ntwo\n\nthree", Tail(chunks, 1000))
}

func TestTailEmpty(t *testing.T) {
	assert.Equal(t, "", Tail(nil, 1000))
}
