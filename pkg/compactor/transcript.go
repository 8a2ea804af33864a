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
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Per-chunk character caps.
const (
	userChunkCap       = 3000
	claudeChunkCap     = 3000
	toolResultsCap     = 500
	toolResultPreview  = 150
	planContentCap     = 5000
	planPathMarker     = ".claude/plans/"
)

// transcriptEntry is one JSONL line of the host's transcript.
type transcriptEntry struct {
	Type    string `json:"type"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// contentBlock covers both assistant blocks and user tool_result items.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Content   json.RawMessage `json:"content"`
	ToolUseID string          `json:"tool_use_id"`
}

type toolInput struct {
	FilePath string `json:"file_path"`
	Pattern  string `json:"pattern"`
	Command  string `json:"command"`
	Content  string `json:"content"`
}

// ExtractChunks reads the JSONL transcript and renders it as labeled
// conversation chunks: [USER], [TOOL_RESULTS], [CLAUDE], [TOOLS], and
// [ACTIVE_PLAN]. Only the most recent plan chunk is retained. Malformed
// lines are skipped.
func ExtractChunks(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var chunks []string
	lastPlanIndex := -1

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry transcriptEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		switch entry.Type {
		case "user":
			chunks = appendUserChunks(chunks, entry.Message.Content)
		case "assistant":
			chunks, lastPlanIndex = appendAssistantChunks(chunks, entry.Message.Content, lastPlanIndex)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return chunks, nil
}

// appendUserChunks handles user entries: string content becomes a [USER]
// chunk; an array is a tool-result batch summarized into [TOOL_RESULTS].
func appendUserChunks(chunks []string, content json.RawMessage) []string {
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		if text != "" {
			chunks = append(chunks, "[USER] "+capChars(text, userChunkCap))
		}
		return chunks
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return chunks
	}
	var summaries []string
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		var rc string
		_ = json.Unmarshal(b.Content, &rc)
		preview := strings.ReplaceAll(capChars(rc, toolResultPreview), "\n", " ")
		id := b.ToolUseID
		if len(id) > 8 {
			id = id[len(id)-8:]
		}
		summaries = append(summaries, fmt.Sprintf("%s: %s", id, preview))
	}
	if len(summaries) > 0 {
		chunks = append(chunks, "[TOOL_RESULTS] "+capChars(strings.Join(summaries, " | "), toolResultsCap))
	}
	return chunks
}

// appendAssistantChunks handles assistant entries: text blocks join into a
// [CLAUDE] chunk; tool_use blocks become a compact [TOOLS] metadata chunk,
// except plan writes which keep their full content as [ACTIVE_PLAN].
func appendAssistantChunks(chunks []string, content json.RawMessage, lastPlanIndex int) ([]string, int) {
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return chunks, lastPlanIndex
	}

	var texts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	if len(texts) > 0 {
		chunks = append(chunks, "[CLAUDE] "+capChars(strings.Join(texts, "\n"), claudeChunkCap))
	}

	var toolMetas []string
	for _, b := range blocks {
		if b.Type != "tool_use" || b.Name == "" {
			continue
		}
		var in toolInput
		_ = json.Unmarshal(b.Input, &in)

		filePath := strings.ReplaceAll(in.FilePath, `\`, "/")
		if b.Name == "Write" && strings.Contains(filePath, planPathMarker) {
			planName := filePath[strings.LastIndex(filePath, "/")+1:]
			if planName == "" {
				planName = "plan.md"
			}
			// Only the latest plan matters; drop the previous one.
			if lastPlanIndex >= 0 && lastPlanIndex < len(chunks) {
				chunks = append(chunks[:lastPlanIndex], chunks[lastPlanIndex+1:]...)
			}
			lastPlanIndex = len(chunks)
			chunks = append(chunks, fmt.Sprintf("[ACTIVE_PLAN: %s]\n%s",
				planName, capChars(in.Content, planContentCap)))
			continue
		}

		meta := b.Name
		switch b.Name {
		case "Read", "Write", "Edit":
			meta += "(" + lastChars(in.FilePath, 80) + ")"
		case "Glob":
			meta += "(" + in.Pattern + ")"
		case "Grep":
			meta += "(" + capChars(in.Pattern, 60) + ")"
		case "Bash":
			meta += "(" + capChars(in.Command, 100) + ")"
		}
		toolMetas = append(toolMetas, meta)
	}
	if len(toolMetas) > 0 {
		chunks = append(chunks, "[TOOLS] "+strings.Join(toolMetas, " | "))
	}
	return chunks, lastPlanIndex
}

// Tail backward-fills chunks from the end until the character budget is
// reached, preserving order. A chunk that would overflow the budget stops
// the fill.
func Tail(chunks []string, budget int) string {
	var tail []string
	total := 0
	for i := len(chunks) - 1; i >= 0; i-- {
		if total+len(chunks[i]) > budget {
			break
		}
		tail = append([]string{chunks[i]}, tail...)
		total += len(chunks[i])
	}
	return strings.Join(tail, "\n\n")
}

func capChars(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func lastChars(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
