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

// Package anthropic implements the llm.Backend interface directly against
// the Anthropic Messages API. The API is stateless, so subsession
// continuity is provided by an in-memory conversation history per
// subsession identifier. Tool use is not available on this backend; it is
// the fallback when the Claude CLI is not installed.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teradata-labs/engram/pkg/llm"
)

const (
	// DefaultModel is the default Claude model.
	DefaultModel = "claude-sonnet-4-5-20250929"
	// DefaultEndpoint is the default Anthropic API endpoint.
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultMaxTokens is the default maximum tokens per request.
	DefaultMaxTokens = 4096
	// DefaultTemperature is the default LLM temperature.
	DefaultTemperature = 1.0
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second
)

// Config holds configuration for the Anthropic backend.
type Config struct {
	APIKey      string
	Model       string // Default: claude-sonnet-4-5-20250929
	Endpoint    string // Default: https://api.anthropic.com/v1/messages
	Timeout     time.Duration
	MaxTokens   int     // Default: 4096
	Temperature float64 // Default: 1.0
}

// subsession is one in-memory conversation.
type subsession struct {
	system  string
	history []Message
}

// Backend implements llm.Backend over the Messages API.
type Backend struct {
	apiKey      string
	model       string
	endpoint    string
	httpClient  *http.Client
	maxTokens   int
	temperature float64
	limiter     *llm.Limiter

	mu          sync.Mutex
	subsessions map[string]*subsession
}

// New creates an Anthropic backend.
func New(config Config) *Backend {
	if config.Model == "" {
		if envModel := os.Getenv("ANTHROPIC_DEFAULT_MODEL"); envModel != "" {
			config.Model = envModel
		} else {
			config.Model = DefaultModel
		}
	}
	if config.Endpoint == "" {
		if envEndpoint := os.Getenv("ANTHROPIC_API_ENDPOINT"); envEndpoint != "" {
			config.Endpoint = envEndpoint
		} else {
			config.Endpoint = DefaultEndpoint
		}
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Temperature == 0 {
		config.Temperature = DefaultTemperature
	}

	return &Backend{
		apiKey:      config.APIKey,
		model:       config.Model,
		endpoint:    config.Endpoint,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		httpClient:  &http.Client{Timeout: config.Timeout},
		limiter:     llm.NewLimiter(llm.DefaultLimiterConfig()),
		subsessions: make(map[string]*subsession),
	}
}

// Name implements llm.Backend.
func (b *Backend) Name() string { return "anthropic" }

// Close implements llm.Backend.
func (b *Backend) Close() error { return nil }

// Query implements llm.Backend. An empty SubsessionID starts a new
// conversation whose identifier is returned in the Result.
func (b *Backend) Query(ctx context.Context, req llm.QueryRequest) (*llm.Result, error) {
	b.mu.Lock()
	id := req.SubsessionID
	if id == "" {
		id = uuid.NewString()
		b.subsessions[id] = &subsession{system: req.SystemPrompt}
	}
	sub, ok := b.subsessions[id]
	if !ok {
		b.mu.Unlock()
		return nil, &llm.AgentError{Err: fmt.Errorf("unknown subsession %q", id)}
	}
	// Copy history under the lock; the API call itself must not hold it.
	messages := make([]Message, len(sub.history), len(sub.history)+1)
	copy(messages, sub.history)
	system := sub.system
	b.mu.Unlock()

	userMsg := Message{
		Role:    "user",
		Content: []ContentBlock{{Type: "text", Text: req.Prompt}},
	}
	messages = append(messages, userMsg)

	apiReq := &MessagesRequest{
		Model:       b.model,
		Messages:    messages,
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
	}
	if req.Model != "" {
		apiReq.Model = req.Model
	}
	if system != "" {
		apiReq.System = []TextBlockParam{{
			Type:         "text",
			Text:         system,
			CacheControl: &CacheControl{Type: "ephemeral"},
		}}
	}

	start := time.Now()
	var resp *MessagesResponse
	err := b.limiter.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = b.callAPI(ctx, apiReq)
		return callErr
	})
	if err != nil {
		return nil, &llm.AgentError{Err: fmt.Errorf("API call failed: %w", err)}
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	b.mu.Lock()
	sub.history = append(sub.history, userMsg, Message{
		Role:    "assistant",
		Content: []ContentBlock{{Type: "text", Text: text}},
	})
	b.mu.Unlock()

	return &llm.Result{
		SubsessionID: id,
		Text:         text,
		Subtype:      llm.SubtypeSuccess,
		CostUSD: calculateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens,
			resp.Usage.CacheReadInputTokens, resp.Usage.CacheCreationInputTokens),
		NumTurns:   1,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// calculateCost estimates the cost in USD based on token usage.
// Cache pricing: cache_creation at 1.25x input, cache_read at 0.10x input.
func calculateCost(inputTokens, outputTokens, cacheReadTokens, cacheCreationTokens int) float64 {
	// Input: $3 per million tokens
	// Output: $15 per million tokens
	// Cache write (creation): $3.75 per million tokens (1.25x input)
	// Cache read: $0.30 per million tokens (0.10x input)
	inputCost := float64(inputTokens) * 3.0 / 1_000_000
	outputCost := float64(outputTokens) * 15.0 / 1_000_000
	cacheWriteCost := float64(cacheCreationTokens) * 3.75 / 1_000_000
	cacheReadCost := float64(cacheReadTokens) * 0.30 / 1_000_000
	return inputCost + outputCost + cacheWriteCost + cacheReadCost
}

// callAPI makes the HTTP request to Anthropic's API.
func (b *Backend) callAPI(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	// Prompt caching beta: cached tokens don't count against the ITPM rate limit.
	httpReq.Header.Set("anthropic-beta", "prompt-caching-2024-07-31")

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode == 529 {
		return nil, &llm.ThrottleError{Status: httpResp.StatusCode, Body: string(respBody)}
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp MessagesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &resp, nil
}

var _ llm.Backend = (*Backend)(nil)
