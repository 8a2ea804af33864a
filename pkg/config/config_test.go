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
package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.SessionID = "sess-1"
	cfg.DatabaseURL = "postgres://localhost/engram"
	cfg.TranscriptPath = "/tmp/t.jsonl"
	return cfg
}

func TestValidateOK(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing session id", func(c *Config) { c.SessionID = "" }, "session-id"},
		{"missing db url", func(c *Config) { c.DatabaseURL = "" }, "db-url"},
		{"unknown backend", func(c *Config) { c.Backend = "ollama" }, "backend"},
		{"anthropic without key", func(c *Config) { c.Backend = "anthropic"; c.APIKey = "" }, "api-key"},
		{"zero session budget", func(c *Config) { c.SessionBudgetUSD = 0 }, "session-budget"},
		{"compactor without transcript", func(c *Config) { c.TranscriptPath = "" }, "transcript-path"},
		{"inverted batch sizes", func(c *Config) {
			c.BatchEnabled = true
			c.BatchMinSize = 5
			c.BatchMaxSize = 2
		}, "learner-batch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestCompactorDisabledSkipsTranscriptCheck(t *testing.T) {
	cfg := validConfig()
	cfg.CompactorEnabled = false
	cfg.TranscriptPath = ""
	assert.NoError(t, cfg.Validate())
}

func TestBudgetFor(t *testing.T) {
	b := AgentBudgets{RetrieverA: 0.1, RetrieverB: 0.2, Learner: 0.3, Compactor: 0.4, Curator: 0.5}
	assert.Equal(t, 0.1, b.BudgetFor("keyword_retriever"))
	assert.Equal(t, 0.2, b.BudgetFor("cascade_retriever"))
	assert.Equal(t, 0.3, b.BudgetFor("learner"))
	assert.Equal(t, 0.4, b.BudgetFor("compactor"))
	assert.Equal(t, 0.5, b.BudgetFor("curator"))
	assert.Equal(t, 0.3, b.BudgetFor("something_else"))
}
