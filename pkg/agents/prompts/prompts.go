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

// Package prompts embeds the system prompt for each agent kind.
package prompts

import (
	"embed"
	"fmt"

	"github.com/teradata-labs/engram/pkg/types"
)

//go:embed *.md
var files embed.FS

var byKind = map[types.AgentKind]string{
	types.AgentKeywordRetriever: "keyword_retriever.md",
	types.AgentCascadeRetriever: "cascade_retriever.md",
	types.AgentLearner:          "learner.md",
	types.AgentCompactor:        "compactor.md",
	types.AgentCurator:          "curator.md",
}

// For returns the system prompt for an agent kind.
func For(kind types.AgentKind) (string, error) {
	name, ok := byKind[kind]
	if !ok {
		return "", fmt.Errorf("no prompt for agent kind %q", kind)
	}
	data, err := files.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", name, err)
	}
	return string(data), nil
}
