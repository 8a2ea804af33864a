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
package agents

import "github.com/teradata-labs/engram/pkg/types"

// Memory toolserver tool names as advertised through the MCP gateway.
// The mcp__memory__ prefix is the transport's namespacing of the server
// registered under the name "memory".
const toolPrefix = "mcp__memory__"

var retrieverTools = []string{
	toolPrefix + "memory_search",
	toolPrefix + "memory_search_errors",
	toolPrefix + "memory_search_patterns",
	toolPrefix + "memory_get_recent_learnings",
	toolPrefix + "memory_get_project",
	toolPrefix + "memory_drilldown_list",
	toolPrefix + "memory_drilldown_get",
	toolPrefix + "memory_drilldown_search",
	toolPrefix + "memory_index_search",
}

var learnerTools = []string{
	toolPrefix + "memory_search",
	toolPrefix + "memory_save_learning",
	toolPrefix + "memory_save_error",
	toolPrefix + "memory_save_pattern",
	toolPrefix + "memory_drilldown_save",
	toolPrefix + "memory_index_upsert",
}

var curatorTools = []string{
	toolPrefix + "memory_search",
	toolPrefix + "memory_get_stats",
	toolPrefix + "memory_get_recent_learnings",
	toolPrefix + "memory_save_learning",
	toolPrefix + "memory_save_pattern",
	toolPrefix + "memory_drilldown_list",
	toolPrefix + "memory_drilldown_get",
	toolPrefix + "memory_drilldown_save",
	toolPrefix + "memory_drilldown_search",
}

// AllowedTools returns the fixed tool whitelist for an agent kind. The
// compactor works from transcript text alone and gets no tools.
func AllowedTools(kind types.AgentKind) []string {
	switch kind {
	case types.AgentKeywordRetriever, types.AgentCascadeRetriever:
		return retrieverTools
	case types.AgentLearner:
		return learnerTools
	case types.AgentCurator:
		return curatorTools
	}
	return nil
}
