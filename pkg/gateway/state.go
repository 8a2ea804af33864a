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
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/teradata-labs/engram/pkg/types"
)

// UpsertOrchestrator registers or refreshes this process's record. The
// upsert is idempotent under restart: a stale row for the same session is
// overwritten with the new pid and status.
func (g *Gateway) UpsertOrchestrator(ctx context.Context, rec types.OrchestratorRecord) error {
	_, err := g.pool.Exec(ctx,
		`INSERT INTO orchestrator_state
		     (session_id, pid, retriever_enabled, learner_enabled, status,
		      started_at, last_heartbeat_at, error_message,
		      retriever_session_id, learner_session_id)
		 VALUES ($1, $2, $3, $4, $5, now(), now(), $6, $7, $8)
		 ON CONFLICT (session_id) DO UPDATE SET
		     pid = EXCLUDED.pid,
		     retriever_enabled = EXCLUDED.retriever_enabled,
		     learner_enabled = EXCLUDED.learner_enabled,
		     status = EXCLUDED.status,
		     started_at = EXCLUDED.started_at,
		     last_heartbeat_at = EXCLUDED.last_heartbeat_at,
		     stopped_at = NULL,
		     error_message = EXCLUDED.error_message,
		     retriever_session_id = EXCLUDED.retriever_session_id,
		     learner_session_id = EXCLUDED.learner_session_id`,
		rec.SessionID, rec.PID, rec.RetrieverEnabled, rec.LearnerEnabled,
		string(rec.Status), nullableString(rec.ErrorMessage),
		nullableString(rec.RetrieverSessionID), nullableString(rec.LearnerSessionID))
	if err != nil {
		return fmt.Errorf("upsert orchestrator record: %w", err)
	}
	return nil
}

// SetStatus writes a lifecycle status for the session, refusing writes
// the status machine forbids. Terminal statuses also record stopped_at.
func (g *Gateway) SetStatus(ctx context.Context, sessionID string, status types.OrchestratorStatus, errorMessage string) error {
	err := g.execInTx(ctx, func(tx pgx.Tx) error {
		var cur string
		err := tx.QueryRow(ctx,
			`SELECT status FROM orchestrator_state WHERE session_id = $1 FOR UPDATE`,
			sessionID).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("no orchestrator record for session %s", sessionID)
		}
		if err != nil {
			return err
		}
		ok, skip := guardTransition(types.OrchestratorStatus(cur), status)
		if skip {
			return nil
		}
		if !ok {
			return fmt.Errorf("invalid status transition %s -> %s", cur, status)
		}
		if status.Terminal() {
			_, err = tx.Exec(ctx,
				`UPDATE orchestrator_state
				 SET status = $2, error_message = $3, stopped_at = now()
				 WHERE session_id = $1`,
				sessionID, string(status), nullableString(errorMessage))
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE orchestrator_state
				 SET status = $2, error_message = $3
				 WHERE session_id = $1`,
				sessionID, string(status), nullableString(errorMessage))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

// guardTransition decides a status write against the machine: same-status
// writes are skipped so a retried shutdown stays idempotent, and writes
// the machine forbids are refused (a stopped session never turns crashed).
func guardTransition(cur, next types.OrchestratorStatus) (ok, skip bool) {
	if cur == next {
		return true, true
	}
	return cur.CanTransition(next), false
}

// ReadStatus returns the session's current lifecycle status. The dispatcher
// polls this each tick to observe host-driven shutdown, which writes the
// status directly from outside the process.
func (g *Gateway) ReadStatus(ctx context.Context, sessionID string) (types.OrchestratorStatus, error) {
	var status string
	err := g.pool.QueryRow(ctx,
		`SELECT status FROM orchestrator_state WHERE session_id = $1`,
		sessionID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("no orchestrator record for session %s", sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return types.OrchestratorStatus(status), nil
}

// Heartbeat advances last_heartbeat_at for a live session.
func (g *Gateway) Heartbeat(ctx context.Context, sessionID string) error {
	_, err := g.pool.Exec(ctx,
		`UPDATE orchestrator_state SET last_heartbeat_at = now() WHERE session_id = $1`,
		sessionID)
	if err != nil {
		return fmt.Errorf("advance heartbeat: %w", err)
	}
	return nil
}

// SetAgentSessions records the retriever and learner subsession identifiers
// once initialization completes.
func (g *Gateway) SetAgentSessions(ctx context.Context, sessionID, retrieverSID, learnerSID string) error {
	_, err := g.pool.Exec(ctx,
		`UPDATE orchestrator_state
		 SET retriever_session_id = $2, learner_session_id = $3
		 WHERE session_id = $1`,
		sessionID, nullableString(retrieverSID), nullableString(learnerSID))
	if err != nil {
		return fmt.Errorf("record agent session ids: %w", err)
	}
	return nil
}

// HandoffSession performs the session-reset rename in one transaction: the
// old record is left in status injected for the external state-injection
// tool, and a running record for the new session is created with the same
// pid and subsession identifiers. Remaining pending work for the old
// session is failed; its prompts answered a conversation that no longer
// exists.
func (g *Gateway) HandoffSession(ctx context.Context, oldSessionID, newSessionID string) error {
	return g.execInTx(ctx, func(tx pgx.Tx) error {
		var rec types.OrchestratorRecord
		err := tx.QueryRow(ctx,
			`SELECT pid, retriever_enabled, learner_enabled,
			        COALESCE(retriever_session_id, ''), COALESCE(learner_session_id, '')
			 FROM orchestrator_state WHERE session_id = $1 FOR UPDATE`,
			oldSessionID).Scan(&rec.PID, &rec.RetrieverEnabled, &rec.LearnerEnabled,
			&rec.RetrieverSessionID, &rec.LearnerSessionID)
		if err != nil {
			return fmt.Errorf("load record for handoff: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orchestrator_state SET status = 'injected', stopped_at = now()
			 WHERE session_id = $1`, oldSessionID); err != nil {
			return fmt.Errorf("retire old record: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE cognitive_inbox SET status = 'failed', processed_at = now()
			 WHERE session_id = $1 AND status IN ('pending', 'processing')`,
			oldSessionID); err != nil {
			return fmt.Errorf("fail old pending messages: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO orchestrator_state
			     (session_id, pid, retriever_enabled, learner_enabled, status,
			      started_at, last_heartbeat_at, retriever_session_id, learner_session_id)
			 VALUES ($1, $2, $3, $4, 'running', now(), now(), $5, $6)
			 ON CONFLICT (session_id) DO UPDATE SET
			     pid = EXCLUDED.pid,
			     retriever_enabled = EXCLUDED.retriever_enabled,
			     learner_enabled = EXCLUDED.learner_enabled,
			     status = 'running',
			     started_at = EXCLUDED.started_at,
			     last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			     stopped_at = NULL,
			     error_message = NULL,
			     retriever_session_id = EXCLUDED.retriever_session_id,
			     learner_session_id = EXCLUDED.learner_session_id`,
			newSessionID, rec.PID, rec.RetrieverEnabled, rec.LearnerEnabled,
			nullableString(rec.RetrieverSessionID), nullableString(rec.LearnerSessionID)); err != nil {
			return fmt.Errorf("create new record: %w", err)
		}
		return nil
	})
}

// MarkStaleCrashed is the zombie detector: rows still starting or running
// whose heartbeat is older than the staleness window transition to crashed.
// Safe to run from any process; a healthy orchestrator advances its
// heartbeat well inside the window.
func (g *Gateway) MarkStaleCrashed(ctx context.Context, staleness time.Duration) (int64, error) {
	tag, err := g.pool.Exec(ctx,
		`UPDATE orchestrator_state
		 SET status = 'crashed', stopped_at = now(),
		     error_message = 'heartbeat stale; process presumed dead'
		 WHERE status IN ('starting', 'running')
		   AND last_heartbeat_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(staleness.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("mark stale orchestrators: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LatestSessionState returns the highest-version state row for a session,
// or nil when none exists.
func (g *Gateway) LatestSessionState(ctx context.Context, sessionID string) (*types.SessionState, error) {
	var st types.SessionState
	err := g.pool.QueryRow(ctx,
		`SELECT session_id, project_slug, state_text,
		        COALESCE(raw_tail_path, ''), token_estimate, version, updated_at
		 FROM session_state
		 WHERE session_id = $1
		 ORDER BY version DESC
		 LIMIT 1`,
		sessionID).Scan(&st.SessionID, &st.ProjectSlug, &st.StateText,
		&st.RawTailPath, &st.TokenEstimate, &st.Version, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest session state: %w", err)
	}
	return &st, nil
}

// InsertSessionState appends a new state version. The composite uniqueness
// on (session_id, version) turns a concurrent duplicate into an error
// instead of a silent overwrite.
func (g *Gateway) InsertSessionState(ctx context.Context, st types.SessionState) error {
	_, err := g.pool.Exec(ctx,
		`INSERT INTO session_state
		     (session_id, project_slug, state_text, raw_tail_path, token_estimate, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		st.SessionID, st.ProjectSlug, st.StateText,
		nullableString(st.RawTailPath), st.TokenEstimate, st.Version)
	if err != nil {
		return fmt.Errorf("insert session state v%d: %w", st.Version, err)
	}
	return nil
}

// RecordAgentUsage upserts the per-agent usage mirror consumed by the
// host's usage reporting tool.
func (g *Gateway) RecordAgentUsage(ctx context.Context, usage types.AgentUsage) error {
	_, err := g.pool.Exec(ctx,
		`INSERT INTO agent_usage
		     (session_id, agent_name, invocation_count, total_cost_usd,
		      last_cost_usd, budget_per_call, budget_session, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id, agent_name) DO UPDATE SET
		     invocation_count = EXCLUDED.invocation_count,
		     total_cost_usd = EXCLUDED.total_cost_usd,
		     last_cost_usd = EXCLUDED.last_cost_usd,
		     budget_per_call = EXCLUDED.budget_per_call,
		     budget_session = EXCLUDED.budget_session,
		     status = EXCLUDED.status`,
		usage.SessionID, string(usage.AgentName), usage.InvocationCount,
		usage.TotalCostUSD, usage.LastCostUSD, usage.BudgetPerCall,
		usage.BudgetSession, usage.Status)
	if err != nil {
		return fmt.Errorf("record agent usage: %w", err)
	}
	return nil
}
