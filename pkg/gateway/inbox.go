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
	"fmt"

	"github.com/teradata-labs/engram/pkg/types"
)

// claimSQL transitions up to $2 pending rows for session $1 into
// processing, FIFO by creation time. FOR UPDATE SKIP LOCKED makes the
// claim exclusive against dispatchers on other sessions sharing the
// database without blocking on their locks.
const claimSQL = `
UPDATE cognitive_inbox
SET status = 'processing'
WHERE id IN (
    SELECT id FROM cognitive_inbox
    WHERE session_id = $1 AND status = 'pending'
    ORDER BY created_at, id
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING id, session_id, message_type, payload, created_at`

// ClaimBatch atomically claims the next batch of pending messages.
func (g *Gateway) ClaimBatch(ctx context.Context, sessionID string, limit int) ([]types.InboxMessage, error) {
	rows, err := g.pool.Query(ctx, claimSQL, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim inbox batch: %w", err)
	}
	defer rows.Close()

	var msgs []types.InboxMessage
	for rows.Next() {
		var m types.InboxMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.Payload, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read claimed batch: %w", err)
	}
	return msgs, nil
}

func (g *Gateway) setMessageStatus(ctx context.Context, id int64, status types.MessageStatus) error {
	_, err := g.pool.Exec(ctx,
		`UPDATE cognitive_inbox SET status = $2, processed_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("mark message %d %s: %w", id, status, err)
	}
	return nil
}

// CompleteMessage marks a processing row completed.
func (g *Gateway) CompleteMessage(ctx context.Context, id int64) error {
	return g.setMessageStatus(ctx, id, types.MessageCompleted)
}

// FailMessage marks a processing row failed.
func (g *Gateway) FailMessage(ctx context.Context, id int64) error {
	return g.setMessageStatus(ctx, id, types.MessageFailed)
}

// RequeueMessage returns a processing row to pending, the only permitted
// backward transition. Used by the learner path on busy-queue rejection.
func (g *Gateway) RequeueMessage(ctx context.Context, id int64) error {
	_, err := g.pool.Exec(ctx,
		`UPDATE cognitive_inbox SET status = 'pending' WHERE id = $1 AND status = 'processing'`,
		id)
	if err != nil {
		return fmt.Errorf("requeue message %d: %w", id, err)
	}
	return nil
}

// FailAllPending fails every pending or processing row for the session.
// Called during shutdown so no work item is left claimed by a dead process.
func (g *Gateway) FailAllPending(ctx context.Context, sessionID string) (int64, error) {
	tag, err := g.pool.Exec(ctx,
		`UPDATE cognitive_inbox SET status = 'failed', processed_at = now()
		 WHERE session_id = $1 AND status IN ('pending', 'processing')`,
		sessionID)
	if err != nil {
		return 0, fmt.Errorf("fail pending messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// WriteRetrievalResult inserts one retrieval outbox row. Multiple rows per
// prompt hash are expected (one per retriever); the reader merges.
func (g *Gateway) WriteRetrievalResult(ctx context.Context, rec types.RetrievalResult) error {
	_, err := g.pool.Exec(ctx,
		`INSERT INTO retrieval_inbox
		     (session_id, prompt_hash, context_type, context_text, relevance_score, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, 'pending', $6)`,
		rec.SessionID, rec.PromptHash, string(rec.ContextType),
		nullableString(rec.ContextText), rec.RelevanceScore, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("write retrieval result: %w", err)
	}
	return nil
}
