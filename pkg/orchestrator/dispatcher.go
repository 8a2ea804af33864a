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
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/engram/internal/log"
	"github.com/teradata-labs/engram/pkg/learner"
	"github.com/teradata-labs/engram/pkg/types"
)

// Stop causes surfaced by the dispatcher loop. All are graceful.
var (
	// ErrStopRequested reports a host-written stopping status.
	ErrStopRequested = errors.New("stop requested via orchestrator state")
	// ErrSessionEnded reports a session_end event in the inbox.
	ErrSessionEnded = errors.New("host session ended")
	// ErrBudgetExhausted reports a spent session budget.
	ErrBudgetExhausted = errors.New("session budget exhausted")
)

// InboxStore is the dispatcher's view of the message bus.
type InboxStore interface {
	ClaimBatch(ctx context.Context, sessionID string, limit int) ([]types.InboxMessage, error)
	CompleteMessage(ctx context.Context, id int64) error
	FailMessage(ctx context.Context, id int64) error
	RequeueMessage(ctx context.Context, id int64) error
	ReadStatus(ctx context.Context, sessionID string) (types.OrchestratorStatus, error)
}

// PromptHandler serves prompt_context messages.
type PromptHandler interface {
	HandlePrompt(ctx context.Context, pc types.PromptContext) error
}

// LearnHandler serves tool_use and learn_trigger messages.
type LearnHandler interface {
	HandleToolUse(ctx context.Context, tu types.ToolUse) (learner.Disposition, error)
	HandleLearnTrigger(ctx context.Context, lt types.LearnTrigger) (learner.Disposition, error)
	Flush(ctx context.Context) error
}

// DispatcherConfig holds poll-loop settings.
type DispatcherConfig struct {
	SessionID     string
	PollInterval  time.Duration
	BatchSize     int
	DBRetryWindow time.Duration
}

// Dispatcher polls the inbox and routes claimed messages to the agent
// paths. Nil handlers disable their message types: the messages are
// completed unprocessed so a partial deployment never wedges the queue.
type Dispatcher struct {
	store   InboxStore
	prompts PromptHandler
	learn   LearnHandler

	// compact and curate serve the explicit trigger message types.
	compact func()
	curate  func(ctx context.Context) error

	// onSessionReset performs the handoff; the dispatcher continues under
	// the new session identifier it leaves behind via SetSessionID.
	onSessionReset func(ctx context.Context, sr types.SessionReset) error

	// budgetSpent reports session-budget exhaustion; checked each tick so
	// a spent cap stops the daemon no matter which agent path spent it.
	budgetSpent func() bool

	mu  sync.RWMutex
	cfg DispatcherConfig
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(store InboxStore, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{store: store, cfg: cfg}
}

// SetPromptHandler wires the retrieval path.
func (d *Dispatcher) SetPromptHandler(h PromptHandler) { d.prompts = h }

// SetLearnHandler wires the learner path.
func (d *Dispatcher) SetLearnHandler(h LearnHandler) { d.learn = h }

// SetCompactTrigger wires the compactor_trigger message type.
func (d *Dispatcher) SetCompactTrigger(fn func()) { d.compact = fn }

// SetCurateTrigger wires the curator_trigger message type.
func (d *Dispatcher) SetCurateTrigger(fn func(ctx context.Context) error) { d.curate = fn }

// SetSessionResetHandler wires the session_reset handoff.
func (d *Dispatcher) SetSessionResetHandler(fn func(ctx context.Context, sr types.SessionReset) error) {
	d.onSessionReset = fn
}

// SetBudgetCheck wires the session-budget exhaustion probe.
func (d *Dispatcher) SetBudgetCheck(fn func() bool) { d.budgetSpent = fn }

// SetSessionID rebinds the poll loop after a session reset.
func (d *Dispatcher) SetSessionID(sessionID string) {
	d.mu.Lock()
	d.cfg.SessionID = sessionID
	d.mu.Unlock()
}

func (d *Dispatcher) sessionID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.SessionID
}

// Run polls until the context ends or a stop cause fires. Database errors
// are retried each tick inside the retry window; past the window the loop
// fails, which the orchestrator records as a crash.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var dbFailingSince time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := d.Tick(ctx)
		switch {
		case err == nil:
			dbFailingSince = time.Time{}
		case errors.Is(err, ErrStopRequested) || errors.Is(err, ErrSessionEnded) ||
			errors.Is(err, ErrBudgetExhausted):
			return err
		case errors.Is(err, context.Canceled):
			return ctx.Err()
		default:
			if dbFailingSince.IsZero() {
				dbFailingSince = time.Now()
			}
			if down := time.Since(dbFailingSince); down > d.cfg.DBRetryWindow {
				return fmt.Errorf("database unavailable for %s: %w", down.Round(time.Second), err)
			}
			log.Warn("dispatch tick failed, will retry", zap.Error(err))
		}
	}
}

// Tick runs one poll cycle: observe host-driven shutdown and budget
// exhaustion, claim a batch, route the claimed messages, then give the
// learner batch a chance to flush. Messages route concurrently in claim
// order, so a slow learner call never stalls a prompt behind it in the
// batch; per-kind serialization is the agent busy flags' job.
func (d *Dispatcher) Tick(ctx context.Context) error {
	sessionID := d.sessionID()

	status, err := d.store.ReadStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if status == types.StatusStopping {
		return ErrStopRequested
	}
	if d.budgetSpent != nil && d.budgetSpent() {
		return ErrBudgetExhausted
	}

	msgs, err := d.store.ClaimBatch(ctx, sessionID, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, msg := range msgs {
		msg := msg
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := func() (err error) {
				defer recoverPanic(&err)
				return d.dispatch(ctx, msg)
			}()
			if err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if d.learn != nil {
		if err := d.learn.Flush(ctx); err != nil {
			log.Warn("learner batch flush failed", zap.Error(err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		// A session_end anywhere in the batch wins over routing errors.
		if errors.Is(err, ErrSessionEnded) {
			return ErrSessionEnded
		}
		return err
	}
	return nil
}

// dispatch routes one claimed message by type. Handler failures fail the
// message and the loop continues; only stop causes and status-write errors
// propagate.
func (d *Dispatcher) dispatch(ctx context.Context, msg types.InboxMessage) error {
	payload, err := types.DecodePayload(msg.Type, msg.Payload)
	if err != nil {
		log.Warn("malformed inbox payload",
			zap.Int64("message_id", msg.ID), zap.Error(err))
		return d.store.FailMessage(ctx, msg.ID)
	}

	switch p := payload.(type) {
	case types.PromptContext:
		if d.prompts == nil {
			return d.store.CompleteMessage(ctx, msg.ID)
		}
		if err := d.prompts.HandlePrompt(ctx, p); err != nil {
			log.Warn("prompt handling failed",
				zap.Int64("message_id", msg.ID), zap.Error(err))
			return d.store.FailMessage(ctx, msg.ID)
		}
		return d.store.CompleteMessage(ctx, msg.ID)

	case types.ToolUse:
		if d.learn == nil {
			return d.store.CompleteMessage(ctx, msg.ID)
		}
		disp, err := d.learn.HandleToolUse(ctx, p)
		return d.settle(ctx, msg.ID, disp, err)

	case types.LearnTrigger:
		if d.learn == nil {
			return d.store.CompleteMessage(ctx, msg.ID)
		}
		disp, err := d.learn.HandleLearnTrigger(ctx, p)
		return d.settle(ctx, msg.ID, disp, err)

	case types.SessionEvent:
		if p.Event == types.EventSessionEnd {
			if err := d.store.CompleteMessage(ctx, msg.ID); err != nil {
				return err
			}
			return ErrSessionEnded
		}
		log.Debug("ignoring session event", zap.String("event", p.Event))
		return d.store.CompleteMessage(ctx, msg.ID)

	case types.SessionReset:
		if d.onSessionReset == nil {
			return d.store.CompleteMessage(ctx, msg.ID)
		}
		// Complete under the old session first; the handoff fails the
		// rest of the old session's queue.
		if err := d.store.CompleteMessage(ctx, msg.ID); err != nil {
			return err
		}
		if err := d.onSessionReset(ctx, p); err != nil {
			return fmt.Errorf("session reset to %s: %w", p.NewSessionID, err)
		}
		return nil

	case types.CompactorTrigger:
		if d.compact != nil {
			d.compact()
		}
		return d.store.CompleteMessage(ctx, msg.ID)

	case types.CuratorTrigger:
		if d.curate != nil {
			// Off the tick path: a curation pass can take minutes.
			go func() {
				if err := d.curate(context.WithoutCancel(ctx)); err != nil {
					log.Warn("triggered curation failed", zap.Error(err))
				}
			}()
		}
		return d.store.CompleteMessage(ctx, msg.ID)

	case types.UnknownPayload:
		log.Warn("unknown inbox message type",
			zap.Int64("message_id", msg.ID), zap.String("type", string(msg.Type)))
		return d.store.FailMessage(ctx, msg.ID)
	}
	return d.store.CompleteMessage(ctx, msg.ID)
}

// settle maps a learner disposition onto a message status.
func (d *Dispatcher) settle(ctx context.Context, id int64, disp learner.Disposition, err error) error {
	if err != nil {
		log.Warn("learner handling failed", zap.Int64("message_id", id), zap.Error(err))
		return d.store.FailMessage(ctx, id)
	}
	switch disp {
	case learner.Requeue:
		return d.store.RequeueMessage(ctx, id)
	default:
		return d.store.CompleteMessage(ctx, id)
	}
}
