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
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ThrottleError marks a request the provider rejected for rate limiting
// (HTTP 429) or transient overload (HTTP 529). The Limiter retries these
// with exponential backoff; everything else fails immediately.
type ThrottleError struct {
	Status int
	Body   string
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("API throttled (status %d): %s", e.Status, e.Body)
}

// LimiterConfig configures request pacing for an HTTP backend.
type LimiterConfig struct {
	// MinDelay is the minimum spacing between consecutive requests.
	MinDelay time.Duration
	// MaxRetries is the number of retries after a throttled request.
	MaxRetries int
	// RetryBackoff is the initial backoff, doubled on each retry.
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

// DefaultLimiterConfig returns conservative pacing. The orchestrator runs
// agents one at a time, so a small spacing is enough to stay under the
// per-minute request limits.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MinDelay:     300 * time.Millisecond,
		MaxRetries:   5,
		RetryBackoff: time.Second,
		Logger:       zap.NewNop(),
	}
}

// Limiter spaces outgoing requests and retries throttled ones.
type Limiter struct {
	cfg LimiterConfig

	mu   sync.Mutex
	last time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Limiter{cfg: cfg}
}

// Do runs call, waiting out the minimum spacing first and retrying with
// exponential backoff when the call returns a ThrottleError.
func (l *Limiter) Do(ctx context.Context, call func(context.Context) error) error {
	backoff := l.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		if err := l.pace(ctx); err != nil {
			return err
		}

		err := call(ctx)
		var throttled *ThrottleError
		if err == nil || !errors.As(err, &throttled) {
			return err
		}
		if attempt >= l.cfg.MaxRetries {
			return fmt.Errorf("request throttled after %d retries: %w", l.cfg.MaxRetries, err)
		}

		l.cfg.Logger.Warn("request throttled, backing off",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", l.cfg.MaxRetries),
			zap.Duration("backoff", backoff),
			zap.Int("status", throttled.Status),
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pace blocks until MinDelay has elapsed since the previous request.
func (l *Limiter) pace(ctx context.Context) error {
	l.mu.Lock()
	wait := l.cfg.MinDelay - time.Since(l.last)
	if wait <= 0 {
		l.last = time.Now()
		l.mu.Unlock()
		return nil
	}
	// Reserve the slot before sleeping so concurrent callers space out.
	l.last = time.Now().Add(wait)
	l.mu.Unlock()

	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
