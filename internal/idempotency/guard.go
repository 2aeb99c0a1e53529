// Package idempotency provides at-most-once execution for side-effecting
// operations retried by callers.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentcommerce/checkout-bridge/internal/domain"
	"github.com/agentcommerce/checkout-bridge/internal/kvstore"
)

const keyPrefix = "idempotency:"

const (
	statusPending   = "pending"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

type record struct {
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Guard deduplicates executions keyed by (scope, idempotency key) within a
// configured window. The first caller to win the atomic set-if-absent runs
// the operation; every other caller within the window is a duplicate.
type Guard struct {
	store  kvstore.Store
	window time.Duration
	logger *zap.Logger
}

// NewGuard wires the guard.
func NewGuard(store kvstore.Store, window time.Duration, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.L()
	}
	return &Guard{store: store, window: window, logger: logger}
}

// Run executes fn at most once for (scope, key). When a previous run for
// the same key completed successfully, its stored result is decoded into
// result and returned without re-executing fn. A duplicate whose original
// is still pending, or whose original failed, is a CONFLICT.
func (g *Guard) Run(ctx context.Context, scope, key string, result any, fn func(ctx context.Context) (any, error)) error {
	if key == "" {
		return domain.MissingFields("idempotency key is required", "idempotencyKey")
	}
	storeKey := keyPrefix + scope + ":" + key

	pending, err := json.Marshal(record{Status: statusPending, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode pending record: %w", err)
	}

	won, err := g.store.SetIfAbsent(ctx, storeKey, pending, g.window)
	if err != nil {
		return domain.Unavailable("idempotency store unavailable")
	}
	if !won {
		return g.replay(ctx, storeKey, result)
	}

	value, runErr := fn(ctx)
	if runErr != nil {
		failed, _ := json.Marshal(record{Status: statusFailed, CreatedAt: time.Now().UTC()})
		if err := g.store.SetWithTTL(ctx, storeKey, failed, g.window); err != nil {
			g.logger.Warn("record idempotency failure", zap.String("scope", scope), zap.Error(err))
		}
		return runErr
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode idempotent result: %w", err)
	}
	completed, err := json.Marshal(record{Status: statusCompleted, Result: encoded, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode completed record: %w", err)
	}
	if err := g.store.SetWithTTL(ctx, storeKey, completed, g.window); err != nil {
		g.logger.Warn("record idempotency result", zap.String("scope", scope), zap.Error(err))
	}
	return json.Unmarshal(encoded, result)
}

func (g *Guard) replay(ctx context.Context, storeKey string, result any) error {
	raw, err := g.store.Get(ctx, storeKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			// The original record expired between the lost SetIfAbsent and
			// this read. Treat as an unresolved duplicate.
			return domain.Conflict("duplicate request: original outcome unavailable")
		}
		return domain.Unavailable("idempotency store unavailable")
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode idempotency record: %w", err)
	}
	switch rec.Status {
	case statusCompleted:
		return json.Unmarshal(rec.Result, result)
	case statusPending:
		return domain.Conflict("duplicate request: original still in progress")
	default:
		return domain.Conflict("duplicate request: original attempt failed")
	}
}
