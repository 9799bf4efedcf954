// Package checkpoint implements the per-board checkpointer (§4.3): a
// long-running task that folds the changes stream into the materialized
// objects document, advances the version pointer, and prunes consumed
// entries, all in one MULTI/EXEC per batch.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lukewestby/redboard/internal/board"
	"github.com/lukewestby/redboard/internal/gateway"
	"github.com/lukewestby/redboard/internal/gatewayerr"
	"github.com/lukewestby/redboard/internal/metrics"
)

// Store is the subset of the Redis gateway the checkpointer needs. It exists
// so the fold loop's batching, backoff, and idle-exit logic can be tested
// without a RedisJSON-capable backend: miniredis (used by
// internal/gateway's own tests) implements core Redis but not the JSON
// module, so the JSON.* paths exercised here are covered against a
// hand-written fake Store instead (see checkpoint_test.go, DESIGN.md).
type Store interface {
	Version(ctx context.Context, boardID string) (*string, error)
	ObjectKeys(ctx context.Context, boardID string) ([]string, error)
	RangeChanges(ctx context.Context, boardID, afterID string, count int64) ([]gateway.StreamEntry, error)
	CommitCheckpoint(ctx context.Context, boardID string, mutations []gateway.CheckpointMutation, newVersion string) error
}

// Config bounds the checkpointer's batching and idle-exit behavior (§4.3).
// It is fixed when the registry is constructed; a tunables reload does not
// change it.
type Config struct {
	BatchSize     int
	IdleGrace     time.Duration
	EmptyPollWait time.Duration
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     256,
		IdleGrace:     60 * time.Second,
		EmptyPollWait: 100 * time.Millisecond,
		MinBackoff:    100 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
	}
}

// Checkpointer runs the fold loop for exactly one board.
type Checkpointer struct {
	boardID string
	store   Store
	cfg     Config
	logger  *zap.Logger

	// knownIDs shadows the objects document's key set so the "ignore Update
	// on missing id" rule (§3, §4.3) can be enforced without a JSON round
	// trip per entry; it is seeded once from the store on (re)start.
	knownIDs map[string]struct{}
}

// New constructs a Checkpointer for one board. Run must be called to start
// the fold loop.
func New(boardID string, store Store, cfg Config, logger *zap.Logger) *Checkpointer {
	return &Checkpointer{
		boardID: boardID,
		store:   store,
		cfg:     cfg,
		logger:  logger.With(zap.String("board_id", boardID)),
	}
}

// IdleHook is consulted once per loop iteration when a batch was empty; it
// should report whether the board currently has any attached sessions. The
// board registry supplies this from its refcount (§4.4).
type IdleHook func() bool

// Run drives the fold loop until ctx is canceled or the board has been idle
// (no attached sessions and an empty batch) for cfg.IdleGrace.
func (c *Checkpointer) Run(ctx context.Context, hasAttachedSessions IdleHook) error {
	c.logger.Info("checkpointer started")
	defer c.logger.Info("checkpointer exiting")

	if err := c.seedKnownIDs(ctx); err != nil {
		return err
	}

	var idleSince time.Time
	backoff := c.cfg.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := c.runOnce(ctx)
		if err != nil {
			if gatewayerr.IsPermanent(err) {
				c.logger.Error("permanent gateway error, aborting batch", zap.Error(err))
				return err
			}
			c.logger.Warn("transient checkpoint error, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}
		backoff = c.cfg.MinBackoff

		if n > 0 {
			idleSince = time.Time{}
			continue
		}

		if hasAttachedSessions != nil && hasAttachedSessions() {
			idleSince = time.Time{}
			if !sleep(ctx, c.cfg.EmptyPollWait) {
				return ctx.Err()
			}
			continue
		}

		if idleSince.IsZero() {
			idleSince = time.Now()
		}
		if time.Since(idleSince) >= c.cfg.IdleGrace {
			return nil
		}
		if !sleep(ctx, c.cfg.EmptyPollWait) {
			return ctx.Err()
		}
	}
}

// runOnce performs steps 1-6 of §4.3 once and returns the number of entries folded.
func (c *Checkpointer) runOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.CheckpointDuration.Observe(time.Since(start).Seconds()) }()

	version, err := c.store.Version(ctx, c.boardID)
	if err != nil {
		return 0, err
	}
	cursor := ""
	if version != nil {
		cursor = *version
	}

	entries, err := c.store.RangeChanges(ctx, c.boardID, cursor, int64(c.cfg.BatchSize))
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	mutations := make([]gateway.CheckpointMutation, 0, len(entries))
	for _, e := range entries {
		change := e.Entry.Change
		switch change.Type {
		case board.ChangeInsert:
			mutations = append(mutations, gateway.CheckpointMutation{ObjectID: change.ID, Value: change.Object})
			c.knownIDs[change.ID] = struct{}{}
		case board.ChangeUpdate:
			if _, ok := c.knownIDs[change.ID]; !ok {
				continue // ignore Update on missing id (§3)
			}
			mutations = append(mutations, gateway.CheckpointMutation{ObjectID: change.ID, IsUpdate: true, Key: change.Key, Value: change.Value})
		case board.ChangeDelete:
			if _, ok := c.knownIDs[change.ID]; ok {
				mutations = append(mutations, gateway.CheckpointMutation{ObjectID: change.ID, Delete: true})
				delete(c.knownIDs, change.ID)
			}
		default:
			return 0, gatewayerr.PermanentErr("checkpoint decode", fmt.Errorf("unknown change type: %q", change.Type))
		}
	}

	newVersion := entries[len(entries)-1].ID
	if err := c.store.CommitCheckpoint(ctx, c.boardID, mutations, newVersion); err != nil {
		return 0, err
	}
	metrics.CheckpointBatchSize.Observe(float64(len(entries)))
	c.logger.Debug("checkpoint committed", zap.Int("entries", len(entries)), zap.String("version", newVersion))
	return len(entries), nil
}

func (c *Checkpointer) seedKnownIDs(ctx context.Context) error {
	ids, err := c.store.ObjectKeys(ctx, c.boardID)
	if err != nil {
		return err
	}
	c.knownIDs = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c.knownIDs[id] = struct{}{}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
