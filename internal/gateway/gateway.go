// Package gateway is the thin typed Redis surface described in §4.1: JSON
// document ops, stream reads/writes, session sets and TTL keys, and
// presence pub/sub, translated into gatewayerr.Error on failure. Single
// round-trips go through a circuit breaker; the checkpoint transaction and
// the presence subscription bypass it. Nothing above this package talks to
// go-redis directly.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lukewestby/redboard/internal/board"
	"github.com/lukewestby/redboard/internal/circuitbreaker"
	"github.com/lukewestby/redboard/internal/gatewayerr"
	"github.com/lukewestby/redboard/internal/metrics"
)

// observe times one gateway operation, records it under its op label, and
// tags the call with a correlation id so a slow or failing round-trip can be
// traced through logs without the caller threading an id of its own through
// every method signature.
func (g *Gateway) observe(op string) func() {
	reqID := uuid.NewString()
	start := time.Now()
	g.logger.Debug("gateway call started", zap.String("op", op), zap.String("request_id", reqID))
	return func() {
		d := time.Since(start)
		metrics.GatewayRequestDuration.WithLabelValues(op).Observe(d.Seconds())
		g.logger.Debug("gateway call finished", zap.String("op", op), zap.String("request_id", reqID), zap.Duration("duration", d))
	}
}

// Gateway is the typed command surface over Redis. It owns no board-specific
// state; every call takes a board or session id and touches exactly the
// keys named in §3.
type Gateway struct {
	rw     *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

// New constructs a Gateway over an existing circuit-broken Redis client.
func New(rw *circuitbreaker.RedisWrapper, logger *zap.Logger) *Gateway {
	return &Gateway{rw: rw, logger: logger}
}

// Client exposes the underlying client for components (health checker,
// presence fanout's PSUBSCRIBE) that need direct access the wrapper doesn't
// cover.
func (g *Gateway) Client() redis.UniversalClient { return g.rw.GetClient() }

// isPermanentRedisErr reports whether err is a reply Redis will give on
// every retry no matter how many times the call is repeated: the key holds
// a value of the wrong type, or the command itself was malformed. Retrying
// these only burns the checkpointer's backoff budget for no benefit.
func isPermanentRedisErr(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "WRONGTYPE") ||
		strings.HasPrefix(msg, "ERR wrong number of arguments") ||
		strings.Contains(msg, "unknown command")
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return gatewayerr.TransientErr(op, err)
	}
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if isPermanentRedisErr(err) {
		return gatewayerr.PermanentErr(op, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gatewayerr.TransientErr(op, err)
	}
	return gatewayerr.TransientErr(op, err)
}

// --- Board objects (RedisJSON) ---

// ObjectKeys returns the top-level key set of the board's objects document.
// An absent document (board never written) returns an empty slice, not an error.
func (g *Gateway) ObjectKeys(ctx context.Context, boardID string) ([]string, error) {
	defer g.observe("ObjectKeys")()
	cmd := g.rw.Do(ctx, "JSON.OBJKEYS", objectsKey(boardID), "$")
	if cmd.Err() != nil {
		if errors.Is(cmd.Err(), redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr("JSON.OBJKEYS", cmd.Err())
	}
	// JSON.OBJKEYS with a $ path returns [[keys...]] (one entry per matched path).
	raw, err := cmd.Slice()
	if err != nil || len(raw) == 0 {
		return nil, nil
	}
	inner, ok := raw[0].([]interface{})
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(inner))
	for _, k := range inner {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

// ObjectsChunk fetches a set of objects in a single JSON.GET round-trip,
// keyed by id. Missing board document or missing keys simply yield no entries.
func (g *Gateway) ObjectsChunk(ctx context.Context, boardID string, ids []string) ([]board.ObjectEntry, error) {
	defer g.observe("ObjectsChunk")()
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, "JSON.GET", objectsKey(boardID))
	for _, id := range ids {
		args = append(args, fmt.Sprintf("$.%s", id))
	}
	cmd := g.rw.Do(ctx, args...)
	if cmd.Err() != nil {
		if errors.Is(cmd.Err(), redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr("JSON.GET", cmd.Err())
	}
	raw, err := cmd.Text()
	if err != nil {
		return nil, gatewayerr.PermanentErr("JSON.GET decode", err)
	}
	// Multi-path JSON.GET returns {"$.id1": [obj1], "$.id2": [obj2], ...}
	var decoded map[string][]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, gatewayerr.PermanentErr("JSON.GET unmarshal", err)
	}
	entries := make([]board.ObjectEntry, 0, len(ids))
	for _, id := range ids {
		vals, ok := decoded[fmt.Sprintf("$.%s", id)]
		if !ok || len(vals) == 0 {
			continue
		}
		entries = append(entries, board.ObjectEntry{ID: id, Object: vals[0]})
	}
	return entries, nil
}

// --- Version pointer ---

// Version returns the current checkpointed version for a board, or nil if
// the board has never been checkpointed.
func (g *Gateway) Version(ctx context.Context, boardID string) (*string, error) {
	defer g.observe("Version")()
	cmd := g.rw.Get(ctx, versionKey(boardID))
	if cmd.Err() != nil {
		if errors.Is(cmd.Err(), redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr("GET version", cmd.Err())
	}
	v := cmd.Val()
	return &v, nil
}

// --- Changes stream ---

// AppendChange appends one entry to the board's changes stream and returns
// its assigned stream id.
func (g *Gateway) AppendChange(ctx context.Context, boardID string, entry board.Entry) (string, error) {
	defer g.observe("AppendChange")()
	payload, err := json.Marshal(entry.Change)
	if err != nil {
		return "", gatewayerr.PermanentErr("marshal change", err)
	}
	cmd := g.rw.XAdd(ctx, &redis.XAddArgs{
		Stream: changesKey(boardID),
		Values: map[string]interface{}{
			"session_id": entry.SessionID,
			"change":     string(payload),
		},
	})
	if cmd.Err() != nil {
		return "", wrapErr("XADD", cmd.Err())
	}
	metrics.ChangesAppliedTotal.WithLabelValues(boardID).Inc()
	return cmd.Val(), nil
}

// StreamEntry is one decoded changes-stream record plus its assigned id.
type StreamEntry struct {
	ID    string
	Entry board.Entry
}

func decodeXMessage(msg redis.XMessage) (StreamEntry, error) {
	sessionID, _ := msg.Values["session_id"].(string)
	changeRaw, _ := msg.Values["change"].(string)
	var c board.Change
	if err := json.Unmarshal([]byte(changeRaw), &c); err != nil {
		return StreamEntry{}, gatewayerr.PermanentErr("decode change", err)
	}
	return StreamEntry{ID: msg.ID, Entry: board.Entry{SessionID: sessionID, Change: c}}, nil
}

// RangeChanges returns up to count entries strictly after afterID (exclusive
// start), used by the checkpointer's batch fold.
func (g *Gateway) RangeChanges(ctx context.Context, boardID, afterID string, count int64) ([]StreamEntry, error) {
	defer g.observe("RangeChanges")()
	cmd := g.rw.XRangeN(ctx, changesKey(boardID), exclusiveStart(afterID), "+", count)
	if cmd.Err() != nil {
		if errors.Is(cmd.Err(), redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr("XRANGE", cmd.Err())
	}
	return decodeMessages(cmd.Val())
}

// ReadChanges blocks (up to block duration) waiting for entries after
// afterID, used by the object protocol session's Streaming state (§4.2).
func (g *Gateway) ReadChanges(ctx context.Context, boardID, afterID string, block time.Duration) ([]StreamEntry, error) {
	defer g.observe("ReadChanges")()
	cmd := g.rw.XRead(ctx, &redis.XReadArgs{
		Streams: []string{changesKey(boardID), afterID},
		Block:   block,
	})
	if cmd.Err() != nil {
		if errors.Is(cmd.Err(), redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr("XREAD", cmd.Err())
	}
	streams := cmd.Val()
	if len(streams) == 0 {
		return nil, nil
	}
	return decodeMessages(streams[0].Messages)
}

func decodeMessages(msgs []redis.XMessage) ([]StreamEntry, error) {
	out := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		e, err := decodeXMessage(m)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func exclusiveStart(id string) string {
	if id == "" {
		return "-"
	}
	return "(" + id
}

// CheckpointMutation is one materialized-document write the checkpointer
// applies as part of a single MULTI/EXEC (§4.3 step 5).
type CheckpointMutation struct {
	ObjectID string
	Delete   bool
	Key      string          // set for Update only
	Value    json.RawMessage // Insert: whole object; Update: single property
	IsUpdate bool
}

// CommitCheckpoint atomically applies mutations, advances the version
// pointer to newVersion, and trims the stream up to (and including)
// newVersion via XTRIM MINID, all in one transactional pipeline.
func (g *Gateway) CommitCheckpoint(ctx context.Context, boardID string, mutations []CheckpointMutation, newVersion string) error {
	defer g.observe("CommitCheckpoint")()
	_, err := g.rw.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := objectsKey(boardID)
		for _, m := range mutations {
			switch {
			case m.Delete:
				pipe.Do(ctx, "JSON.DEL", key, "$."+m.ObjectID)
			case m.IsUpdate:
				pipe.Do(ctx, "JSON.SET", key, fmt.Sprintf("$.%s.%s", m.ObjectID, m.Key), string(m.Value))
			default:
				pipe.Do(ctx, "JSON.SET", key, "$."+m.ObjectID, string(m.Value))
			}
		}
		pipe.Set(ctx, versionKey(boardID), newVersion, 0)
		// XTRIM MINID keeps ids >= its threshold, so trim at the id just past
		// newVersion to drop the newVersion entry as well.
		minID := newVersion
		if ms, seq, ok := strings.Cut(newVersion, "-"); ok {
			if n, err := strconv.ParseUint(seq, 10, 64); err == nil {
				minID = ms + "-" + strconv.FormatUint(n+1, 10)
			}
		}
		pipe.XTrimMinID(ctx, changesKey(boardID), minID)
		return nil
	})
	if err != nil {
		return wrapErr("checkpoint commit", err)
	}
	return nil
}

// --- Sessions and presence ---

// Checkin refreshes (creating if absent) a session's liveness key with the
// given TTL (§4.6, §4.7).
func (g *Gateway) Checkin(ctx context.Context, sessionID string, ttl time.Duration) error {
	defer g.observe("Checkin")()
	cmd := g.rw.Set(ctx, checkinKey(sessionID), "1", ttl)
	return wrapErr("SET checkin", cmd.Err())
}

// CheckinExists reports whether a session is still considered live.
func (g *Gateway) CheckinExists(ctx context.Context, sessionID string) (bool, error) {
	cmd := g.rw.Exists(ctx, checkinKey(sessionID))
	if cmd.Err() != nil {
		return false, wrapErr("EXISTS checkin", cmd.Err())
	}
	return cmd.Val() > 0, nil
}

// AddBoardSession adds sessionID to the board's session set (idempotent).
func (g *Gateway) AddBoardSession(ctx context.Context, boardID, sessionID string) error {
	defer g.observe("AddBoardSession")()
	cmd := g.rw.SAdd(ctx, sessionsKey(boardID), sessionID)
	return wrapErr("SADD sessions", cmd.Err())
}

// RemoveBoardSession removes sessionID from the board's session set.
func (g *Gateway) RemoveBoardSession(ctx context.Context, boardID, sessionID string) error {
	defer g.observe("RemoveBoardSession")()
	cmd := g.rw.SRem(ctx, sessionsKey(boardID), sessionID)
	return wrapErr("SREM sessions", cmd.Err())
}

// BoardSessions lists the session ids currently believed attached to a board.
func (g *Gateway) BoardSessions(ctx context.Context, boardID string) ([]string, error) {
	defer g.observe("BoardSessions")()
	cmd := g.rw.SMembers(ctx, sessionsKey(boardID))
	if cmd.Err() != nil {
		return nil, wrapErr("SMEMBERS sessions", cmd.Err())
	}
	return cmd.Val(), nil
}

// PublishPresence publishes a presence message (already JSON-encoded) on a
// board's presence channel.
func (g *Gateway) PublishPresence(ctx context.Context, boardID string, payload []byte) error {
	defer g.observe("PublishPresence")()
	cmd := g.rw.Publish(ctx, presenceChannel(boardID), payload)
	return wrapErr("PUBLISH presence", cmd.Err())
}

// PSubscribePresence subscribes to presence channels across every board; the
// presence fanout (§4.5) is the sole caller. This bypasses the circuit
// breaker wrapper since a long-lived subscription isn't a single round-trip.
func (g *Gateway) PSubscribePresence(ctx context.Context) *redis.PubSub {
	return g.rw.GetClient().PSubscribe(ctx, PresencePattern)
}

// Ping checks basic Redis reachability, used by the health checker.
func (g *Gateway) Ping(ctx context.Context) error {
	return wrapErr("PING", g.rw.Ping(ctx).Err())
}

// CircuitOpen reports whether the underlying circuit breaker is currently open.
func (g *Gateway) CircuitOpen() bool {
	return g.rw.IsCircuitBreakerOpen()
}
