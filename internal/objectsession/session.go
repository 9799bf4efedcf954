// Package objectsession implements the object protocol's per-connection
// state machine (§4.2): snapshot delivery followed by live change streaming,
// transport-agnostic so it can be driven by a WebSocket or tested directly.
package objectsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lukewestby/redboard/internal/board"
	"github.com/lukewestby/redboard/internal/gateway"
	"github.com/lukewestby/redboard/internal/gatewayerr"
)

// State names the object protocol session's position in its state machine.
type State int

const (
	AwaitingClientReady State = iota
	ReadyAcknowledged
	Snapshotting
	Streaming
	Terminal
)

// Config bounds snapshot chunking and stream read/backoff behavior.
type Config struct {
	SnapshotChunkSize int
	ReadBlock         time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	// MaxConsecutiveFailures caps how many transient read failures in a row
	// RunStream will retry before giving up and closing the connection so
	// the client reconnects and replays from a fresh StartSnapshot. Unlike
	// the checkpointer, a session task has a client on the other end that
	// can just reconnect, so it doesn't retry forever.
	MaxConsecutiveFailures int
}

func DefaultConfig() Config {
	return Config{
		SnapshotChunkSize:      1000,
		ReadBlock:              5 * time.Second,
		MinBackoff:             200 * time.Millisecond,
		MaxBackoff:             10 * time.Second,
		MaxConsecutiveFailures: 5,
	}
}

// Outbound is anything Session can send: every server->client payload type
// from internal/board's message vocabulary.
type Outbound interface{}

// Sender delivers one outbound frame to the client. An error aborts the
// session (the socket is assumed dead or the client misbehaved).
type Sender func(Outbound) error

// Store is the subset of the Redis gateway the object protocol session
// needs. Tests exercise it against a hand-written fake rather than
// miniredis: the snapshot path depends on RedisJSON (JSON.OBJKEYS/JSON.GET),
// which miniredis's core-Redis emulation doesn't implement (see
// internal/gateway's own tests and DESIGN.md).
type Store interface {
	Version(ctx context.Context, boardID string) (*string, error)
	ObjectKeys(ctx context.Context, boardID string) ([]string, error)
	ObjectsChunk(ctx context.Context, boardID string, ids []string) ([]board.ObjectEntry, error)
	AppendChange(ctx context.Context, boardID string, entry board.Entry) (string, error)
	ReadChanges(ctx context.Context, boardID, afterID string, block time.Duration) ([]gateway.StreamEntry, error)
}

// Session drives one board connection's object protocol from
// AwaitingClientReady through Streaming. It does not own the socket; the
// caller supplies a Sender and drives it through Acknowledge, RunSnapshot,
// RunStream and ApplyChange. Cursor and Ping messages are handled by the
// presence session, not here.
type Session struct {
	gw      Store
	boardID string
	cfg     Config
	logger  *zap.Logger
	send    Sender

	state  State
	cursor string
}

// New constructs a Session in AwaitingClientReady.
func New(gw Store, boardID string, cfg Config, send Sender, logger *zap.Logger) *Session {
	return &Session{gw: gw, boardID: boardID, cfg: cfg, send: send, logger: logger, state: AwaitingClientReady}
}

func (s *Session) State() State { return s.state }

// ErrProtocolViolation is returned when a message arrives out of order for
// the current state (§7: malformed/out-of-order client messages close the
// connection).
var ErrProtocolViolation = errors.New("object protocol: message not valid in current state")

// Acknowledge transitions AwaitingClientReady -> ReadyAcknowledged and
// replies ServerReady. The presence-protocol bookkeeping for ClientReady is
// the caller's responsibility (it lives in internal/presence).
func (s *Session) Acknowledge() error {
	if s.state != AwaitingClientReady {
		return ErrProtocolViolation
	}
	s.state = ReadyAcknowledged
	return s.send(board.ServerReady{Type: board.MsgServerReady})
}

// RunSnapshot executes §4.2's StartSnapshot transition: capture V0, stream
// SnapshotChunk frames in 1,000-key batches, then SnapshotFinished. On
// completion the session moves to Streaming with cursor = V0 (or "0-0").
func (s *Session) RunSnapshot(ctx context.Context) error {
	if s.state != ReadyAcknowledged {
		return ErrProtocolViolation
	}
	s.state = Snapshotting

	v0, err := s.gw.Version(ctx, s.boardID)
	if err != nil {
		return err
	}

	ids, err := s.gw.ObjectKeys(ctx, s.boardID)
	if err != nil {
		return err
	}

	chunkSize := s.cfg.SnapshotChunkSize
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		entries, err := s.gw.ObjectsChunk(ctx, s.boardID, ids[start:end])
		if err != nil {
			return err
		}
		if err := s.send(board.SnapshotChunk{Type: board.MsgSnapshotChunk, Entries: entries}); err != nil {
			return err
		}
	}

	if err := s.send(board.SnapshotFinished{Type: board.MsgSnapshotFinished, Version: v0}); err != nil {
		return err
	}

	s.cursor = "0-0"
	if v0 != nil {
		s.cursor = *v0
	}
	s.state = Streaming
	return nil
}

// RunStream blocks on the changes stream and forwards every entry as
// ChangeAccepted until ctx is canceled or an unrecoverable error occurs
// (§4.2/§7: read errors during streaming retry with backoff up to a cap;
// once MaxConsecutiveFailures is reached in a row the session gives up and
// closes, so the client reconnects rather than waiting on it forever).
func (s *Session) RunStream(ctx context.Context) error {
	if s.state != Streaming {
		return ErrProtocolViolation
	}

	maxFailures := s.cfg.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}

	backoff := s.cfg.MinBackoff
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := s.gw.ReadChanges(ctx, s.boardID, s.cursor, s.cfg.ReadBlock)
		if err != nil {
			if gatewayerr.IsPermanent(err) {
				return err
			}
			failures++
			if failures >= maxFailures {
				return fmt.Errorf("object protocol: stream read failed %d times in a row, closing: %w", failures, err)
			}
			s.logger.Warn("stream read failed, retrying", zap.Error(err), zap.Int("attempt", failures), zap.Duration("backoff", backoff))
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
			continue
		}
		backoff = s.cfg.MinBackoff
		failures = 0

		for _, e := range entries {
			if err := s.send(board.ChangeAccepted{
				Type:      board.MsgChangeAccepted,
				Change:    e.Entry.Change,
				SessionID: e.Entry.SessionID,
			}); err != nil {
				return err
			}
			s.cursor = e.ID
		}
	}
}

// ApplyChange appends a client-submitted change to the board's stream
// (§4.2's ApplyChange handling). No reply is sent; the origin session
// observes its own change via the stream subscription.
func (s *Session) ApplyChange(ctx context.Context, sessionID string, c board.Change) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	_, err := s.gw.AppendChange(ctx, s.boardID, board.Entry{SessionID: sessionID, Change: c})
	return err
}
