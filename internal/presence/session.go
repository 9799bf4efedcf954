package presence

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lukewestby/redboard/internal/board"
	"github.com/lukewestby/redboard/internal/gateway"
)

// Session is the per-connection presence protocol state (§4.6): it mediates
// every SADD/checkin/PUBLISH Redis write for one socket and exposes the
// filtered broadcast stream to forward back to the client.
type Session struct {
	gw        *gateway.Gateway
	fanout    *Fanout
	boardID   string
	sessionID string
	checkinTT time.Duration
	logger    *zap.Logger

	inbound <-chan Message
	cancel  func()
}

// NewSession constructs a presence Session and subscribes it to the fanout.
// Call Close to unsubscribe and perform disconnect cleanup.
func NewSession(gw *gateway.Gateway, fanout *Fanout, boardID, sessionID string, checkinTTL time.Duration, logger *zap.Logger) *Session {
	inbound, cancel := fanout.Subscribe(boardID, sessionID)
	return &Session{
		gw:        gw,
		fanout:    fanout,
		boardID:   boardID,
		sessionID: sessionID,
		checkinTT: checkinTTL,
		logger:    logger,
		inbound:   inbound,
		cancel:    cancel,
	}
}

// Inbound is the stream of presence messages to forward verbatim to the
// client (already filtered to this session's board, excluding its own echoes).
func (s *Session) Inbound() <-chan Message {
	return s.inbound
}

// OnClientReady performs the ClientReady-triggered bookkeeping: joins the
// board's session set, establishes the checkin TTL key, and announces the
// join to every other session on the board.
func (s *Session) OnClientReady(ctx context.Context, username string) error {
	if err := s.gw.AddBoardSession(ctx, s.boardID, s.sessionID); err != nil {
		return err
	}
	if err := s.gw.Checkin(ctx, s.sessionID, s.checkinTT); err != nil {
		return err
	}
	return s.publish(ctx, board.UserJoined{Type: board.MsgUserJoined, SessionID: s.sessionID, Username: username})
}

// Refresh re-sets the checkin TTL key; called on every inbound Ping or other
// client activity (§4.6).
func (s *Session) Refresh(ctx context.Context) error {
	return s.gw.Checkin(ctx, s.sessionID, s.checkinTT)
}

// OnCursorChanged publishes a cursor-position update.
func (s *Session) OnCursorChanged(ctx context.Context, x, y float64) error {
	return s.publish(ctx, board.UserCursorChanged{Type: board.MsgUserCursorChanged, SessionID: s.sessionID, X: x, Y: y})
}

// OnCursorLeft publishes a cursor-departed update.
func (s *Session) OnCursorLeft(ctx context.Context) error {
	return s.publish(ctx, board.UserCursorLeft{Type: board.MsgUserCursorLeftType, SessionID: s.sessionID})
}

// Close performs disconnect cleanup: leaves the board's session set and
// announces departure. This is best-effort (§4.6) — errors are logged, not
// returned, so a Redis hiccup on disconnect never blocks connection teardown.
func (s *Session) Close(ctx context.Context) {
	s.cancel()

	if err := s.gw.RemoveBoardSession(ctx, s.boardID, s.sessionID); err != nil {
		s.logger.Warn("presence disconnect: SREM failed", zap.Error(err), zap.String("session_id", s.sessionID))
	}
	if err := s.publish(ctx, board.UserLeft{Type: board.MsgUserLeft, SessionID: s.sessionID}); err != nil {
		s.logger.Warn("presence disconnect: publish UserLeft failed", zap.Error(err), zap.String("session_id", s.sessionID))
	}
}

func (s *Session) publish(ctx context.Context, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.gw.PublishPresence(ctx, s.boardID, payload)
}
