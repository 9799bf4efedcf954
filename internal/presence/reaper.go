package presence

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lukewestby/redboard/internal/board"
	"github.com/lukewestby/redboard/internal/gateway"
	"github.com/lukewestby/redboard/internal/metrics"
)

// BoardLister reports the board ids the process currently has checkpointers
// or sessions for, so the reaper only sweeps boards that are actually live.
type BoardLister func() []string

// Reaper periodically sweeps each active board's session set for sessions
// whose checkin key has expired (§4.7) — abnormal disconnects that never hit
// the presence protocol's own Close cleanup.
type Reaper struct {
	gw       *gateway.Gateway
	interval time.Duration
	boards   BoardLister
	logger   *zap.Logger
}

// NewReaper constructs a Reaper. boards supplies the set of board ids to
// sweep on each tick.
func NewReaper(gw *gateway.Gateway, interval time.Duration, boards BoardLister, logger *zap.Logger) *Reaper {
	return &Reaper{gw: gw, interval: interval, boards: boards, logger: logger}
}

// Run ticks every interval until ctx is canceled, sweeping each active board.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	for _, boardID := range r.boards() {
		if err := r.sweepBoard(ctx, boardID); err != nil {
			r.logger.Warn("session reaper sweep failed", zap.String("board_id", boardID), zap.Error(err))
		}
	}
}

func (r *Reaper) sweepBoard(ctx context.Context, boardID string) error {
	sessions, err := r.gw.BoardSessions(ctx, boardID)
	if err != nil {
		return err
	}
	for _, sessionID := range sessions {
		alive, err := r.gw.CheckinExists(ctx, sessionID)
		if err != nil {
			r.logger.Warn("session reaper: checkin lookup failed", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if alive {
			continue
		}
		if err := r.gw.RemoveBoardSession(ctx, boardID, sessionID); err != nil {
			r.logger.Warn("session reaper: SREM failed", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		payload, _ := json.Marshal(board.UserLeft{Type: board.MsgUserLeft, SessionID: sessionID})
		if err := r.gw.PublishPresence(ctx, boardID, payload); err != nil {
			r.logger.Warn("session reaper: publish UserLeft failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		metrics.ReaperSessionsExpiredTotal.Inc()
		r.logger.Info("reaped expired session", zap.String("board_id", boardID), zap.String("session_id", sessionID))
	}
	return nil
}
