// Package presence implements the presence protocol (§4.5-§4.7): a single
// cross-board fanout task that relays PSUBSCRIBE traffic to per-session
// subscribers, the per-connection presence protocol session, and the
// session reaper that cleans up abnormally terminated sockets.
package presence

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/lukewestby/redboard/internal/gateway"
	"github.com/lukewestby/redboard/internal/metrics"
)

// Message is one presence event delivered to a subscriber: the board and
// originating session it belongs to, plus the already-encoded payload to
// forward verbatim to the client.
type Message struct {
	BoardID   string
	SessionID string
	Payload   []byte
}

type subscriber struct {
	boardID   string
	sessionID string
	ch        chan Message
}

// Fanout runs the single process-wide PSUBSCRIBE task (§4.5) and replicates
// each presence message to every subscribed session, excluding the
// originating session and boards the subscriber isn't watching. Each
// subscriber has its own capacity-bounded channel so a slow reader can only
// ever drop its own backlog (oldest first), never another session's.
type Fanout struct {
	gw       *gateway.Gateway
	logger   *zap.Logger
	capacity int

	mu   sync.Mutex
	subs map[int64]*subscriber
	next int64
}

// NewFanout constructs a Fanout. capacity bounds each subscriber's buffer
// (§4.5 names 1,000 as the process-wide channel capacity; here it is applied
// per-subscriber so one busy session can't starve another).
func NewFanout(gw *gateway.Gateway, capacity int, logger *zap.Logger) *Fanout {
	return &Fanout{
		gw:       gw,
		logger:   logger,
		capacity: capacity,
		subs:     make(map[int64]*subscriber),
	}
}

// Subscribe registers a new listener for boardID's presence traffic,
// excluding messages originating from sessionID itself. The returned cancel
// func must be called to release the subscription.
func (f *Fanout) Subscribe(boardID, sessionID string) (<-chan Message, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.next
	f.next++
	sub := &subscriber{boardID: boardID, sessionID: sessionID, ch: make(chan Message, f.capacity)}
	f.subs[id] = sub
	metrics.PresenceBroadcastQueueDepth.Set(float64(len(f.subs)))

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if s, ok := f.subs[id]; ok {
			close(s.ch)
			delete(f.subs, id)
			metrics.PresenceBroadcastQueueDepth.Set(float64(len(f.subs)))
		}
	}
	return sub.ch, cancel
}

// Run drives the PSUBSCRIBE read loop until ctx is canceled.
func (f *Fanout) Run(ctx context.Context) error {
	ps := f.gw.PSubscribePresence(ctx)
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			boardID, ok := gateway.BoardIDFromPresenceChannel(msg.Channel)
			if !ok {
				continue
			}
			sessionID := extractSessionID(msg.Payload)
			f.deliver(Message{BoardID: boardID, SessionID: sessionID, Payload: []byte(msg.Payload)})
		}
	}
}

func (f *Fanout) deliver(m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs {
		if sub.boardID != m.BoardID || sub.sessionID == m.SessionID {
			continue
		}
		select {
		case sub.ch <- m:
		default:
			// Drop-oldest overflow (§4.5): presence is best-effort.
			select {
			case <-sub.ch:
				metrics.PresenceBroadcastDroppedTotal.Inc()
			default:
			}
			select {
			case sub.ch <- m:
			default:
				metrics.PresenceBroadcastDroppedTotal.Inc()
				f.logger.Warn("presence subscriber still full after drop-oldest, message dropped",
					zap.String("board_id", m.BoardID), zap.String("session_id", sub.sessionID))
			}
		}
	}
}

func extractSessionID(payload string) string {
	var e struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return ""
	}
	return e.SessionID
}
