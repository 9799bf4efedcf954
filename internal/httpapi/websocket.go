// Package httpapi is the WebSocket connection supervisor (§4.8): it
// terminates the upgrade, validates the session id, and spawns the object
// and presence task pair that implement the rest of the protocol.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lukewestby/redboard/internal/board"
	"github.com/lukewestby/redboard/internal/gateway"
	"github.com/lukewestby/redboard/internal/metrics"
	"github.com/lukewestby/redboard/internal/objectsession"
	"github.com/lukewestby/redboard/internal/presence"
	"github.com/lukewestby/redboard/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

const (
	readLimit    = 1 << 20 // 1 MiB; object documents can be sizable
	pingInterval = 20 * time.Second
	pongWait     = 60 * time.Second
)

// Supervisor accepts WebSocket upgrades at /board/{board_id} and drives the
// per-connection task pair. It holds no per-connection state itself.
type Supervisor struct {
	gw         *gateway.Gateway
	registry   *registry.CheckpointerRegistry
	fanout     *presence.Fanout
	sessionCfg objectsession.Config
	checkinTTL time.Duration
	logger     *zap.Logger
}

// NewSupervisor constructs a Supervisor.
func NewSupervisor(gw *gateway.Gateway, reg *registry.CheckpointerRegistry, fanout *presence.Fanout, sessionCfg objectsession.Config, checkinTTL time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{gw: gw, registry: reg, fanout: fanout, sessionCfg: sessionCfg, checkinTTL: checkinTTL, logger: logger}
}

// RegisterRoutes mounts the board WebSocket endpoint on mux.
func (s *Supervisor) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/board/{board_id}", s.handleConnect)
}

func (s *Supervisor) handleConnect(w http.ResponseWriter, r *http.Request) {
	boardID := r.PathValue("board_id")
	if boardID == "" {
		http.Error(w, "board_id required", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if !sessionIDPattern.MatchString(sessionID) {
		http.Error(w, "session_id missing or malformed", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	release, err := s.registry.Attach(r.Context(), boardID)
	if err != nil {
		s.logger.Error("board registry attach failed", zap.String("board_id", boardID), zap.Error(err))
		_ = conn.Close()
		return
	}
	defer release()

	s.serve(conn, boardID, sessionID)
}

// serve owns one connection end-to-end: it wires the object and presence
// sessions, pumps inbound frames, and tears everything down on disconnect.
func (s *Supervisor) serve(conn *websocket.Conn, boardID, sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer conn.Close()

	metrics.WebSocketConnectionsActive.Inc()
	defer metrics.WebSocketConnectionsActive.Dec()

	var writeMu sync.Mutex
	send := func(v objectsession.Outbound) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	obj := objectsession.New(s.gw, boardID, s.sessionCfg, send, s.logger)
	pres := presence.NewSession(s.gw, s.fanout, boardID, sessionID, s.checkinTTL, s.logger)
	defer pres.Close(context.Background())

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var wg sync.WaitGroup

	// Presence fanout forwarding: relay filtered broadcast messages verbatim.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pres.Inbound():
				if !ok {
					return
				}
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := conn.WriteMessage(websocket.TextMessage, msg.Payload)
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Heartbeat.
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Object protocol stream pump, started once StartSnapshot is received.
	var streamOnce sync.Once

	s.readLoop(ctx, conn, obj, pres, sessionID, &wg, &streamOnce)

	cancel()
	wg.Wait()
}

func (s *Supervisor) readLoop(
	ctx context.Context,
	conn *websocket.Conn,
	obj *objectsession.Session,
	pres *presence.Session,
	sessionID string,
	wg *sync.WaitGroup,
	streamOnce *sync.Once,
) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := board.DecodeEnvelope(data)
		if err != nil {
			s.logger.Warn("malformed client frame, closing", zap.Error(err))
			return
		}

		if err := s.dispatch(ctx, data, env, obj, pres, sessionID, wg, streamOnce); err != nil {
			s.logger.Warn("client message handling failed, closing", zap.String("type", env.Type), zap.Error(err))
			return
		}

		// Ping refreshes the checkin key in dispatch and ClientReady creates
		// it; any other client message counts as activity and refreshes it too.
		if env.Type != board.MsgPing && env.Type != board.MsgClientReady {
			if err := pres.Refresh(ctx); err != nil {
				s.logger.Warn("checkin refresh failed, closing", zap.String("type", env.Type), zap.Error(err))
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Supervisor) dispatch(
	ctx context.Context,
	data []byte,
	env board.Envelope,
	obj *objectsession.Session,
	pres *presence.Session,
	sessionID string,
	wg *sync.WaitGroup,
	streamOnce *sync.Once,
) error {
	switch env.Type {
	case board.MsgClientReady:
		var m board.ClientReady
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if err := pres.OnClientReady(ctx, m.Username); err != nil {
			return err
		}
		return obj.Acknowledge()

	case board.MsgStartSnapshot:
		if err := obj.RunSnapshot(ctx); err != nil {
			return err
		}
		streamOnce.Do(func() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = obj.RunStream(ctx)
			}()
		})
		return nil

	case board.MsgApplyChange:
		var m board.ApplyChange
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		return obj.ApplyChange(ctx, sessionID, m.Change)

	case board.MsgCursorChanged:
		var m board.CursorChanged
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		return pres.OnCursorChanged(ctx, m.X, m.Y)

	case board.MsgCursorLeft:
		return pres.OnCursorLeft(ctx)

	case board.MsgPing:
		return pres.Refresh(ctx)

	default:
		return nil
	}
}
