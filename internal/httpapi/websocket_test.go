package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lukewestby/redboard/internal/board"
	"github.com/lukewestby/redboard/internal/checkpoint"
	"github.com/lukewestby/redboard/internal/circuitbreaker"
	"github.com/lukewestby/redboard/internal/gateway"
	"github.com/lukewestby/redboard/internal/objectsession"
	"github.com/lukewestby/redboard/internal/presence"
	"github.com/lukewestby/redboard/internal/registry"
)

func newTestServer(t *testing.T) (*httptest.Server, *gateway.Gateway) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zaptest.NewLogger(t)
	rw := circuitbreaker.NewRedisWrapper(client, logger)
	gw := gateway.New(rw, logger)

	cpCfg := checkpoint.DefaultConfig()
	cpCfg.IdleGrace = time.Minute
	reg := registry.New(gw, cpCfg, logger)

	fanout := presence.NewFanout(gw, 16, logger)
	go func() { _ = fanout.Run(t.Context()) }()
	time.Sleep(30 * time.Millisecond)

	sup := NewSupervisor(gw, reg, fanout, objectsession.DefaultConfig(), 30*time.Second, logger)
	mux := http.NewServeMux()
	sup.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, gw
}

func dial(t *testing.T, srv *httptest.Server, boardID, sessionID string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/board/" + boardID
	u.RawQuery = url.Values{"session_id": {sessionID}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readTyped(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := board.DecodeEnvelope(data)
	require.NoError(t, err)
	return env.Type, data
}

func TestSupervisor_MissingSessionIDRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/board/b1"

	_, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSupervisor_FullHandshakeSnapshotAndStream(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "b1", "s1")

	require.NoError(t, conn.WriteJSON(board.ClientReady{Type: board.MsgClientReady, Username: "alice"}))
	typ, _ := readTyped(t, conn)
	require.Equal(t, board.MsgServerReady, typ)

	require.NoError(t, conn.WriteJSON(board.StartSnapshot{Type: board.MsgStartSnapshot}))
	typ, data := readTyped(t, conn)
	require.Equal(t, board.MsgSnapshotFinished, typ)
	var finished board.SnapshotFinished
	require.NoError(t, json.Unmarshal(data, &finished))
	assert.Nil(t, finished.Version)

	change := board.NewInsert("o1", json.RawMessage(`{"x":1}`))
	require.NoError(t, conn.WriteJSON(board.ApplyChange{Type: board.MsgApplyChange, Change: change}))

	typ, data = readTyped(t, conn)
	require.Equal(t, board.MsgChangeAccepted, typ)
	var accepted board.ChangeAccepted
	require.NoError(t, json.Unmarshal(data, &accepted))
	assert.Equal(t, "s1", accepted.SessionID)
	assert.Equal(t, "o1", accepted.Change.ID)
}

func TestSupervisor_SecondSessionObservesUserJoinedAndCursor(t *testing.T) {
	srv, _ := newTestServer(t)
	conn1 := dial(t, srv, "b1", "s1")
	require.NoError(t, conn1.WriteJSON(board.ClientReady{Type: board.MsgClientReady, Username: "alice"}))
	_, _ = readTyped(t, conn1) // ServerReady

	conn2 := dial(t, srv, "b1", "s2")
	require.NoError(t, conn2.WriteJSON(board.ClientReady{Type: board.MsgClientReady, Username: "bob"}))
	_, _ = readTyped(t, conn2) // ServerReady

	// conn1 should observe bob's join via presence fanout.
	typ, data := readTyped(t, conn1)
	require.Equal(t, board.MsgUserJoined, typ)
	assert.True(t, strings.Contains(string(data), `"bob"`))

	require.NoError(t, conn2.WriteJSON(board.CursorChanged{Type: board.MsgCursorChanged, X: 1, Y: 2}))
	typ, _ = readTyped(t, conn1)
	assert.Equal(t, board.MsgUserCursorChanged, typ)
}

func TestSupervisor_MalformedFrameClosesConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "b1", "s1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"no_type_field":true}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server should close the connection on a malformed frame")
}
