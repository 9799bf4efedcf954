package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lukewestby/redboard/internal/circuitbreaker"
	"github.com/lukewestby/redboard/internal/gateway"
)

func newSessionFixture(t *testing.T) (*gateway.Gateway, *Fanout) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rw := circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t))
	gw := gateway.New(rw, zaptest.NewLogger(t))
	return gw, NewFanout(gw, 8, zaptest.NewLogger(t))
}

func TestSession_ClientReadyJoinsBoardAndChecksIn(t *testing.T) {
	gw, fanout := newSessionFixture(t)
	ctx := context.Background()

	sess := NewSession(gw, fanout, "b1", "s1", 30*time.Second, zaptest.NewLogger(t))
	defer sess.Close(ctx)

	require.NoError(t, sess.OnClientReady(ctx, "alice"))

	members, err := gw.BoardSessions(ctx, "b1")
	require.NoError(t, err)
	assert.Contains(t, members, "s1")

	exists, err := gw.CheckinExists(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSession_CloseRemovesFromBoardSessionSet(t *testing.T) {
	gw, fanout := newSessionFixture(t)
	ctx := context.Background()

	sess := NewSession(gw, fanout, "b1", "s1", 30*time.Second, zaptest.NewLogger(t))
	require.NoError(t, sess.OnClientReady(ctx, "alice"))

	sess.Close(ctx)

	members, err := gw.BoardSessions(ctx, "b1")
	require.NoError(t, err)
	assert.NotContains(t, members, "s1")
}

func TestSession_ReceivesPeerPresenceButNotOwnEcho(t *testing.T) {
	gw, fanout := newSessionFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = fanout.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	s1 := NewSession(gw, fanout, "b1", "s1", 30*time.Second, zaptest.NewLogger(t))
	defer s1.Close(ctx)
	s2 := NewSession(gw, fanout, "b1", "s2", 30*time.Second, zaptest.NewLogger(t))
	defer s2.Close(ctx)

	require.NoError(t, s1.OnCursorChanged(ctx, 1, 2))

	select {
	case msg := <-s2.Inbound():
		assert.Equal(t, "s1", msg.SessionID)
	case <-time.After(time.Second):
		t.Fatal("s2 should observe s1's cursor change")
	}

	select {
	case <-s1.Inbound():
		t.Fatal("s1 should not observe its own cursor change")
	case <-time.After(150 * time.Millisecond):
	}
}
