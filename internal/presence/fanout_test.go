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

func newTestFanout(t *testing.T) (*Fanout, *gateway.Gateway) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rw := circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t))
	gw := gateway.New(rw, zaptest.NewLogger(t))
	return NewFanout(gw, 4, zaptest.NewLogger(t)), gw
}

func TestFanout_DeliversToMatchingBoardExcludingOwnSession(t *testing.T) {
	f, gw := newTestFanout(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = f.Run(ctx) }()
	time.Sleep(50 * time.Millisecond) // let PSUBSCRIBE register

	chS2, cancelS2 := f.Subscribe("b1", "s2")
	defer cancelS2()
	chOtherBoard, cancelOther := f.Subscribe("b2", "s3")
	defer cancelOther()

	require.NoError(t, gw.PublishPresence(ctx, "b1", []byte(`{"type":"UserJoined","session_id":"s1"}`)))

	select {
	case msg := <-chS2:
		assert.Equal(t, "b1", msg.BoardID)
		assert.Equal(t, "s1", msg.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected message on chS2")
	}

	select {
	case <-chOtherBoard:
		t.Fatal("board b2 subscriber should not receive board b1 traffic")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFanout_ExcludesOriginatingSession(t *testing.T) {
	f, gw := newTestFanout(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = f.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	own, cancelOwn := f.Subscribe("b1", "s1")
	defer cancelOwn()

	require.NoError(t, gw.PublishPresence(ctx, "b1", []byte(`{"type":"UserCursorChanged","session_id":"s1"}`)))

	select {
	case <-own:
		t.Fatal("session should not receive its own echoed presence message")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestFanout_DropsOldestOnOverflow(t *testing.T) {
	f := NewFanout(nil, 2, zaptest.NewLogger(t))
	ch, cancel := f.Subscribe("b1", "s2")
	defer cancel()

	f.deliver(Message{BoardID: "b1", SessionID: "s1", Payload: []byte(`1`)})
	f.deliver(Message{BoardID: "b1", SessionID: "s1", Payload: []byte(`2`)})
	f.deliver(Message{BoardID: "b1", SessionID: "s1", Payload: []byte(`3`)})

	first := <-ch
	assert.Equal(t, `2`, string(first.Payload), "oldest message (1) should have been dropped")
	second := <-ch
	assert.Equal(t, `3`, string(second.Payload))
}
