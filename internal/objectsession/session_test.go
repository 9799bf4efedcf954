package objectsession

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lukewestby/redboard/internal/board"
	"github.com/lukewestby/redboard/internal/gateway"
)

// fakeStore stands in for the RedisJSON-backed gateway; see the Store
// doc comment for why this package doesn't test against miniredis directly.
type fakeStore struct {
	mu      sync.Mutex
	version *string
	objects map[string]json.RawMessage
	changes []gateway.StreamEntry
	nextID  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]json.RawMessage)}
}

func (f *fakeStore) Version(ctx context.Context, boardID string) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, nil
}

func (f *fakeStore) ObjectKeys(ctx context.Context, boardID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.objects))
	for id := range f.objects {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) ObjectsChunk(ctx context.Context, boardID string, ids []string) ([]board.ObjectEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]board.ObjectEntry, 0, len(ids))
	for _, id := range ids {
		if obj, ok := f.objects[id]; ok {
			out = append(out, board.ObjectEntry{ID: id, Object: obj})
		}
	}
	return out, nil
}

func (f *fakeStore) AppendChange(ctx context.Context, boardID string, entry board.Entry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := entryID(f.nextID)
	f.changes = append(f.changes, gateway.StreamEntry{ID: id, Entry: entry})
	return id, nil
}

func (f *fakeStore) ReadChanges(ctx context.Context, boardID, afterID string, block time.Duration) ([]gateway.StreamEntry, error) {
	deadline := time.Now().Add(block)
	poll := 10 * time.Millisecond
	for {
		out := f.collectAfter(afterID)
		if len(out) > 0 {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *fakeStore) collectAfter(afterID string) []gateway.StreamEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.StreamEntry, 0)
	// "0-0" is the stream start, as with a real XREAD: every entry follows it.
	started := afterID == "" || afterID == "0-0"
	for _, e := range f.changes {
		if started {
			out = append(out, e)
			continue
		}
		if e.ID == afterID {
			started = true
		}
	}
	return out
}

func entryID(n int) string {
	return time.Unix(int64(n), 0).Format("20060102150405") + "-0"
}

func TestSession_AcknowledgeRejectsOutOfOrder(t *testing.T) {
	store := newFakeStore()
	var sent []Outbound
	sess := New(store, "b1", DefaultConfig(), func(o Outbound) error { sent = append(sent, o); return nil }, zaptest.NewLogger(t))

	require.NoError(t, sess.Acknowledge())
	assert.Equal(t, ReadyAcknowledged, sess.State())
	require.Len(t, sent, 1)
	assert.IsType(t, board.ServerReady{}, sent[0])

	assert.ErrorIs(t, sess.Acknowledge(), ErrProtocolViolation, "a second ClientReady is a protocol violation")
}

func TestSession_RunSnapshotWithNoObjectsEmitsOnlyFinished(t *testing.T) {
	store := newFakeStore()
	var sent []Outbound
	sess := New(store, "b1", DefaultConfig(), func(o Outbound) error { sent = append(sent, o); return nil }, zaptest.NewLogger(t))
	require.NoError(t, sess.Acknowledge())

	require.NoError(t, sess.RunSnapshot(context.Background()))
	require.Len(t, sent, 1)
	finished, ok := sent[0].(board.SnapshotFinished)
	require.True(t, ok)
	assert.Nil(t, finished.Version, "board never checkpointed: version is null")
	assert.Equal(t, Streaming, sess.State())
}

func TestSession_RunSnapshotChunksAcrossMultipleObjects(t *testing.T) {
	store := newFakeStore()
	store.objects["o1"] = json.RawMessage(`{"a":1}`)
	store.objects["o2"] = json.RawMessage(`{"a":2}`)
	v := "5-0"
	store.version = &v

	cfg := DefaultConfig()
	cfg.SnapshotChunkSize = 1
	var sent []Outbound
	sess := New(store, "b1", cfg, func(o Outbound) error { sent = append(sent, o); return nil }, zaptest.NewLogger(t))
	require.NoError(t, sess.Acknowledge())
	require.NoError(t, sess.RunSnapshot(context.Background()))

	require.Len(t, sent, 3, "two chunks of one object each, plus SnapshotFinished")
	chunk1, ok := sent[0].(board.SnapshotChunk)
	require.True(t, ok)
	assert.Len(t, chunk1.Entries, 1)
	finished := sent[2].(board.SnapshotFinished)
	require.NotNil(t, finished.Version)
	assert.Equal(t, "5-0", *finished.Version)
}

func TestSession_ApplyChangeThenStreamDeliversChangeAccepted(t *testing.T) {
	store := newFakeStore()
	outCh := make(chan Outbound, 10)
	sess := New(store, "b1", DefaultConfig(), func(o Outbound) error { outCh <- o; return nil }, zaptest.NewLogger(t))
	require.NoError(t, sess.Acknowledge())
	require.NoError(t, sess.RunSnapshot(context.Background()))
	<-outCh // SnapshotFinished

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() { _ = sess.RunStream(ctx) }()

	require.NoError(t, sess.ApplyChange(ctx, "s1", board.NewInsert("o1", json.RawMessage(`{"x":1}`))))

	select {
	case msg := <-outCh:
		ca, ok := msg.(board.ChangeAccepted)
		require.True(t, ok)
		assert.Equal(t, "s1", ca.SessionID)
		assert.Equal(t, board.ChangeInsert, ca.Change.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected ChangeAccepted to be forwarded")
	}
}

func TestSession_ApplyChangeRejectsInvalidChange(t *testing.T) {
	store := newFakeStore()
	sess := New(store, "b1", DefaultConfig(), func(o Outbound) error { return nil }, zaptest.NewLogger(t))
	require.NoError(t, sess.Acknowledge())
	require.NoError(t, sess.RunSnapshot(context.Background()))

	err := sess.ApplyChange(context.Background(), "s1", board.Change{Type: board.ChangeInsert, ID: "o1"})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

// alwaysFailingStore's ReadChanges never succeeds, simulating a Redis
// dependency that stays unreachable for the lifetime of the connection.
type alwaysFailingStore struct {
	fakeStore
}

func (f *alwaysFailingStore) ReadChanges(ctx context.Context, boardID, afterID string, block time.Duration) ([]gateway.StreamEntry, error) {
	return nil, errors.New("connection reset by peer")
}

func TestSession_RunStreamGivesUpAfterMaxConsecutiveFailures(t *testing.T) {
	store := &alwaysFailingStore{}
	sess := New(store, "b1", DefaultConfig(), func(o Outbound) error { return nil }, zaptest.NewLogger(t))
	require.NoError(t, sess.Acknowledge())
	require.NoError(t, sess.RunSnapshot(context.Background()))

	cfg := DefaultConfig()
	cfg.MinBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.MaxConsecutiveFailures = 3
	sess.cfg = cfg

	err := sess.RunStream(context.Background())
	require.Error(t, err, "a Redis dependency that never recovers must not be retried forever")
	assert.NotErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}
