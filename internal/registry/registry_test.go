package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lukewestby/redboard/internal/checkpoint"
	"github.com/lukewestby/redboard/internal/gateway"
)

// noopStore never has changes to fold; its checkpointers go idle immediately.
type noopStore struct{}

func (noopStore) Version(ctx context.Context, boardID string) (*string, error) { return nil, nil }
func (noopStore) ObjectKeys(ctx context.Context, boardID string) ([]string, error) {
	return nil, nil
}
func (noopStore) RangeChanges(ctx context.Context, boardID, afterID string, count int64) ([]gateway.StreamEntry, error) {
	return nil, nil
}
func (noopStore) CommitCheckpoint(ctx context.Context, boardID string, mutations []gateway.CheckpointMutation, newVersion string) error {
	return nil
}

func fastConfig() checkpoint.Config {
	cfg := checkpoint.DefaultConfig()
	cfg.EmptyPollWait = 5 * time.Millisecond
	cfg.IdleGrace = 20 * time.Millisecond
	return cfg
}

func TestCheckpointerRegistry_AttachSpawnsExactlyOneCheckpointerPerBoard(t *testing.T) {
	r := New(noopStore{}, fastConfig(), zaptest.NewLogger(t))

	release1, err := r.Attach(context.Background(), "b1")
	require.NoError(t, err)
	release2, err := r.Attach(context.Background(), "b1")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"b1"}, r.ActiveBoards())

	release1()
	release2()

	require.Eventually(t, func() bool {
		return len(r.ActiveBoards()) == 0
	}, time.Second, 5*time.Millisecond, "checkpointer should idle-exit once both sessions detach")
}

func TestCheckpointerRegistry_ChecpointerIdleExitsThenReattachRespawns(t *testing.T) {
	r := New(noopStore{}, fastConfig(), zaptest.NewLogger(t))

	release, err := r.Attach(context.Background(), "b1")
	require.NoError(t, err)
	release()

	require.Eventually(t, func() bool {
		return len(r.ActiveBoards()) == 0
	}, time.Second, 5*time.Millisecond, "checkpointer should idle-exit and be reaped")

	release2, err := r.Attach(context.Background(), "b1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b1"}, r.ActiveBoards())
	release2()
}

func TestCheckpointerRegistry_ShutdownStopsAllCheckpointers(t *testing.T) {
	r := New(noopStore{}, fastConfig(), zaptest.NewLogger(t))

	_, err := r.Attach(context.Background(), "b1")
	require.NoError(t, err)
	_, err = r.Attach(context.Background(), "b2")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
}
