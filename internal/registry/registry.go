// Package registry owns the lifecycle of per-board checkpointer tasks
// (§4.4): at most one checkpointer runs per board at any time, spawned
// lazily on first attach and reaped once every session has detached and the
// checkpointer's own idle grace window has elapsed.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lukewestby/redboard/internal/checkpoint"
)

// boardHandle tracks one board's running checkpointer and its attached
// session count.
type boardHandle struct {
	refCount int
	cancel   context.CancelFunc
	done     chan struct{}
}

// CheckpointerRegistry is the concrete BoardRegistry backed by
// internal/checkpoint.
type CheckpointerRegistry struct {
	mu     sync.Mutex
	boards map[string]*boardHandle

	store  checkpoint.Store
	cfg    checkpoint.Config
	logger *zap.Logger

	wg sync.WaitGroup
}

// New constructs a CheckpointerRegistry. store and cfg are shared across
// every board's checkpointer instance.
func New(store checkpoint.Store, cfg checkpoint.Config, logger *zap.Logger) *CheckpointerRegistry {
	return &CheckpointerRegistry{
		boards: make(map[string]*boardHandle),
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// Attach increments boardID's session refcount, spawning a checkpointer if
// none is currently running for it (including if the previous one just
// idle-exited and hasn't been reaped from the map yet). The returned release
// func decrements the refcount; it is safe to call exactly once.
func (r *CheckpointerRegistry) Attach(ctx context.Context, boardID string) (func(), error) {
	r.mu.Lock()
	h, ok := r.boards[boardID]
	if !ok || handleDone(h) {
		h = r.spawnLocked(boardID)
	}
	h.refCount++
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			h.refCount--
			r.mu.Unlock()
		})
	}
	return release, nil
}

// spawnLocked starts a new checkpointer goroutine for boardID. Callers must
// hold r.mu.
func (r *CheckpointerRegistry) spawnLocked(boardID string) *boardHandle {
	runCtx, cancel := context.WithCancel(context.Background())
	h := &boardHandle{cancel: cancel, done: make(chan struct{})}
	r.boards[boardID] = h

	cp := checkpoint.New(boardID, r.store, r.cfg, r.logger)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(h.done)

		err := cp.Run(runCtx, func() bool {
			r.mu.Lock()
			attached := h.refCount > 0
			r.mu.Unlock()
			return attached
		})
		if err != nil && runCtx.Err() == nil {
			r.logger.Error("checkpointer exited with error", zap.String("board_id", boardID), zap.Error(err))
		}

		r.mu.Lock()
		// Only reap the entry if it's still this instance and nobody
		// reattached in the window between the idle exit and this lock.
		if cur, ok := r.boards[boardID]; ok && cur == h && h.refCount == 0 {
			delete(r.boards, boardID)
		}
		r.mu.Unlock()
	}()

	return h
}

// Shutdown cancels every running checkpointer and waits for them to exit or
// ctx to expire.
func (r *CheckpointerRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, h := range r.boards {
		h.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func handleDone(h *boardHandle) bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ActiveBoards reports the ids currently tracked (checkpointer running or
// exiting), for diagnostics and tests.
func (r *CheckpointerRegistry) ActiveBoards() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.boards))
	for id := range r.boards {
		out = append(out, id)
	}
	return out
}
