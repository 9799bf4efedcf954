package registry

import "context"

// BoardRegistry owns the lifecycle of per-board checkpointer tasks (§4.4):
// one board ID maps to at most one running checkpointer at a time, spawned
// lazily on first attach and reaped after its idle grace window once the
// last session detaches.
type BoardRegistry interface {
	// Attach records that a session is actively using boardID, spawning its
	// checkpointer if one isn't already running. The returned release func
	// must be called exactly once when the session disconnects.
	Attach(ctx context.Context, boardID string) (release func(), err error)

	// Shutdown cancels every running checkpointer and waits for them to exit.
	Shutdown(ctx context.Context) error
}
