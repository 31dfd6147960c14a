package runtime

import "errors"

var (
	// ErrNothingToUndo reports an undo against an empty stack.
	ErrNothingToUndo = errors.New("runtime: nothing to undo")
	// ErrNothingToRedo reports a redo against an empty stack.
	ErrNothingToRedo = errors.New("runtime: nothing to redo")
	// ErrPersistQueueFull reports a rejected mutation: the bounded
	// persistence queue was at capacity. The op was rolled back and is
	// neither applied nor journaled.
	ErrPersistQueueFull = errors.New("runtime: persistence queue full")
	// ErrPersistDegraded reports that a prior batch commit failed; mutating
	// commands are refused until an operator intervenes.
	ErrPersistDegraded = errors.New("runtime: persistence degraded")
	// ErrShuttingDown reports a command submitted after shutdown started.
	ErrShuttingDown = errors.New("runtime: shutting down")
)
