package sync

import "errors"

var (
	// ErrTransport indicates a peer request failed at the network layer.
	ErrTransport = errors.New("peer transport failed")
	// ErrIntegrity indicates the durable delta log rejected a local edit.
	ErrIntegrity = errors.New("delta log write failed")
	// ErrCycleRunning indicates a sync cycle is already in flight for the document.
	ErrCycleRunning = errors.New("sync cycle already running")
	// ErrClosed indicates the engine has been stopped.
	ErrClosed = errors.New("engine is closed")
)
