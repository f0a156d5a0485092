// Package transport defines the duplex byte-stream contract the rest of the
// host uses to talk to a GRBL controller board, plus a serial implementation
// and an in-memory Mock used by tests throughout the module.
package transport

import (
	"context"
	"errors"
)

// ConnectionState is the lifecycle state of a Transport.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Reconnecting ConnectionState = "reconnecting"
)

// ErrClosed is returned by SerialTransport's Send and SendRealtime when no
// port is open.
var ErrClosed = errors.New("transport: closed")

// Transport is a duplex, line-oriented connection to a controller board.
// Implementations must be safe for concurrent Send calls from one writer and
// concurrent reads of the Lines channel from one reader; Close may be called
// from any goroutine.
type Transport interface {
	// Open establishes the connection. Open must be idempotent: calling it
	// again after a successful Open is a no-op.
	Open(ctx context.Context) error

	// Send writes a single line (without a trailing newline) to the board.
	Send(ctx context.Context, line string) error

	// SendRealtime writes a single raw byte immediately, bypassing any
	// internal buffering — used for GRBL's realtime commands ('?', '!', '~',
	// 0x18).
	SendRealtime(b byte) error

	// Lines returns a channel of raw lines received from the board, stripped
	// of line-ending characters. The channel is closed when the transport is
	// closed.
	Lines() <-chan string

	// State reports the current connection state.
	State() ConnectionState

	// StateChanges returns a channel that receives every ConnectionState
	// transition.
	StateChanges() <-chan ConnectionState

	// Close releases the underlying resource. Safe to call more than once.
	Close() error
}
