package core

import "errors"

var (
	// ErrBackpressure means the outbound queue is full; the frame was not queued.
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is one encoded protocol message.
type Frame []byte

// SignalConnection abstracts a participant's messaging transport.
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks: it queues the frame or fails.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
