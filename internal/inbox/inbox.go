// ============================================================================
// Inbox - 入站告警通道
// ============================================================================
//
// Package: internal/inbox
// File: inbox.go
// Purpose: The inbound channel the scheduler polls
//
// The scheduler owns one Channel and talks to it through two calls only:
//   Ready()   - non-blocking, "is a message waiting?"
//   Receive() - returns one message; called only after Ready() was true,
//               but allowed to block (bounded by ctx)
//
// Implementations:
//   Memory - buffered Go channel, used by the demo and by tests
//   Socket - unix socket server; senders push length-prefixed JSON frames
//   Spool  - directory watched with fsnotify; one file per message
//
// ============================================================================

package inbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned once a channel has been closed.
	ErrClosed = errors.New("inbox closed")
	// ErrFull is returned by Memory.Send when the buffer is full.
	ErrFull = errors.New("inbox full")
)

// Message is one raw inbound payload and the time it arrived.
type Message struct {
	Payload string    `json:"payload"`
	T0      time.Time `json:"t0"`
}

// Channel is the scheduler's view of the inbound stream.
type Channel interface {
	Ready() bool
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Memory is an in-process Channel backed by a buffered Go channel.
type Memory struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
}

// NewMemory returns a channel buffering up to size messages.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1
	}
	return &Memory{
		ch:   make(chan Message, size),
		done: make(chan struct{}),
	}
}

// Send queues payload stamped with t0 (now when zero) without blocking.
func (m *Memory) Send(payload string, t0 time.Time) error {
	if t0.IsZero() {
		t0 = time.Now()
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- Message{Payload: payload, T0: t0}:
		return nil
	default:
		return ErrFull
	}
}

// Ready implements Channel.
func (m *Memory) Ready() bool { return len(m.ch) > 0 }

// Len returns the number of waiting messages.
func (m *Memory) Len() int { return len(m.ch) }

// Receive implements Channel.
func (m *Memory) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-m.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-m.ch:
		return msg, nil
	case <-m.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close implements Channel. Messages already buffered can still be
// received; further sends fail with ErrClosed.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
