// Package upstream carries opaque payloads from the core to host listeners.
//
// Two independently owned Channels exist per runtime: one towards the host
// client logic and one towards the host UI. A Channel never blocks its
// caller; delivery to the host sink happens on the channel's own goroutine
// in send order.
package upstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

const (
	NameClient = "client"
	NameUI     = "ui"

	defaultQueueSize = 256
)

var ErrClosed = errors.New("upstream channel is closed")

// Sink is implemented by the host. Send has no return value and no
// backpressure signal.
type Sink interface {
	Send(data string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(data string)

func (f SinkFunc) Send(data string) {
	f(data)
}

// DropCounter is notified when a payload is dropped because the queue is full.
type DropCounter interface {
	UpstreamDropped(channel string)
}

type Channel struct {
	name    string
	sink    Sink
	logger  *slog.Logger
	drops   DropCounter
	queue   chan string
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
}

type Option func(*Channel)

func WithQueueSize(size int) Option {
	return func(c *Channel) {
		if size > 0 {
			c.queue = make(chan string, size)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithDropCounter(counter DropCounter) Option {
	return func(c *Channel) {
		c.drops = counter
	}
}

// NewChannel starts delivery to sink. A nil sink discards every payload.
func NewChannel(name string, sink Sink, opts ...Option) *Channel {
	c := &Channel{
		name:   name,
		sink:   sink,
		logger: slog.Default(),
		queue:  make(chan string, defaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

func (c *Channel) Name() string {
	return c.name
}

// Send enqueues data for delivery. It reports ErrClosed after Close and
// drops the payload when the queue is full.
func (c *Channel) Send(data string) error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- data:
	default:
		c.logger.Warn("upstream queue full, payload dropped", "channel", c.name, "queue_size", cap(c.queue))
		if c.drops != nil {
			c.drops.UpstreamDropped(c.name)
		}
	}
	return nil
}

// Close stops accepting payloads and waits until queued ones are handed to
// the sink or ctx ends.
func (c *Channel) Close(ctx context.Context) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.closeMu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) run() {
	defer close(c.done)
	for data := range c.queue {
		c.deliver(data)
	}
}

func (c *Channel) deliver(data string) {
	if c.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("upstream sink panicked", "channel", c.name, "panic", r)
		}
	}()
	c.sink.Send(data)
}
