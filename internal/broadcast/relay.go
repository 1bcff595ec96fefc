package broadcast

import (
	"context"
	"log/slog"
	"sync/atomic"

	"threatwatch/internal/model"
)

// Relay hands messages from producer goroutines (the queue consumer) to the
// broadcaster's own goroutine.
type Relay struct {
	ch      chan model.Message
	target  Publisher
	logger  *slog.Logger
	dropped atomic.Uint64
}

func NewRelay(target Publisher, buffer int, logger *slog.Logger) *Relay {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Relay{ch: make(chan model.Message, buffer), target: target, logger: logger}
}

// Forward enqueues msg without blocking. It reports false when the hand-off
// buffer is full and the message was dropped.
func (r *Relay) Forward(msg model.Message) bool {
	select {
	case r.ch <- msg:
		return true
	default:
		r.dropped.Add(1)
		if r.logger != nil {
			r.logger.Warn("relay buffer full, dropping message", "type", msg.Type)
		}
		return false
	}
}

// Publish makes the relay usable wherever a Publisher is expected.
func (r *Relay) Publish(msg model.Message) {
	r.Forward(msg)
}

// Run delivers forwarded messages until ctx is done, then flushes what is
// already buffered.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-r.ch:
			r.target.Publish(msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-r.ch:
					r.target.Publish(msg)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Relay) Dropped() uint64 { return r.dropped.Load() }
