// ABOUTME: Bounded per-operator send queue drained by its own writer goroutine
// ABOUTME: Lets agent read loops fan out telemetry without waiting on operator sockets

package gateway

import (
	"context"
	"log/slog"

	"github.com/2389/omni-gateway/internal/registry"
)

// defaultOutboxSize is the number of queued events per operator before new
// ones are dropped.
const defaultOutboxSize = 64

type outboundEvent struct {
	event string
	data  any
}

// queuedHandle is a registered connection that accepts events without
// blocking the caller.
type queuedHandle interface {
	registry.Handle
	enqueue(event string, data any) bool
}

// outbox serializes writes to one connection. enqueue never blocks; a full
// queue drops the event.
type outbox struct {
	handle registry.Handle
	queue  chan outboundEvent
	logger *slog.Logger
}

func newOutbox(h registry.Handle, size int, logger *slog.Logger) *outbox {
	if size <= 0 {
		size = defaultOutboxSize
	}
	return &outbox{
		handle: h,
		queue:  make(chan outboundEvent, size),
		logger: logger,
	}
}

func (o *outbox) enqueue(event string, data any) bool {
	select {
	case o.queue <- outboundEvent{event: event, data: data}:
		return true
	default:
		return false
	}
}

// run drains the queue until ctx ends. Queued events left at that point are
// discarded with the connection.
func (o *outbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.queue:
			if err := o.handle.Emit(ctx, ev.event, ev.data); err != nil {
				o.logger.Debug("queued send failed", "event", ev.event, "error", err)
			}
		}
	}
}
