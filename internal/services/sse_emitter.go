package services

import (
	"context"

	"github.com/courseloom/courseloom-backend/internal/sse"
)

type SSEEmitter interface {
	Emit(ctx context.Context, msg sse.SSEMessage)
}

// HubEmitter delivers to clients connected to this instance.
type HubEmitter struct{ Hub *sse.SSEHub }

func (e *HubEmitter) Emit(_ context.Context, msg sse.SSEMessage) {
	e.Hub.Broadcast(msg)
}

// BusEmitter publishes through Redis so every instance's hub sees the
// message.
type BusEmitter struct{ Bus SSEBus }

func (e *BusEmitter) Emit(ctx context.Context, msg sse.SSEMessage) {
	_ = e.Bus.Publish(ctx, msg)
}
