package domain

import "context"

// EventPublisher is what mutation handlers call after their write has committed.
// Implementations never report delivery failures to the caller: they log them.
type EventPublisher interface {
	EmitToList(ctx context.Context, listID string, payload ListPayload)
	EmitToUser(ctx context.Context, userID string, payload UserPayload)
}

// Listener receives events dispatched by a client subscription.
type Listener func(Event)

// ListenerHandle identifies one registered listener so it can be removed.
type ListenerHandle struct {
	Type EventType
	ID   uint64
}

// Subscriber is the listener API consumers depend on, independent of transport.
type Subscriber interface {
	On(eventType EventType, listener Listener) ListenerHandle
	Off(handle ListenerHandle)
}
