package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus used in tests and dry-run development. It
// keeps the full backlog per stream and replays it to a group's first
// subscriber, mirroring the replayable-log semantics of the real backends.
type MemoryBus struct {
	mu      sync.Mutex
	backlog map[string][]Event
	groups  map[string]map[string]chan Event
	closed  bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		backlog: make(map[string][]Event),
		groups:  make(map[string]map[string]chan Event),
	}
}

// Publish appends to the stream backlog and fans out to every group.
func (b *MemoryBus) Publish(ctx context.Context, stream string, event Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.backlog[stream] = append(b.backlog[stream], event)
	var targets []chan Event
	for _, ch := range b.groups[stream] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers the group on the stream, replays the backlog, then
// delivers live events until ctx is cancelled. Handler errors are retried
// once immediately and then dropped; the in-memory bus is not durable.
func (b *MemoryBus) Subscribe(ctx context.Context, stream, group string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.groups[stream] == nil {
		b.groups[stream] = make(map[string]chan Event)
	}
	ch, ok := b.groups[stream][group]
	var replay []Event
	if !ok {
		ch = make(chan Event, 1024)
		b.groups[stream][group] = ch
		replay = append(replay, b.backlog[stream]...)
	}
	b.mu.Unlock()

	deliver := func(event Event) {
		if err := handler(ctx, event); err != nil {
			// single retry; memory backend has no pending list
			_ = handler(ctx, event)
		}
	}

	for _, event := range replay {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deliver(event)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-ch:
			deliver(event)
		}
	}
}

// Events returns a copy of everything published to the stream, for tests.
func (b *MemoryBus) Events(stream string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.backlog[stream]))
	copy(out, b.backlog[stream])
	return out
}

// Close marks the bus closed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
