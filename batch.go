package factrun

import (
	"context"

	"github.com/mpalmer/factrun/fact"
)

// Batch accumulates application events for a single atomic Publish
// call, restoring the reference implementation's DefaultPublishBatch
// (Engine.batch()) that the distilled spec dropped.
type Batch struct {
	engine *Engine
	events []any
}

// Add appends events to the batch and returns it for chaining.
func (b *Batch) Add(events ...any) *Batch {
	b.events = append(b.events, events...)
	return b
}

// Len reports how many events are queued.
func (b *Batch) Len() int {
	return len(b.events)
}

// Publish converts and publishes every queued event as one atomic
// transport.Client.Publish call, then clears the batch.
func (b *Batch) Publish(ctx context.Context) ([]*fact.Fact, error) {
	facts, err := b.engine.Publish(ctx, b.events...)
	if err != nil {
		return nil, err
	}
	b.events = nil
	return facts, nil
}
