package factrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mpalmer/factrun/fact"
	"github.com/mpalmer/factrun/lock"
	"github.com/mpalmer/factrun/projection"
)

// ManagedSnapshot is a SnapshotProjection that also manages its own
// cursor and write lock, the shape required to run under WithLockOn
// (spec §4.5's Locked operates on a projection.Managed view).
type ManagedSnapshot interface {
	projection.Snapshot
	projection.Managed
}

// ManagedAggregate is an Aggregate projection with the same
// lock-eligible shape as ManagedSnapshot.
type ManagedAggregate interface {
	projection.Aggregate
	projection.Managed
}

// WithLockOnManaged prepares a locked operation over an
// already-running ManagedProjection instance: each attempt catches the
// same instance up in place from its current cursor to the present,
// rather than reloading a fresh one, matching
// DefaultFactus.withLockOn(ManagedProjection).
func WithLockOnManaged[P projection.Managed](e *Engine, managed P, projector *projection.Projector) *lock.Locked[P] {
	specs := projector.CreateFactSpecs()
	reload := func(ctx context.Context) (P, fact.Cursor, error) {
		cursor := managed.Cursor()
		var fromCursor *fact.Cursor
		if cursor != uuid.Nil {
			fromCursor = &cursor
		}
		newCursor, err := e.catchup(ctx, projector, specs, fromCursor)
		if err != nil {
			var zero P
			return zero, fact.Cursor{}, err
		}
		if newCursor != nil {
			managed.SetCursor(*newCursor)
			cursor = *newCursor
		}
		return managed, cursor, nil
	}
	return lock.WithLockOn(e.coordinator, specs, reload)
}

// WithLockOnAggregate prepares a locked operation over the aggregate
// identified by id, loading it fresh (via Find, falling back to a new
// zero-value instance) on every reload attempt — matching
// DefaultFactus.withLockOn(Class, UUID)'s
// "find(...).orElse(instantiate(...))".
func WithLockOnAggregate[A ManagedAggregate](ctx context.Context, e *Engine, id uuid.UUID, factory func(uuid.UUID) (A, *projection.Projector)) (*lock.Locked[A], error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	agg, _, existed, err := doFind[A](ctx, e, id, factory)
	if err != nil {
		return nil, err
	}
	if !existed {
		agg, _ = factory(id)
	}
	_, specProjector := factory(id)
	specs := withAggregateID(specProjector.CreateFactSpecs(), id)
	e.metrics.RecordFind(ctx, specKind(agg), true, time.Since(start))

	reload := func(ctx context.Context) (A, fact.Cursor, error) {
		fresh, cursor, existed, err := doFind[A](ctx, e, id, factory)
		if err != nil {
			return fresh, cursor, err
		}
		if !existed {
			fresh, _ = factory(id)
		}
		return fresh, cursor, nil
	}
	return lock.WithLockOn(e.coordinator, specs, reload), nil
}

// WithLockOnSnapshot prepares a locked operation over a SnapshotProjection
// class, fetching it fresh on every reload attempt, matching
// DefaultFactus.withLockOn(Class).
func WithLockOnSnapshot[P ManagedSnapshot](ctx context.Context, e *Engine, factory func() (P, *projection.Projector)) (*lock.Locked[P], error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	proj, err := Fetch[P](ctx, e, factory)
	if err != nil {
		return nil, err
	}
	_, specProjector := factory()
	specs := specProjector.CreateFactSpecs()
	e.metrics.RecordFetch(ctx, fmt.Sprintf("%T", proj), true, time.Since(start))

	reload := func(ctx context.Context) (P, fact.Cursor, error) {
		fresh, err := Fetch[P](ctx, e, factory)
		if err != nil {
			var zero P
			return zero, fact.Cursor{}, err
		}
		return fresh, fresh.Cursor(), nil
	}
	return lock.WithLockOn(e.coordinator, specs, reload), nil
}

func specKind(agg any) string {
	return fmt.Sprintf("%T", agg)
}
