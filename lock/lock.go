// Package lock implements the explicit, lexical lock-nesting guard and
// the optimistic publish-on-state coordinator described in spec §4.5.
//
// The factcast reference implementation tracks "currently inside a
// locked operation" with a thread-local flag (InLockedOperation),
// checked by DefaultFactus.publish to reject re-entrant publishes. Go
// has no thread-local storage, and goroutines aren't threads anyway;
// the natural replacement is a value carried on the context.Context
// passed through the closure, checked explicitly wherever re-entry
// would be unsafe. That's what this package provides.
package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mpalmer/factrun/fact"
	"github.com/mpalmer/factrun/projection"
	"github.com/mpalmer/factrun/transport"
)

// ErrNestedLock is returned when a locked operation is attempted while
// already inside one (spec §4.5's NestedLockError).
var ErrNestedLock = errors.New("lock: nested locked operation")

// ErrLockExceeded is returned when the retry bound is exhausted without
// a conflict-free publish (spec §4.5's LockExceededError).
var ErrLockExceeded = errors.New("lock: retry bound exceeded")

// ErrConcurrentModification marks a single failed attempt within
// Execute's retry loop (spec §4.5's ConcurrentModificationError); it
// is never returned to the caller directly, only wrapped into
// ErrLockExceeded once retries are spent.
var ErrConcurrentModification = errors.New("lock: concurrent modification")

type ctxKey struct{}

// WithLocked marks ctx as executing inside a locked operation.
func WithLocked(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, true)
}

// InLockedOperation reports whether ctx was derived from WithLocked.
func InLockedOperation(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKey{}).(bool)
	return v
}

// Coordinator runs the optimistic publish-on-state protocol of §4.5
// against a transport.Client.
type Coordinator struct {
	client  transport.Client
	retries int
}

// NewCoordinator creates a Coordinator with a default retry bound of
// retries failed attempts before giving up with ErrLockExceeded.
func NewCoordinator(client transport.Client, retries int) *Coordinator {
	if retries <= 0 {
		retries = 3
	}
	return &Coordinator{client: client, retries: retries}
}

// Locked is a prepared locked operation over projection view type P,
// parameterized by the fact specs it's exposed to and a reload function
// that produces a fresh, caught-up view on each attempt (step 1 and,
// on conflict, step 4 of §4.5).
type Locked[P projection.Managed] struct {
	coordinator *Coordinator
	specs       []fact.Spec
	reload      func(ctx context.Context) (P, fact.Cursor, error)
}

// WithLockOn prepares a Locked operation over a projection view
// produced by reload, scoped to the given fact specs.
func WithLockOn[P projection.Managed](c *Coordinator, specs []fact.Spec, reload func(ctx context.Context) (P, fact.Cursor, error)) *Locked[P] {
	return &Locked[P]{coordinator: c, specs: specs, reload: reload}
}

// Execute runs fn against a freshly reloaded view, publishes the facts
// it returns, and retries on conflict up to the coordinator's bound.
// fn receives a context already marked InLockedOperation, so that a
// publish attempted from within it (other than through this very
// Execute call) fails fast with ErrNestedLock instead of deadlocking or
// silently interleaving.
func (l *Locked[P]) Execute(ctx context.Context, fn func(ctx context.Context, view P) ([]*fact.Fact, error)) ([]fact.Cursor, error) {
	if InLockedOperation(ctx) {
		return nil, ErrNestedLock
	}
	lockedCtx := WithLocked(ctx)

	for attempt := 0; attempt < l.coordinator.retries; attempt++ {
		view, cursor, err := l.reload(ctx)
		if err != nil {
			return nil, err
		}

		newFacts, err := fn(lockedCtx, view)
		if err != nil {
			return nil, err
		}
		if len(newFacts) == 0 {
			return nil, nil
		}

		if err := l.coordinator.client.Publish(ctx, newFacts); err != nil {
			return nil, err
		}

		conflicted, err := l.coordinator.detectConflict(ctx, l.specs, cursor, newFacts)
		if err != nil {
			return nil, err
		}
		if !conflicted {
			cursors := make([]fact.Cursor, len(newFacts))
			for i, f := range newFacts {
				cursors[i] = f.ID
			}
			return cursors, nil
		}
		// Conflict: the next iteration's reload discards this view and
		// replays from a fresh one, per §4.5 step 4.
	}
	return nil, fmt.Errorf("%w: %w", ErrLockExceeded, ErrConcurrentModification)
}

// detectConflict simulates a conditional publish on a transport that
// doesn't support one natively (spec §4.5 step 3): it rescans the log
// from the pre-publish cursor and treats any fact that isn't one of
// ours as proof a concurrent writer raced us.
func (c *Coordinator) detectConflict(ctx context.Context, specs []fact.Spec, from fact.Cursor, published []*fact.Fact) (bool, error) {
	ours := make(map[uuid.UUID]bool, len(published))
	for _, f := range published {
		ours[f.ID] = true
	}

	scan := &conflictScan{ours: ours}
	sub, err := c.client.Subscribe(ctx, transport.SubscribeRequest{
		Mode:       transport.Catchup,
		Specs:      specs,
		FromCursor: &from,
	}, scan)
	if err != nil {
		return false, err
	}
	defer sub.Close()

	if err := sub.AwaitComplete(ctx); err != nil {
		return false, err
	}
	return scan.foreign, nil
}

type conflictScan struct {
	ours    map[uuid.UUID]bool
	foreign bool
}

func (s *conflictScan) OnNext(_ context.Context, f *fact.Fact) error {
	if !s.ours[f.ID] {
		s.foreign = true
	}
	return nil
}
func (*conflictScan) OnCatchup()        {}
func (*conflictScan) OnComplete()       {}
func (*conflictScan) OnError(err error) {}
