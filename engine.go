// Package factrun is a client-side event-sourcing runtime: projections
// materialized from an ordered fact stream, kept current via catchup or
// live follow subscription, written to via optimistic-locked publish.
//
// Engine is the orchestrator, grounded directly on the factcast
// reference implementation's DefaultFactus: it wires a transport.Client,
// the two snapshot repositories, the event converter, a write-token
// provider, the locking coordinator, and metrics into the handful of
// operations applications actually call (Fetch, Find, Update,
// SubscribeAndBlock, Publish, WithLockOn).
//
// Go has no reflection-friendly Class token the way the reference
// implementation does, so Fetch and Find are free generic functions
// parameterized by the projection type rather than methods taking a
// Class argument — Go methods can't carry their own type parameters.
package factrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mpalmer/factrun/convert"
	"github.com/mpalmer/factrun/fact"
	"github.com/mpalmer/factrun/lock"
	"github.com/mpalmer/factrun/metrics"
	"github.com/mpalmer/factrun/projection"
	"github.com/mpalmer/factrun/serialize"
	"github.com/mpalmer/factrun/snapshot"
	"github.com/mpalmer/factrun/transport"
	"github.com/mpalmer/factrun/writetoken"
)

// Engine is the projection lifecycle engine of spec §4.6. The zero
// value is not usable; construct one with New.
type Engine struct {
	transport transport.Client
	projRepo  *snapshot.ProjectionRepository
	aggRepo   *snapshot.AggregateRepository
	converter *convert.EventConverter
	tokens    writetoken.Provider
	metrics   *metrics.Metrics
	logger    *slog.Logger
	config    Config

	coordinator *lock.Coordinator

	closed atomic.Bool

	hookMu sync.Mutex
	hooks  []func() error // LIFO shutdown hooks; see addShutdownHook.
}

// New builds an Engine from its collaborators. cache backs both
// snapshot repositories; reg picks a Serializer per projection class;
// m may be nil (metrics disabled); logger may be nil (defaults to
// slog.Default()).
func New(cfg Config, client transport.Client, cache snapshot.Cache, reg *serialize.Registry, tokens writetoken.Provider, conv *convert.EventConverter, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TokenRetryInterval <= 0 {
		cfg.TokenRetryInterval = DefaultConfig().TokenRetryInterval
	}
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = DefaultConfig().LockRetries
	}

	return &Engine{
		transport:   client,
		projRepo:    snapshot.NewProjectionRepository(cache, reg, logger),
		aggRepo:     snapshot.NewAggregateRepository(cache, reg, logger),
		converter:   conv,
		tokens:      tokens,
		metrics:     m,
		logger:      logger,
		config:      cfg,
		coordinator: lock.NewCoordinator(client, cfg.LockRetries),
	}
}

// ToFact converts a single application event into a wire fact without
// publishing it, for callers that want to inspect it first (restored
// from the reference implementation's public toFact passthrough).
func (e *Engine) ToFact(event any) (*fact.Fact, error) {
	return e.converter.ToFact(event)
}

// Publish converts and publishes one or more application events (or
// already-built *fact.Fact values) as a single atomic batch. It fails
// with lock.ErrNestedLock if called from inside a locked operation's
// closure, mirroring the reference implementation's
// InLockedOperation.assertNotInLockedOperation() guard.
func (e *Engine) Publish(ctx context.Context, events ...any) ([]*fact.Fact, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if lock.InLockedOperation(ctx) {
		return nil, lock.ErrNestedLock
	}

	facts, err := e.toFacts(events)
	if err != nil {
		return nil, err
	}
	if err := e.transport.Publish(ctx, facts); err != nil {
		return nil, err
	}
	return facts, nil
}

func (e *Engine) toFacts(events []any) ([]*fact.Fact, error) {
	facts := make([]*fact.Fact, 0, len(events))
	for _, ev := range events {
		if f, ok := ev.(*fact.Fact); ok {
			facts = append(facts, f)
			continue
		}
		f, err := e.converter.ToFact(ev)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, nil
}

// Batch starts a batch publish accumulator (spec's supplemented
// DefaultPublishBatch feature).
func (e *Engine) Batch() *Batch {
	return &Batch{engine: e}
}

// Fetch retrieves or creates a SnapshotProjection of type P, catching it
// up to the current head before returning it. factory builds a fresh,
// zero-value instance of P together with the Projector that applies
// facts to that specific instance (the Projector's handlers close over
// it, the same way a handwritten Projector.Apply test fixture does).
//
// Fetch rejects P values that also satisfy projection.Aggregate: those
// belong to Find instead (see ErrAggregateMisuse).
func Fetch[P projection.Snapshot](ctx context.Context, e *Engine, factory func() (P, *projection.Projector)) (P, error) {
	var zero P
	if e.closed.Load() {
		return zero, ErrClosed
	}

	start := time.Now()
	locked := lock.InLockedOperation(ctx)

	proj, projector := factory()
	if _, isAggregate := any(proj).(aggregateMarker); isAggregate {
		return zero, ErrAggregateMisuse
	}
	classID := fmt.Sprintf("%T", proj)
	schemaVersion := snapshot.SchemaVersion(proj)

	snap, err := e.projRepo.FindLatest(ctx, classID, schemaVersion)
	if err != nil {
		return zero, err
	}

	var fromCursor *fact.Cursor
	if snap != nil {
		if err := e.projRepo.Deserialize(classID, snap.Bytes, proj); err != nil {
			return zero, fmt.Errorf("factrun: deserialize %s: %w", classID, err)
		}
		e.metrics.RecordFetchSize(ctx, classID, len(snap.Bytes))
		c := snap.LastFact
		fromCursor = &c
	}

	newCursor, err := e.catchup(ctx, projector, projector.CreateFactSpecs(), fromCursor)
	if err != nil {
		return zero, err
	}
	if m, ok := any(proj).(projection.Managed); ok {
		if newCursor != nil {
			m.SetCursor(*newCursor)
		} else if fromCursor != nil {
			m.SetCursor(*fromCursor)
		}
	}
	if newCursor != nil {
		e.projRepo.Put(classID, proj, *newCursor)
	}

	e.metrics.RecordFetch(ctx, classID, locked, time.Since(start))
	return proj, nil
}

// aggregateMarker is satisfied by any projection.Aggregate; it exists
// purely so Fetch can type-assert against it without importing a
// concrete aggregate type.
type aggregateMarker interface {
	AggregateID() uuid.UUID
}

// Find retrieves an Aggregate projection by id, catching it up to the
// current head. It reports existed=false only when the aggregate has
// never been caught up before (no prior snapshot and nothing new on the
// log), matching the reference implementation's Optional.empty() case.
func Find[A projection.Aggregate](ctx context.Context, e *Engine, id uuid.UUID, factory func(uuid.UUID) (A, *projection.Projector)) (agg A, existed bool, err error) {
	agg, _, existed, err = doFind[A](ctx, e, id, factory)
	return agg, existed, err
}

func doFind[A projection.Aggregate](ctx context.Context, e *Engine, id uuid.UUID, factory func(uuid.UUID) (A, *projection.Projector)) (agg A, cursor fact.Cursor, existed bool, err error) {
	var zero A
	if e.closed.Load() {
		return zero, fact.Cursor{}, false, ErrClosed
	}

	start := time.Now()
	locked := lock.InLockedOperation(ctx)

	agg, projector := factory(id)
	classID := fmt.Sprintf("%T", agg)
	schemaVersion := snapshot.SchemaVersion(agg)

	snap, err := e.aggRepo.FindLatest(ctx, classID, schemaVersion, id)
	if err != nil {
		return zero, fact.Cursor{}, false, err
	}

	hadSnapshot := snap != nil
	var fromCursor *fact.Cursor
	if hadSnapshot {
		if err := e.aggRepo.Deserialize(classID, snap.Bytes, agg); err != nil {
			return zero, fact.Cursor{}, false, fmt.Errorf("factrun: deserialize %s: %w", classID, err)
		}
		e.metrics.RecordFetchSize(ctx, classID, len(snap.Bytes))
		cursor = snap.LastFact
		fromCursor = &cursor
	}

	specs := withAggregateID(projector.CreateFactSpecs(), id)
	newCursor, err := e.catchup(ctx, projector, specs, fromCursor)
	if err != nil {
		return zero, cursor, false, err
	}

	e.metrics.RecordFind(ctx, classID, locked, time.Since(start))

	if newCursor == nil {
		if !hadSnapshot {
			return zero, fact.Cursor{}, false, nil
		}
		return agg, cursor, true, nil
	}

	cursor = *newCursor
	if err := e.aggRepo.PutBlocking(ctx, classID, agg, cursor); err != nil {
		return zero, cursor, false, err
	}
	return agg, cursor, true, nil
}

func withAggregateID(specs []fact.Spec, id uuid.UUID) []fact.Spec {
	out := make([]fact.Spec, len(specs))
	for i, s := range specs {
		s.AggregateID = &id
		out[i] = s
	}
	return out
}

// Update catches managed up to the current head under its own
// intra-process write lock, bounded by maxWait. It records
// RecordManagedProjectionUpdate regardless of outcome.
func (e *Engine) Update(ctx context.Context, managed projection.Managed, projector *projection.Projector, maxWait time.Duration) error {
	if e.closed.Load() {
		return ErrClosed
	}

	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	start := time.Now()
	classID := fmt.Sprintf("%T", managed)

	var catchupErr error
	managed.ExecuteUpdate(func() {
		cursor := managed.Cursor()
		var fromCursor *fact.Cursor
		if cursor != uuid.Nil {
			fromCursor = &cursor
		}
		newCursor, err := e.catchup(waitCtx, projector, projector.CreateFactSpecs(), fromCursor)
		if err != nil {
			catchupErr = err
			return
		}
		if newCursor != nil {
			managed.SetCursor(*newCursor)
		}
	})

	e.metrics.RecordManagedProjectionUpdate(ctx, classID, time.Since(start))
	return catchupErr
}

// SubscribeAndBlock acquires subscribed's write token, then opens a
// Follow subscription that applies facts to it for as long as the
// Engine holds the token. It retries contended acquisition with
// jittered backoff every Config.TokenRetryInterval until it succeeds or
// the Engine is closed.
func (e *Engine) SubscribeAndBlock(ctx context.Context, subscribed projection.Subscribed, projector *projection.Projector) (transport.Subscription, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if lock.InLockedOperation(ctx) {
		return nil, lock.ErrNestedLock
	}

	interval := e.config.TokenRetryInterval
	key := subscribed.TokenKey()

	for {
		if e.closed.Load() {
			return nil, ErrClosed
		}

		lease, err := e.tokens.Acquire(ctx, key, interval)
		if err != nil {
			if errors.Is(err, writetoken.ErrTokenHeld) {
				if werr := sleepWithJitter(ctx, interval); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, err
		}

		sub, err := e.followSubscribe(ctx, subscribed, projector)
		if err != nil {
			_ = e.tokens.Release(context.Background(), lease)
			return nil, err
		}

		e.addShutdownHook(func() error {
			closeErr := sub.Close()
			releaseErr := e.tokens.Release(context.Background(), lease)
			if closeErr != nil {
				return closeErr
			}
			return releaseErr
		})
		return sub, nil
	}
}

func sleepWithJitter(ctx context.Context, d time.Duration) error {
	half := d / 2
	jittered := half
	if half > 0 {
		jittered += time.Duration(rand.Int63n(int64(half) + 1))
	}
	t := time.NewTimer(jittered)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) followSubscribe(ctx context.Context, subscribed projection.Subscribed, projector *projection.Projector) (transport.Subscription, error) {
	cursor := subscribed.Cursor()
	var fromCursor *fact.Cursor
	if cursor != uuid.Nil {
		fromCursor = &cursor
	}

	obs := &followObserver{
		engine:    e,
		managed:   subscribed,
		projector: projector,
		classID:   fmt.Sprintf("%T", subscribed),
	}
	return e.transport.Subscribe(ctx, transport.SubscribeRequest{
		Mode:       transport.Follow,
		Specs:      projector.CreateFactSpecs(),
		FromCursor: fromCursor,
	}, obs)
}

// followObserver applies facts to a Managed projection under its own
// lock and samples _ts header latency, mirroring
// DefaultFactus.doSubscribe's FactObserver.
type followObserver struct {
	engine    *Engine
	managed   projection.Managed
	projector *projection.Projector
	classID   string
}

func (o *followObserver) OnNext(ctx context.Context, f *fact.Fact) error {
	var applyErr error
	o.managed.ExecuteUpdate(func() {
		if err := o.projector.Apply(ctx, f); err != nil {
			applyErr = err
			return
		}
		o.managed.SetCursor(f.ID)
	})
	if applyErr != nil {
		return applyErr
	}
	o.sampleLatency(ctx, f)
	return nil
}

func (o *followObserver) sampleLatency(ctx context.Context, f *fact.Fact) {
	ts, ok := f.Header[fact.HeaderTimestamp]
	if !ok {
		return
	}
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return
	}
	o.engine.metrics.RecordEventProcessingLatency(ctx, o.classID, time.Since(time.UnixMilli(millis)))
}

func (o *followObserver) OnCatchup() {
	if hooks, ok := o.managed.(projection.LifecycleHooks); ok {
		hooks.OnCatchup()
	}
}

func (o *followObserver) OnComplete() {
	if hooks, ok := o.managed.(projection.LifecycleHooks); ok {
		hooks.OnComplete()
	}
}

func (o *followObserver) OnError(err error) {
	if hooks, ok := o.managed.(projection.LifecycleHooks); ok {
		hooks.OnError(err)
	}
}

// catchup runs a Catchup-mode subscription over specs from fromCursor,
// applying each fact to projector in order, and returns the cursor of
// the last fact applied (nil if nothing new was found). It is the
// shared core of Fetch, Find, Update, and Locked's reload, grounded on
// DefaultFactus.catchupProjection.
func (e *Engine) catchup(ctx context.Context, projector *projection.Projector, specs []fact.Spec, fromCursor *fact.Cursor) (*fact.Cursor, error) {
	var last *fact.Cursor
	obs := &catchupObserver{onNext: func(ctx context.Context, f *fact.Fact) error {
		if err := projector.Apply(ctx, f); err != nil {
			return err
		}
		c := f.ID
		last = &c
		return nil
	}}

	sub, err := e.transport.Subscribe(ctx, transport.SubscribeRequest{
		Mode:       transport.Catchup,
		Specs:      specs,
		FromCursor: fromCursor,
	}, obs)
	if err != nil {
		return nil, wrapCatchupTimeout(err)
	}
	defer sub.Close()

	if err := sub.AwaitComplete(ctx); err != nil {
		return nil, wrapCatchupTimeout(err)
	}
	return last, nil
}

// wrapCatchupTimeout turns a bare context.DeadlineExceeded surfacing
// from a bounded catchup (Update's maxWait) into ErrCatchupTimeout, so
// callers can errors.Is it instead of matching on the context package
// directly. Other errors, including plain cancellation, pass through.
func wrapCatchupTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCatchupTimeout, err)
	}
	return err
}

type catchupObserver struct {
	onNext func(context.Context, *fact.Fact) error
}

func (o *catchupObserver) OnNext(ctx context.Context, f *fact.Fact) error { return o.onNext(ctx, f) }
func (*catchupObserver) OnCatchup()                                      {}
func (*catchupObserver) OnComplete()                                     {}
func (*catchupObserver) OnError(error)                                   {}

// addShutdownHook registers fn to run during Close, in LIFO order, the
// Go replacement for the reference implementation's
// Set<AutoCloseable> managedObjects drop-box (spec §9: "model as a list
// of typed shutdown hooks, serialized in LIFO order").
func (e *Engine) addShutdownHook(fn func() error) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// Close is idempotent: a second call logs a warning (matching the
// reference implementation's "close is being called more than once!?")
// rather than erroring, and runs every registered shutdown hook in LIFO
// order, collecting but not aborting on individual hook failures.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		e.logger.Warn("factrun: engine closed more than once")
		return nil
	}

	e.hookMu.Lock()
	hooks := e.hooks
	e.hooks = nil
	e.hookMu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](); err != nil {
			e.logger.Warn("factrun: shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	if err := e.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
