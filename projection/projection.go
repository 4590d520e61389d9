// Package projection defines the capability interfaces application-
// defined projections implement, and the Projector that dispatches
// facts into them.
//
// Go has no reflected-annotation story the way the factcast reference
// implementation does (handler methods tagged by (namespace, type,
// version) and discovered by introspection). This package replaces that
// with an explicit Builder: applications register one typed handler per
// event shape, and the Builder precomputes the same dispatch table the
// reference implementation builds reflectively at class-load time.
package projection

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/mpalmer/factrun/fact"
)

// ErrUnhandledFact is returned by Projector.Apply when no registered
// handler matches the fact. Callers treat this as fatal for the
// projection (spec §4.2).
var ErrUnhandledFact = errors.New("projection: no handler for fact")

// Snapshot is the marker interface for a serializable, value-type
// projection keyed by class identity alone (spec §3, SnapshotProjection).
type Snapshot interface {
	// isSnapshotProjection distinguishes Snapshot from arbitrary types; it
	// has no behavior of its own.
	isSnapshotProjection()
}

// SnapshotBase is embedded by applications to satisfy Snapshot.
type SnapshotBase struct{}

func (SnapshotBase) isSnapshotProjection() {}

// Versioned is an optional interface a projection implements to declare
// its schema version; absent or zero-valued types get schema version 0.
type Versioned interface {
	SchemaVersion() int
}

// Aggregate is a Snapshot additionally tagged with a business-domain
// identifier (spec §3). SetAggregateID is the compile-time substitute
// for the reference implementation's reflective ID injection after
// construction.
type Aggregate interface {
	Snapshot
	AggregateID() uuid.UUID
	SetAggregateID(uuid.UUID)
	// isAggregateProjection distinguishes Aggregate from a plain
	// Snapshot, so factrun.Find only compiles with aggregate types.
	// factrun.Fetch still compiles with an Aggregate (it satisfies
	// Snapshot too) and rejects it at runtime, by its AggregateID method,
	// with factrun.ErrAggregateMisuse.
	isAggregateProjection()
}

// AggregateBase is embedded by aggregate projections.
type AggregateBase struct {
	SnapshotBase
	id uuid.UUID
}

func (a *AggregateBase) AggregateID() uuid.UUID     { return a.id }
func (a *AggregateBase) SetAggregateID(id uuid.UUID) { a.id = id }
func (*AggregateBase) isAggregateProjection()        {}

// Managed is a projection whose storage the caller manages; it exposes
// the cursor of the last fact applied and an intra-process critical
// section used by the Projector and Subscription Driver (spec §3
// ManagedProjection, §5 executeUpdate).
type Managed interface {
	Cursor() fact.Cursor
	SetCursor(fact.Cursor)
	ExecuteUpdate(func())
}

// ManagedBase is an embeddable default implementation of Managed,
// serializing mutation with a mutex the way the reference
// implementation's ManagedProjection does internally.
type ManagedBase struct {
	mu sync.Mutex
	// cursorMu guards cursor separately from mu, so Cursor and SetCursor
	// can be called from inside ExecuteUpdate's fn.
	cursorMu sync.Mutex
	cursor   fact.Cursor
}

func (m *ManagedBase) Cursor() fact.Cursor { m.cursorMu.Lock(); defer m.cursorMu.Unlock(); return m.cursor }

func (m *ManagedBase) SetCursor(c fact.Cursor) { m.cursorMu.Lock(); defer m.cursorMu.Unlock(); m.cursor = c }

// ExecuteUpdate runs fn holding the projection's write lock, guaranteeing
// fact application is never concurrent nor interleaved across callers.
func (m *ManagedBase) ExecuteUpdate(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// Subscribed is a Managed projection that additionally participates in
// cross-process single-writer leadership via a write token (spec §3
// SubscribedProjection). The token acquisition itself is modeled by
// package writetoken; Subscribed only needs to report its key.
type Subscribed interface {
	Managed
	// TokenKey identifies the write-token lease this projection
	// contends for; typically the projection's class identity.
	TokenKey() string
}

// LifecycleHooks are optional callbacks a projection can implement to
// observe subscription lifecycle events; all are no-ops if absent.
type LifecycleHooks interface {
	OnCatchup()
	OnComplete()
	OnError(err error)
}

// handlerEntry is one registered (spec, handler) pair.
type handlerEntry struct {
	spec    fact.Spec
	handler func(ctx context.Context, f *fact.Fact) error
}

// Builder provides a fluent API for declaring the facts a projection
// cares about and how to apply each one, replacing reflective handler
// discovery with explicit registration.
type Builder struct {
	entries []handlerEntry
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// On registers handler for facts matching spec. Handler is called with
// the raw fact; applications that want the deserialized event typically
// wrap On with a small per-event-type helper that deserializes the
// payload before delegating (see the generic Handler helper below).
func (b *Builder) On(spec fact.Spec, handler func(ctx context.Context, f *fact.Fact) error) *Builder {
	b.entries = append(b.entries, handlerEntry{spec: spec, handler: handler})
	return b
}

// Build finalizes the dispatch table into a Projector.
func (b *Builder) Build() *Projector {
	entries := make([]handlerEntry, len(b.entries))
	copy(entries, b.entries)
	return &Projector{entries: entries}
}

// Projector dispatches facts to the handler declared for their
// (namespace, type, version); exact-version handlers win over a
// version-range handler for the same namespace/type, per spec §4.2.
type Projector struct {
	entries []handlerEntry
}

// CreateFactSpecs returns the set of fact filters this projector wants.
// The set is finite and order-irrelevant, as required by spec §4.2.
func (p *Projector) CreateFactSpecs() []fact.Spec {
	specs := make([]fact.Spec, len(p.entries))
	for i, e := range p.entries {
		specs[i] = e.spec
	}
	return specs
}

// Apply dispatches f to the matching handler. It returns
// ErrUnhandledFact if nothing matches.
func (p *Projector) Apply(ctx context.Context, f *fact.Fact) error {
	var rangeMatch *handlerEntry
	for i := range p.entries {
		e := &p.entries[i]
		if !e.spec.Matches(f) {
			continue
		}
		if e.spec.Exact() {
			return e.handler(ctx, f)
		}
		if rangeMatch == nil {
			rangeMatch = e
		}
	}
	if rangeMatch != nil {
		return rangeMatch.handler(ctx, f)
	}
	return ErrUnhandledFact
}

// Handler adapts a typed event handler into the raw (ctx, *fact.Fact)
// shape On expects, deserializing the fact's payload with decode before
// calling fn. This collapses the three dispatch shapes of spec §4.2
// ("raw fact, deserialized event, or both plus metadata") into a single
// generic helper instead of reflecting on handler signatures.
func Handler[E any](decode func(f *fact.Fact) (E, error), fn func(ctx context.Context, event E, f *fact.Fact) error) func(context.Context, *fact.Fact) error {
	return func(ctx context.Context, f *fact.Fact) error {
		event, err := decode(f)
		if err != nil {
			return err
		}
		return fn(ctx, event, f)
	}
}
