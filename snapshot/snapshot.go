// Package snapshot implements the two snapshot repositories described in
// spec §4.3: a versioned binary cache for projection-wide and
// aggregate-by-id state, sitting on top of a pluggable key/value Cache.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mpalmer/factrun/fact"
	"github.com/mpalmer/factrun/projection"
	"github.com/mpalmer/factrun/serialize"
)

// ErrNotFound is returned by Cache.Get when no snapshot exists for key.
var ErrNotFound = errors.New("snapshot: not found")

// ErrIOFailure wraps a cache backend failure (spec §7 SnapshotIOError).
type ErrIOFailure struct {
	Op  string
	Err error
}

func (e *ErrIOFailure) Error() string { return fmt.Sprintf("snapshot: %s: %v", e.Op, e.Err) }
func (e *ErrIOFailure) Unwrap() error { return e.Err }

// Snapshot is a serialized projection state pinned to a specific cursor.
type Snapshot struct {
	Key        string
	LastFact   fact.Cursor
	Bytes      []byte
	Compressed bool
}

// Cache is the out-of-scope blob store of spec §6: a key/value cache
// with get/set/delete over opaque byte payloads.
type Cache interface {
	Get(ctx context.Context, key string) (*Snapshot, error)
	Set(ctx context.Context, snap *Snapshot) error
	Delete(ctx context.Context, key string) error
}

// Key derives the stable, injective key format specified in §6:
// "<classID>:<schemaVersion>", with ":<aggregateID>" appended for
// aggregates.
func Key(classID string, schemaVersion int, aggregateID *uuid.UUID) string {
	k := fmt.Sprintf("%s:%d", classID, schemaVersion)
	if aggregateID != nil {
		k += ":" + aggregateID.String()
	}
	return k
}

// SchemaVersion reads the declared schema version off v, defaulting to
// 0 when v doesn't implement projection.Versioned.
func SchemaVersion(v any) int {
	if vv, ok := v.(projection.Versioned); ok {
		return vv.SchemaVersion()
	}
	return 0
}

// ProjectionRepository persists and retrieves SnapshotProjection state,
// keyed purely by class identity.
type ProjectionRepository struct {
	cache  Cache
	reg    *serialize.Registry
	logger *slog.Logger
}

// NewProjectionRepository creates a repository backed by cache, using
// reg to pick a Serializer per class (falling back to JSON).
func NewProjectionRepository(cache Cache, reg *serialize.Registry, logger *slog.Logger) *ProjectionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectionRepository{cache: cache, reg: reg, logger: logger}
}

// FindLatest looks up the most recent snapshot for classID. A cache
// read failure is treated as a miss (spec §7): it is logged and nil,
// nil is returned rather than propagating the error.
func (r *ProjectionRepository) FindLatest(ctx context.Context, classID string, schemaVersion int) (*Snapshot, error) {
	key := Key(classID, schemaVersion, nil)
	snap, err := r.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		r.logger.Warn("snapshot read failed, treating as miss", "key", key, "error", err)
		return nil, nil
	}
	return snap, nil
}

// Put asynchronously serializes proj with reg's serializer for classID
// and writes it to the cache. Failures are logged and discarded; they
// must never corrupt the in-memory projection (spec §4.3).
func (r *ProjectionRepository) Put(classID string, proj projection.Snapshot, cursor fact.Cursor) {
	go r.put(context.Background(), classID, proj, cursor)
}

func (r *ProjectionRepository) put(ctx context.Context, classID string, proj projection.Snapshot, cursor fact.Cursor) {
	ser := r.reg.For(classID)
	data, err := ser.Serialize(proj)
	if err != nil {
		r.logger.Warn("snapshot serialize failed", "class", classID, "error", err)
		return
	}
	snap := &Snapshot{
		Key:        Key(classID, SchemaVersion(proj), nil),
		LastFact:   cursor,
		Bytes:      data,
		Compressed: ser.IncludesCompression(),
	}
	if err := r.cache.Set(ctx, snap); err != nil {
		r.logger.Warn("snapshot write failed", "class", classID, "error", err)
	}
}

// Deserialize decodes data into a zero value of the type pointed to by
// out, using reg's serializer for classID.
func (r *ProjectionRepository) Deserialize(classID string, data []byte, out any) error {
	return r.reg.For(classID).Deserialize(data, out)
}

// AggregateRepository persists and retrieves Aggregate state, keyed by
// (class identity, aggregate id).
type AggregateRepository struct {
	cache  Cache
	reg    *serialize.Registry
	logger *slog.Logger
}

// NewAggregateRepository creates a repository backed by cache.
func NewAggregateRepository(cache Cache, reg *serialize.Registry, logger *slog.Logger) *AggregateRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &AggregateRepository{cache: cache, reg: reg, logger: logger}
}

// FindLatest looks up the most recent snapshot for (classID, aggregateID).
func (r *AggregateRepository) FindLatest(ctx context.Context, classID string, schemaVersion int, aggregateID uuid.UUID) (*Snapshot, error) {
	key := Key(classID, schemaVersion, &aggregateID)
	snap, err := r.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		r.logger.Warn("snapshot read failed, treating as miss", "key", key, "error", err)
		return nil, nil
	}
	return snap, nil
}

// Put is the async, fire-and-forget variant.
func (r *AggregateRepository) Put(classID string, agg projection.Aggregate, cursor fact.Cursor) {
	go func() {
		if err := r.putBlocking(context.Background(), classID, agg, cursor); err != nil {
			r.logger.Warn("snapshot write failed", "class", classID, "error", err)
		}
	}()
}

// PutBlocking is the synchronous variant used by factrun.Find, whose
// caller is expected to act on the returned state immediately (spec
// §4.6). Both variants are preserved per the Open Question in spec §9.
func (r *AggregateRepository) PutBlocking(ctx context.Context, classID string, agg projection.Aggregate, cursor fact.Cursor) error {
	return r.putBlocking(ctx, classID, agg, cursor)
}

func (r *AggregateRepository) putBlocking(ctx context.Context, classID string, agg projection.Aggregate, cursor fact.Cursor) error {
	ser := r.reg.For(classID)
	data, err := ser.Serialize(agg)
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}
	id := agg.AggregateID()
	snap := &Snapshot{
		Key:        Key(classID, SchemaVersion(agg), &id),
		LastFact:   cursor,
		Bytes:      data,
		Compressed: ser.IncludesCompression(),
	}
	return r.cache.Set(ctx, snap)
}

// Deserialize decodes data into out, using reg's serializer for classID.
func (r *AggregateRepository) Deserialize(classID string, data []byte, out any) error {
	return r.reg.For(classID).Deserialize(data, out)
}
