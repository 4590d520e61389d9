package factrun_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	factrun "github.com/mpalmer/factrun"
	"github.com/mpalmer/factrun/convert"
	"github.com/mpalmer/factrun/fact"
	"github.com/mpalmer/factrun/lock"
	"github.com/mpalmer/factrun/projection"
	"github.com/mpalmer/factrun/serialize"
	"github.com/mpalmer/factrun/snapshot/memcache"
	"github.com/mpalmer/factrun/transport"
	"github.com/mpalmer/factrun/transport/memory"
	"github.com/mpalmer/factrun/writetoken/memtoken"
)

type depositEvent struct {
	Amount int
	AggID  uuid.UUID `json:",omitempty"`
}

func (depositEvent) Namespace() string        { return "billing" }
func (depositEvent) EventType() string        { return "Deposited" }
func (depositEvent) Version() int             { return 1 }
func (e depositEvent) AggregateID() uuid.UUID { return e.AggID }

func decodeDeposit(f *fact.Fact) (depositEvent, error) {
	var e depositEvent
	err := json.Unmarshal(f.Payload, &e)
	return e, err
}

type balanceProjection struct {
	projection.SnapshotBase
	projection.ManagedBase
	Total int
}

func newBalanceProjection() (*balanceProjection, *projection.Projector) {
	p := &balanceProjection{}
	b := projection.NewBuilder()
	b.On(fact.Spec{Namespace: "billing", Type: "Deposited", VersionMin: 1},
		projection.Handler(decodeDeposit, func(_ context.Context, e depositEvent, _ *fact.Fact) error {
			p.Total += e.Amount
			return nil
		}))
	return p, b.Build()
}

type accountAggregate struct {
	projection.AggregateBase
	projection.ManagedBase
	Balance int
}

func newAccountAggregate(id uuid.UUID) (*accountAggregate, *projection.Projector) {
	a := &accountAggregate{}
	a.SetAggregateID(id)
	b := projection.NewBuilder()
	b.On(fact.Spec{Namespace: "billing", Type: "Deposited", VersionMin: 1},
		projection.Handler(decodeDeposit, func(_ context.Context, e depositEvent, _ *fact.Fact) error {
			a.Balance += e.Amount
			return nil
		}))
	return a, b.Build()
}

type followProjection struct {
	projection.ManagedBase
	Total int
}

func (*followProjection) TokenKey() string { return "followProjection" }

func newFollowProjection() (*followProjection, *projection.Projector) {
	p := &followProjection{}
	b := projection.NewBuilder()
	b.On(fact.Spec{Namespace: "billing", Type: "Deposited", VersionMin: 1},
		projection.Handler(decodeDeposit, func(_ context.Context, e depositEvent, _ *fact.Fact) error {
			p.Total += e.Amount
			return nil
		}))
	return p, b.Build()
}

func newTestEngine(client transport.Client) *factrun.Engine {
	reg := serialize.NewRegistry()
	conv := convert.New(serialize.JSONSerializer{})
	tokens := memtoken.New("test-holder")
	return factrun.New(factrun.DefaultConfig(), client, memcache.New(), reg, tokens, conv, nil, nil)
}

func TestEngine_Fetch_CatchesUpAndPersists(t *testing.T) {
	client := memory.New()
	ctx := context.Background()
	e := newTestEngine(client)
	defer e.Close()

	_, err := e.Publish(ctx, depositEvent{Amount: 10})
	require.NoError(t, err)

	proj, err := factrun.Fetch[*balanceProjection](ctx, e, newBalanceProjection)
	require.NoError(t, err)
	assert.Equal(t, 10, proj.Total)

	proj2, err := factrun.Fetch[*balanceProjection](ctx, e, newBalanceProjection)
	require.NoError(t, err)
	assert.Equal(t, 10, proj2.Total)
}

func TestEngine_Fetch_RejectsAggregateType(t *testing.T) {
	client := memory.New()
	ctx := context.Background()
	e := newTestEngine(client)
	defer e.Close()

	_, err := factrun.Fetch[*accountAggregate](ctx, e, func() (*accountAggregate, *projection.Projector) {
		return newAccountAggregate(uuid.New())
	})
	assert.ErrorIs(t, err, factrun.ErrAggregateMisuse)
}

func TestEngine_Find_ReturnsNotExistedWhenNothingPublished(t *testing.T) {
	client := memory.New()
	ctx := context.Background()
	e := newTestEngine(client)
	defer e.Close()

	_, existed, err := factrun.Find[*accountAggregate](ctx, e, uuid.New(), newAccountAggregate)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestEngine_Find_AdvancesAndPersistsSynchronously(t *testing.T) {
	client := memory.New()
	ctx := context.Background()
	e := newTestEngine(client)
	defer e.Close()

	id := uuid.New()
	_, err := e.Publish(ctx, depositEvent{Amount: 25, AggID: id})
	require.NoError(t, err)

	agg, existed, err := factrun.Find[*accountAggregate](ctx, e, id, newAccountAggregate)
	require.NoError(t, err)
	require.True(t, existed)
	assert.Equal(t, 25, agg.Balance)

	// A second Find must reload from the now-persisted snapshot and see
	// the same state without replaying the log (PutBlocking is
	// synchronous, so this is deterministic without an Eventually).
	agg2, existed2, err := factrun.Find[*accountAggregate](ctx, e, id, newAccountAggregate)
	require.NoError(t, err)
	require.True(t, existed2)
	assert.Equal(t, 25, agg2.Balance)
}

func TestEngine_Update_CatchesUpManagedProjection(t *testing.T) {
	client := memory.New()
	ctx := context.Background()
	e := newTestEngine(client)
	defer e.Close()

	proj, projector := newBalanceProjection()
	require.NoError(t, e.Update(ctx, proj, projector, time.Second))
	assert.Equal(t, 0, proj.Total)

	_, err := e.Publish(ctx, depositEvent{Amount: 5})
	require.NoError(t, err)

	require.NoError(t, e.Update(ctx, proj, projector, time.Second))
	assert.Equal(t, 5, proj.Total)
}

func TestEngine_Publish_RejectsNestedLock(t *testing.T) {
	client := memory.New()
	e := newTestEngine(client)
	defer e.Close()

	lockedCtx := lock.WithLocked(context.Background())
	_, err := e.Publish(lockedCtx, depositEvent{Amount: 1})
	assert.ErrorIs(t, err, lock.ErrNestedLock)
}

func TestEngine_Publish_RejectsAfterClose(t *testing.T) {
	client := memory.New()
	e := newTestEngine(client)
	require.NoError(t, e.Close())

	_, err := e.Publish(context.Background(), depositEvent{Amount: 1})
	assert.ErrorIs(t, err, factrun.ErrClosed)
}

func TestEngine_Close_IsIdempotent(t *testing.T) {
	client := memory.New()
	e := newTestEngine(client)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}

func TestEngine_Batch_PublishesAllAtOnce(t *testing.T) {
	client := memory.New()
	ctx := context.Background()
	e := newTestEngine(client)
	defer e.Close()

	facts, err := e.Batch().Add(depositEvent{Amount: 1}, depositEvent{Amount: 2}).Publish(ctx)
	require.NoError(t, err)
	assert.Len(t, facts, 2)
	assert.Len(t, client.Facts(), 2)
}

func TestEngine_SubscribeAndBlock_FollowsNewFacts(t *testing.T) {
	client := memory.New()
	ctx := context.Background()
	e := newTestEngine(client)
	defer e.Close()

	proj, projector := newFollowProjection()
	sub, err := e.SubscribeAndBlock(ctx, proj, projector)
	require.NoError(t, err)
	defer sub.Close()

	_, err = e.Publish(ctx, depositEvent{Amount: 7})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		proj.ExecuteUpdate(func() {})
		return proj.Total == 7
	}, time.Second, time.Millisecond)
}

func TestEngine_SubscribeAndBlock_SecondCallContendsToken(t *testing.T) {
	client := memory.New()
	ctx := context.Background()
	e := newTestEngine(client)
	defer e.Close()

	proj1, projector1 := newFollowProjection()
	sub1, err := e.SubscribeAndBlock(ctx, proj1, projector1)
	require.NoError(t, err)
	defer sub1.Close()

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	proj2, projector2 := newFollowProjection()
	_, err = e.SubscribeAndBlock(shortCtx, proj2, projector2)
	assert.Error(t, err)
}

func TestWithLockOnAggregate_PublishesUnderLock(t *testing.T) {
	client := memory.New()
	ctx := context.Background()
	e := newTestEngine(client)
	defer e.Close()

	id := uuid.New()
	locked, err := factrun.WithLockOnAggregate[*accountAggregate](ctx, e, id, newAccountAggregate)
	require.NoError(t, err)

	cursors, err := locked.Execute(ctx, func(_ context.Context, view *accountAggregate) ([]*fact.Fact, error) {
		f, err := e.ToFact(depositEvent{Amount: 3, AggID: id})
		if err != nil {
			return nil, err
		}
		return []*fact.Fact{f}, nil
	})
	require.NoError(t, err)
	assert.Len(t, cursors, 1)

	agg, existed, err := factrun.Find[*accountAggregate](ctx, e, id, newAccountAggregate)
	require.NoError(t, err)
	require.True(t, existed)
	assert.Equal(t, 3, agg.Balance)
}

func TestWithLockOnSnapshot_PublishesUnderLock(t *testing.T) {
	client := memory.New()
	ctx := context.Background()
	e := newTestEngine(client)
	defer e.Close()

	locked, err := factrun.WithLockOnSnapshot[*balanceProjection](ctx, e, newBalanceProjection)
	require.NoError(t, err)

	_, err = locked.Execute(ctx, func(_ context.Context, view *balanceProjection) ([]*fact.Fact, error) {
		f, err := e.ToFact(depositEvent{Amount: 9})
		if err != nil {
			return nil, err
		}
		return []*fact.Fact{f}, nil
	})
	require.NoError(t, err)

	proj, err := factrun.Fetch[*balanceProjection](ctx, e, newBalanceProjection)
	require.NoError(t, err)
	assert.Equal(t, 9, proj.Total)
}

func TestWithLockOnManaged_CatchesUpSameInstance(t *testing.T) {
	client := memory.New()
	ctx := context.Background()
	e := newTestEngine(client)
	defer e.Close()

	proj, projector := newBalanceProjection()
	locked := factrun.WithLockOnManaged(e, proj, projector)

	_, err := locked.Execute(ctx, func(_ context.Context, view *balanceProjection) ([]*fact.Fact, error) {
		f, err := e.ToFact(depositEvent{Amount: 4})
		if err != nil {
			return nil, err
		}
		return []*fact.Fact{f}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, proj.Total)
}
