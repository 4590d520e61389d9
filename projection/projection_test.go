package projection_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpalmer/factrun/fact"
	"github.com/mpalmer/factrun/projection"
)

type accountBalance struct {
	projection.SnapshotBase
	Total int
}

type depositEvent struct {
	Amount int
}

func decodeDeposit(f *fact.Fact) (depositEvent, error) {
	var e depositEvent
	err := json.Unmarshal(f.Payload, &e)
	return e, err
}

func TestProjector_DispatchesExactVersion(t *testing.T) {
	proj := &accountBalance{}
	b := projection.NewBuilder()
	b.On(fact.Spec{Namespace: "billing", Type: "Deposited", VersionMin: 1},
		projection.Handler(decodeDeposit, func(_ context.Context, e depositEvent, _ *fact.Fact) error {
			proj.Total += e.Amount
			return nil
		}))
	p := b.Build()

	payload, _ := json.Marshal(depositEvent{Amount: 10})
	f := &fact.Fact{Namespace: "billing", Type: "Deposited", Version: 1, Payload: payload}

	require.NoError(t, p.Apply(context.Background(), f))
	assert.Equal(t, 10, proj.Total)
}

func TestProjector_ExactWinsOverRange(t *testing.T) {
	var got string
	b := projection.NewBuilder()
	b.On(fact.Spec{Namespace: "n", Type: "T", VersionMin: 1, VersionMax: 3},
		func(_ context.Context, _ *fact.Fact) error { got = "range"; return nil })
	b.On(fact.Spec{Namespace: "n", Type: "T", VersionMin: 2},
		func(_ context.Context, _ *fact.Fact) error { got = "exact"; return nil })
	p := b.Build()

	f := &fact.Fact{Namespace: "n", Type: "T", Version: 2}
	require.NoError(t, p.Apply(context.Background(), f))
	assert.Equal(t, "exact", got)
}

func TestProjector_UnhandledFact(t *testing.T) {
	p := projection.NewBuilder().Build()
	err := p.Apply(context.Background(), &fact.Fact{Namespace: "n", Type: "T"})
	assert.True(t, errors.Is(err, projection.ErrUnhandledFact))
}

func TestProjector_CreateFactSpecs(t *testing.T) {
	b := projection.NewBuilder()
	b.On(fact.Spec{Namespace: "a", Type: "X"}, func(context.Context, *fact.Fact) error { return nil })
	b.On(fact.Spec{Namespace: "b", Type: "Y"}, func(context.Context, *fact.Fact) error { return nil })
	p := b.Build()

	specs := p.CreateFactSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, "a", specs[0].Namespace)
	assert.Equal(t, "b", specs[1].Namespace)
}

type accountAggregate struct {
	projection.AggregateBase
	Balance int
}

func TestAggregateBase_IdentityRoundTrip(t *testing.T) {
	a := &accountAggregate{}
	id := uuid.New()
	a.SetAggregateID(id)
	assert.Equal(t, id, a.AggregateID())

	var _ projection.Aggregate = a
	var _ projection.Snapshot = a
}

type managedCounter struct {
	projection.ManagedBase
	Count int
}

func TestManagedBase_ExecuteUpdateSerializes(t *testing.T) {
	m := &managedCounter{}
	done := make(chan struct{})
	go func() {
		m.ExecuteUpdate(func() { m.Count++ })
		close(done)
	}()
	<-done
	m.ExecuteUpdate(func() { m.Count++ })
	assert.Equal(t, 2, m.Count)

	cursor := uuid.New()
	m.SetCursor(cursor)
	assert.Equal(t, cursor, m.Cursor())
}
