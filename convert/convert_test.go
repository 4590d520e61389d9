package convert_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpalmer/factrun/convert"
	"github.com/mpalmer/factrun/fact"
	"github.com/mpalmer/factrun/serialize"
)

type invoicePaid struct {
	InvoiceID string
	Amount    int
}

func (invoicePaid) Namespace() string { return "billing" }
func (invoicePaid) EventType() string { return "InvoicePaid" }
func (invoicePaid) Version() int      { return 1 }

type taggedEvent struct {
	invoicePaid
	aggID uuid.UUID
}

func (e taggedEvent) AggregateID() uuid.UUID { return e.aggID }

type headeredEvent struct {
	invoicePaid
}

func (headeredEvent) Headers() map[string]string { return map[string]string{"tenant": "acme"} }

type undeclaredEvent struct{}

func TestEventConverter_ToFact_Basic(t *testing.T) {
	c := convert.New(serialize.JSONSerializer{})
	f, err := c.ToFact(invoicePaid{InvoiceID: "inv-1", Amount: 500})
	require.NoError(t, err)

	assert.Equal(t, "billing", f.Namespace)
	assert.Equal(t, "InvoicePaid", f.Type)
	assert.Equal(t, 1, f.Version)
	assert.NotEmpty(t, f.Header[fact.HeaderTimestamp])
	assert.Nil(t, f.AggregateID)

	var decoded invoicePaid
	require.NoError(t, json.Unmarshal(f.Payload, &decoded))
	assert.Equal(t, "inv-1", decoded.InvoiceID)
}

func TestEventConverter_ToFact_AggregateTagged(t *testing.T) {
	c := convert.New(serialize.JSONSerializer{})
	id := uuid.New()
	f, err := c.ToFact(taggedEvent{aggID: id})
	require.NoError(t, err)
	require.NotNil(t, f.AggregateID)
	assert.Equal(t, id, *f.AggregateID)
}

func TestEventConverter_ToFact_HeaderedEvent(t *testing.T) {
	c := convert.New(serialize.JSONSerializer{})
	f, err := c.ToFact(headeredEvent{})
	require.NoError(t, err)
	assert.Equal(t, "acme", f.Header["tenant"])
	assert.NotEmpty(t, f.Header[fact.HeaderTimestamp])
}

func TestEventConverter_ToFact_RejectsUndeclared(t *testing.T) {
	c := convert.New(serialize.JSONSerializer{})
	_, err := c.ToFact(undeclaredEvent{})
	assert.Error(t, err)
}

type incompleteEvent struct{}

func (incompleteEvent) Namespace() string { return "" }
func (incompleteEvent) EventType() string { return "" }
func (incompleteEvent) Version() int      { return 1 }

func TestEventConverter_ToFact_RejectsIncompleteDeclaration(t *testing.T) {
	c := convert.New(serialize.JSONSerializer{})
	_, err := c.ToFact(incompleteEvent{})
	assert.ErrorIs(t, err, convert.ErrIncompleteDeclaration)
}
