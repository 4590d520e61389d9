// Package convert turns application event values into transport-ready
// facts. It is the sole place event-to-fact encoding happens, kept pure
// and stateless as required by spec §4.1.
package convert

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"

	"github.com/mpalmer/factrun/fact"
	"github.com/mpalmer/factrun/serialize"
)

// ErrIncompleteDeclaration is returned when an event's declared
// namespace or type is empty.
var ErrIncompleteDeclaration = errors.New("convert: incomplete event declaration")

// Declared is the interface application events implement in place of
// the reflected annotations the factcast reference implementation reads
// at runtime (see SPEC_FULL.md's note on the reflection-based
// construction redesign flag).
type Declared interface {
	Namespace() string
	EventType() string
	Version() int
}

// AggregateTagged is implemented by events that belong to a specific
// aggregate instance; when present, the resulting fact carries an
// AggregateID so aggregate-scoped FactSpecs can match it.
type AggregateTagged interface {
	AggregateID() uuid.UUID
}

// HeaderedEvent lets an event contribute extra metadata headers beyond
// the ones EventConverter sets itself.
type HeaderedEvent interface {
	Headers() map[string]string
}

// EventConverter encodes application events into facts.
type EventConverter struct {
	payload serialize.Serializer
	now     func() time.Time
}

// New creates an EventConverter. payload is used to encode events that
// are not a proto.Message; protobuf events are always marshaled with
// proto.Marshal regardless of this setting, matching the teacher's own
// aggregate event path (AggregateRoot.ApplyChangeWithConstraints).
func New(payload serialize.Serializer) *EventConverter {
	if payload == nil {
		payload = serialize.JSONSerializer{}
	}
	return &EventConverter{payload: payload, now: time.Now}
}

// ToFact converts event into a fact ready for Engine.Publish. It fails
// with ErrIncompleteDeclaration if the event's declaration is missing a
// namespace or type, or wraps the underlying encoding error otherwise.
func (c *EventConverter) ToFact(event any) (*fact.Fact, error) {
	d, ok := event.(Declared)
	if !ok {
		return nil, fmt.Errorf("convert: %T does not implement convert.Declared", event)
	}
	if d.Namespace() == "" || d.EventType() == "" {
		return nil, ErrIncompleteDeclaration
	}

	var data []byte
	var err error
	if msg, ok := event.(proto.Message); ok {
		data, err = proto.Marshal(msg)
	} else {
		data, err = c.payload.Serialize(event)
	}
	if err != nil {
		return nil, fmt.Errorf("convert: encode payload: %w", err)
	}

	header := map[string]string{
		fact.HeaderTimestamp: fmt.Sprintf("%d", c.now().UnixMilli()),
	}
	if h, ok := event.(HeaderedEvent); ok {
		for k, v := range h.Headers() {
			header[k] = v
		}
	}

	f := &fact.Fact{
		ID:        uuid.New(),
		Namespace: d.Namespace(),
		Type:      d.EventType(),
		Version:   d.Version(),
		Header:    header,
		Payload:   data,
		Timestamp: c.now(),
	}
	if at, ok := event.(AggregateTagged); ok {
		id := at.AggregateID()
		f.AggregateID = &id
	}
	return f, nil
}
