// Package transport defines the wire-level publish/subscribe boundary
// the engine is built against. It is deliberately out of spec scope as
// a concrete protocol (§6): this package only fixes the shape, and
// transport/memory and transport/nats provide two implementations.
package transport

import (
	"context"
	"errors"

	"github.com/mpalmer/factrun/fact"
)

// ErrClosed is what transport/memory's Client returns from Publish and
// Subscribe after Close, and the error its live subscriptions end with
// when the Client is closed. transport/nats reports the NATS
// connection's own error instead.
var ErrClosed = errors.New("transport: closed")

// Mode selects how a Subscribe call delivers facts.
type Mode int

const (
	// Catchup delivers every fact matching Specs from FromCursor up to
	// the current head, then calls Observer.OnComplete and stops.
	Catchup Mode = iota
	// Follow delivers matching facts from FromCursor and keeps
	// delivering new ones indefinitely, never calling OnComplete on its
	// own.
	Follow
)

// SubscribeRequest describes what a subscription wants to see.
type SubscribeRequest struct {
	Mode       Mode
	Specs      []fact.Spec
	FromCursor *fact.Cursor
}

// Observer receives facts and lifecycle notifications from a
// subscription. All methods are called sequentially by the
// implementation; Observer need not be safe for concurrent use by
// more than one active subscription.
type Observer interface {
	// OnNext is called once per matching fact, in Position order.
	OnNext(ctx context.Context, f *fact.Fact) error
	// OnCatchup is called once a Catchup-mode subscription, or the
	// catchup phase of a Follow-mode one, reaches the current head.
	OnCatchup()
	// OnComplete is called when a Catchup subscription finishes. Follow
	// subscriptions never call it on their own; only Subscription.Close
	// ends them.
	OnComplete()
	// OnError is called when the subscription terminates abnormally.
	OnError(err error)
}

// Subscription is a live or completed subscribe call.
type Subscription interface {
	// AwaitComplete blocks until the subscription ends (OnComplete or
	// OnError has fired, or Close was called) or ctx is done.
	AwaitComplete(ctx context.Context) error
	// Close stops delivery and releases any held resources. Idempotent.
	Close() error
}

// Client is the out-of-scope wire transport the engine is built
// against (§6): publish a batch of facts, and subscribe to a filtered
// view of the log.
type Client interface {
	Publish(ctx context.Context, facts []*fact.Fact) error
	Subscribe(ctx context.Context, req SubscribeRequest, obs Observer) (Subscription, error)
	Close() error
}
