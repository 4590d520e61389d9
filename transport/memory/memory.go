// Package memory is a deterministic, in-process transport.Client used
// by unit tests and by the Locking Coordinator's own tests to simulate
// concurrent publish conflicts without a real broker.
package memory

import (
	"context"
	"sync"

	"github.com/mpalmer/factrun/fact"
	"github.com/mpalmer/factrun/transport"
)

// Client stores every published fact in an ordered slice and serves
// Subscribe calls by replaying from FromCursor, then optionally
// streaming new facts as they're published.
type Client struct {
	mu      sync.Mutex
	facts   []*fact.Fact
	nextPos int64
	subs    map[*subscription]struct{}
	closed  bool
}

// New creates an empty Client.
func New() *Client {
	return &Client{subs: make(map[*subscription]struct{})}
}

// Publish appends facts, assigning each one a strictly increasing
// Position, and fans them out to every live Follow subscription.
func (c *Client) Publish(_ context.Context, facts []*fact.Fact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	for _, f := range facts {
		c.nextPos++
		f.Position = c.nextPos
		c.facts = append(c.facts, f)
	}
	for sub := range c.subs {
		sub.notify(facts)
	}
	return nil
}

// Facts returns a snapshot of every fact published so far, for test
// assertions.
func (c *Client) Facts() []*fact.Fact {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*fact.Fact, len(c.facts))
	copy(out, c.facts)
	return out
}

// Subscribe replays matching facts from req.FromCursor (nil means "from
// the beginning"), then either completes (Catchup) or keeps streaming
// newly published facts (Follow).
func (c *Client) Subscribe(ctx context.Context, req transport.SubscribeRequest, obs transport.Observer) (transport.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}

	sub := &subscription{
		client:   c,
		obs:      obs,
		incoming: make(chan *fact.Fact, 256),
		done:     make(chan struct{}),
	}

	start := 0
	if req.FromCursor != nil {
		for i, f := range c.facts {
			if f.ID == *req.FromCursor {
				start = i + 1
				break
			}
		}
	}
	backlog := make([]*fact.Fact, 0, len(c.facts)-start)
	for _, f := range c.facts[start:] {
		if fact.MatchesAny(req.Specs, f) {
			backlog = append(backlog, f)
		}
	}

	if req.Mode == transport.Follow {
		sub.specs = req.Specs
		c.subs[sub] = struct{}{}
	}
	c.mu.Unlock()

	go sub.run(ctx, req.Mode, backlog)
	return sub, nil
}

// Close stops accepting publishes and terminates every live
// subscription with transport.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for sub := range c.subs {
		sub.terminate(transport.ErrClosed)
	}
	return nil
}

type subscription struct {
	client   *Client
	obs      transport.Observer
	specs    []fact.Spec
	incoming chan *fact.Fact

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func (s *subscription) notify(facts []*fact.Fact) {
	for _, f := range facts {
		if fact.MatchesAny(s.specs, f) {
			select {
			case s.incoming <- f:
			default:
			}
		}
	}
}

func (s *subscription) run(ctx context.Context, mode transport.Mode, backlog []*fact.Fact) {
	for _, f := range backlog {
		if err := s.obs.OnNext(ctx, f); err != nil {
			s.terminate(err)
			return
		}
	}
	s.obs.OnCatchup()

	if mode == transport.Catchup {
		s.obs.OnComplete()
		s.terminate(nil)
		return
	}

	for {
		select {
		case f := <-s.incoming:
			if err := s.obs.OnNext(ctx, f); err != nil {
				s.terminate(err)
				return
			}
		case <-ctx.Done():
			s.terminate(ctx.Err())
			return
		case <-s.done:
			return
		}
	}
}

func (s *subscription) terminate(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		if err != nil {
			s.obs.OnError(err)
		}
		close(s.done)
	})
}

// AwaitComplete blocks until the subscription finishes or ctx is done.
func (s *subscription) AwaitComplete(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops delivery to this subscription.
func (s *subscription) Close() error {
	s.client.mu.Lock()
	delete(s.client.subs, s)
	s.client.mu.Unlock()
	s.terminate(nil)
	return nil
}
