// Package nats is a JetStream-backed transport.Client, grounded on the
// teacher's own pkg/nats event bus: one stream per deployment, one
// subject per (namespace, type), nats.MsgId for publish dedup. It adds
// a small cursor index so FromCursor — a fact ID — can be translated
// into the stream sequence JetStream actually subscribes from.
package nats

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mpalmer/factrun/fact"
	"github.com/mpalmer/factrun/transport"
)

// Config configures the JetStream stream backing a Client.
type Config struct {
	URL            string
	StreamName     string
	StreamSubjects []string
	MaxAge         time.Duration
	MaxBytes       int64
}

// DefaultConfig mirrors the teacher's event bus defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		StreamName:     "FACTS",
		StreamSubjects: []string{"facts.>"},
		MaxAge:         7 * 24 * time.Hour,
		MaxBytes:       1024 * 1024 * 1024,
	}
}

const cursorBucket = "FACT_CURSORS"

// Client is a transport.Client backed by a JetStream stream plus a KV
// bucket mapping fact IDs to stream sequence numbers.
type Client struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	cursors    nats.KeyValue
	streamName string

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewClient connects to config.URL and ensures the stream and cursor
// bucket exist.
func NewClient(config Config) (*Client, error) {
	nc, err := nats.Connect(config.URL)
	if err != nil {
		return nil, fmt.Errorf("transport/nats: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport/nats: jetstream context: %w", err)
	}

	c := &Client{nc: nc, js: js, streamName: config.StreamName, subs: make(map[*subscription]struct{})}
	if err := c.ensureStream(config); err != nil {
		nc.Close()
		return nil, err
	}
	if err := c.ensureCursorBucket(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureStream(config Config) error {
	streamConfig := &nats.StreamConfig{
		Name:      config.StreamName,
		Subjects:  config.StreamSubjects,
		Retention: nats.LimitsPolicy,
		MaxAge:    config.MaxAge,
		MaxBytes:  config.MaxBytes,
		Storage:   nats.FileStorage,
	}
	if _, err := c.js.StreamInfo(config.StreamName); err != nil {
		if _, err := c.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("transport/nats: create stream: %w", err)
		}
		return nil
	}
	if _, err := c.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("transport/nats: update stream: %w", err)
	}
	return nil
}

func (c *Client) ensureCursorBucket() error {
	kv, err := c.js.KeyValue(cursorBucket)
	if err == nil {
		c.cursors = kv
		return nil
	}
	kv, err = c.js.CreateKeyValue(&nats.KeyValueConfig{Bucket: cursorBucket})
	if err != nil {
		return fmt.Errorf("transport/nats: create cursor bucket: %w", err)
	}
	c.cursors = kv
	return nil
}

func buildSubject(namespace, factType string) string {
	return fmt.Sprintf("facts.%s.%s", namespace, factType)
}

// subjectForSpecs narrows to a single wildcard subject when every spec
// shares a namespace (and, ideally, a type); otherwise it falls back to
// the whole stream and relies on client-side filtering, exactly as the
// teacher's buildSubject does for filters it can't narrow.
func subjectForSpecs(specs []fact.Spec) string {
	if len(specs) == 0 {
		return "facts.>"
	}
	ns := specs[0].Namespace
	sameNamespace := ns != ""
	for _, s := range specs[1:] {
		if s.Namespace != ns {
			sameNamespace = false
			break
		}
	}
	if !sameNamespace {
		return "facts.>"
	}
	if len(specs) == 1 && specs[0].Type != "" {
		return buildSubject(ns, specs[0].Type)
	}
	return fmt.Sprintf("facts.%s.>", ns)
}

// Publish encodes each fact as JSON and publishes it to its namespace/
// type subject, recording a fact-ID -> sequence mapping so later
// Subscribe calls can resume FromCursor.
func (c *Client) Publish(ctx context.Context, facts []*fact.Fact) error {
	for _, f := range facts {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("transport/nats: encode fact %s: %w", f.ID, err)
		}
		subject := buildSubject(f.Namespace, f.Type)
		ack, err := c.js.Publish(subject, data, nats.MsgId(f.ID.String()), nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("transport/nats: publish fact %s: %w", f.ID, err)
		}
		seq := make([]byte, 8)
		binary.BigEndian.PutUint64(seq, ack.Sequence)
		if _, err := c.cursors.Put(f.ID.String(), seq); err != nil {
			return fmt.Errorf("transport/nats: record cursor for fact %s: %w", f.ID, err)
		}
	}
	return nil
}

func (c *Client) startSequence(cursor *fact.Cursor) (uint64, error) {
	if cursor == nil || *cursor == (fact.Cursor{}) {
		return 0, nil
	}
	entry, err := c.cursors.Get(cursor.String())
	if err != nil {
		return 0, fmt.Errorf("transport/nats: resolve cursor %s: %w", cursor, err)
	}
	return binary.BigEndian.Uint64(entry.Value()) + 1, nil
}

// Subscribe starts an ordered JetStream consumer over the subject
// implied by req.Specs, beginning at req.FromCursor (or the start of
// the stream). Facts that slip through the subject-level filter
// (ambiguous spec sets fall back to the whole stream) are re-checked
// client-side against req.Specs before being handed to obs.
func (c *Client) Subscribe(ctx context.Context, req transport.SubscribeRequest, obs transport.Observer) (transport.Subscription, error) {
	startSeq, err := c.startSequence(req.FromCursor)
	if err != nil {
		return nil, err
	}

	sub := &subscription{client: c, obs: obs, mode: req.Mode, specs: req.Specs, done: make(chan struct{})}

	opts := []nats.SubOpt{nats.OrderedConsumer()}
	if startSeq > 0 {
		opts = append(opts, nats.StartSequence(startSeq))
	} else {
		opts = append(opts, nats.DeliverAll())
	}

	natsSub, err := c.js.Subscribe(subjectForSpecs(req.Specs), func(msg *nats.Msg) {
		sub.handle(ctx, msg)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport/nats: subscribe: %w", err)
	}
	sub.natsSub = natsSub

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	// A consumer that starts with nothing pending never invokes handle,
	// so a Catchup subscription over a namespace with no matching facts
	// yet (or none at all) would otherwise never reach OnCatchup/
	// OnComplete and AwaitComplete would block forever.
	if info, err := natsSub.ConsumerInfo(); err == nil && info.NumPending == 0 {
		sub.catchupOnce.Do(sub.obs.OnCatchup)
		if sub.mode == transport.Catchup {
			sub.obs.OnComplete()
			sub.terminate(nil)
		}
	}

	return sub, nil
}

// Close unsubscribes every live subscription and closes the
// connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		_ = sub.natsSub.Unsubscribe()
	}
	c.nc.Close()
	return nil
}

type subscription struct {
	client  *Client
	obs     transport.Observer
	mode    transport.Mode
	specs   []fact.Spec
	natsSub *nats.Subscription

	catchupOnce sync.Once
	closeOnce   sync.Once
	done        chan struct{}
	err         error
}

func (s *subscription) handle(ctx context.Context, msg *nats.Msg) {
	var f fact.Fact
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		s.terminate(fmt.Errorf("transport/nats: decode fact: %w", err))
		return
	}
	meta, err := msg.Metadata()
	if err == nil {
		f.Position = int64(meta.Sequence.Stream)
	}
	if fact.MatchesAny(s.specs, &f) {
		if err := s.obs.OnNext(ctx, &f); err != nil {
			s.terminate(err)
			return
		}
	}

	if err == nil && meta.NumPending == 0 {
		s.catchupOnce.Do(s.obs.OnCatchup)
		if s.mode == transport.Catchup {
			s.obs.OnComplete()
			s.terminate(nil)
		}
	}
}

func (s *subscription) terminate(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		if err != nil {
			s.obs.OnError(err)
		}
		_ = s.natsSub.Unsubscribe()
		s.client.mu.Lock()
		delete(s.client.subs, s)
		s.client.mu.Unlock()
		close(s.done)
	})
}

// AwaitComplete blocks until the subscription reaches OnComplete/
// OnError, or ctx is done.
func (s *subscription) AwaitComplete(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops this subscription's delivery.
func (s *subscription) Close() error {
	s.terminate(nil)
	return nil
}
