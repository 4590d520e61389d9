// Package serialize provides the pluggable payload/snapshot encoding the
// engine uses whenever it has to turn projection state into bytes and
// back. The default is plain JSON over exported fields, matching the
// factcast reference implementation's DefaultSnapshotSerializer; CBOR and
// zstd-compressed variants are available for projections that want a
// smaller on-disk footprint.
package serialize

import (
	"encoding/json"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Serializer turns a value into bytes and back.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
	IncludesCompression() bool
}

// JSONSerializer is the default: structured-text encoding over the
// public fields of v, no compression.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONSerializer) Deserialize(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONSerializer) IncludesCompression() bool { return false }

// CBORSerializer is a binary alternative to JSONSerializer for
// projections that want a more compact, schema-free encoding.
type CBORSerializer struct{}

func (CBORSerializer) Serialize(v any) ([]byte, error) { return cbor.Marshal(v) }

func (CBORSerializer) Deserialize(data []byte, v any) error { return cbor.Unmarshal(data, v) }

func (CBORSerializer) IncludesCompression() bool { return false }

// compressed wraps an inner Serializer with zstd compression.
type compressed struct {
	inner Serializer

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
}

// Compressed wraps inner so its serialized bytes are zstd-compressed.
// This is the concrete implementation behind Snapshot.Compressed: the
// repositories ask IncludesCompression() and persist the flag verbatim,
// they never inspect the bytes themselves.
func Compressed(inner Serializer) Serializer {
	return &compressed{inner: inner}
}

func (c *compressed) encoder() (*zstd.Encoder, error) {
	c.encOnce.Do(func() {
		c.enc, c.encErr = zstd.NewWriter(nil)
	})
	return c.enc, c.encErr
}

func (c *compressed) decoder() (*zstd.Decoder, error) {
	c.decOnce.Do(func() {
		c.dec, c.decErr = zstd.NewReader(nil)
	})
	return c.dec, c.decErr
}

func (c *compressed) Serialize(v any) ([]byte, error) {
	raw, err := c.inner.Serialize(v)
	if err != nil {
		return nil, err
	}
	enc, err := c.encoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(raw, nil), nil
}

func (c *compressed) Deserialize(data []byte, v any) error {
	dec, err := c.decoder()
	if err != nil {
		return err
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return err
	}
	return c.inner.Deserialize(raw, v)
}

func (c *compressed) IncludesCompression() bool { return true }

// Registry maps a projection's class identity to the Serializer used to
// persist its snapshots. Classes not explicitly registered fall back to
// JSONSerializer, the same default the factcast reference implementation
// uses.
type Registry struct {
	mu      sync.RWMutex
	byClass map[string]Serializer
}

// NewRegistry creates an empty registry; For returns JSONSerializer{}
// for any class that hasn't been registered.
func NewRegistry() *Registry {
	return &Registry{byClass: make(map[string]Serializer)}
}

// Register associates classID with s. Subsequent calls overwrite.
func (r *Registry) Register(classID string, s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byClass[classID] = s
}

// For returns the serializer registered for classID, or JSONSerializer{}.
func (r *Registry) For(classID string) Serializer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byClass[classID]; ok {
		return s
	}
	return JSONSerializer{}
}
