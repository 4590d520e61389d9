// Package natskv implements writetoken.Provider on a JetStream KV
// bucket. Acquisition uses kv.Create, which JetStream rejects if a live
// key already exists; renewal and theft of an expired lease use
// kv.Update with the last-seen revision, the same optimistic
// compare-and-swap idiom the fact log itself uses for conditional
// publish (spec §4.5 step 3). The lease payload is a signed JWT so a
// holder can check its own expiry locally, without a KV round trip,
// between renewals.
package natskv

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nats.go"

	"github.com/mpalmer/factrun/writetoken"
)

type leaseClaims struct {
	Key    string `json:"key"`
	Holder string `json:"holder"`
	jwt.RegisteredClaims
}

// Provider is a writetoken.Provider backed by a JetStream KV bucket.
type Provider struct {
	kv     nats.KeyValue
	secret []byte
	holder string

	mu        sync.Mutex
	revisions map[string]uint64 // lease token -> last-seen KV revision
}

// New wraps an existing JetStream KV bucket. secret signs and verifies
// lease JWTs; holder identifies this process in acquired leases.
func New(kv nats.KeyValue, secret []byte, holder string) *Provider {
	return &Provider{kv: kv, secret: secret, holder: holder, revisions: make(map[string]uint64)}
}

// Bucket is the conventional bucket name for write-token leases.
const Bucket = "WRITE_TOKENS"

// EnsureBucket creates Bucket on js if it doesn't already exist, and
// wraps it in a Provider.
func EnsureBucket(js nats.JetStreamContext, secret []byte, holder string) (*Provider, error) {
	kv, err := js.KeyValue(Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: Bucket})
		if err != nil {
			return nil, fmt.Errorf("natskv: create bucket: %w", err)
		}
	}
	return New(kv, secret, holder), nil
}

// RandomHolder generates a random holder identifier suitable for
// distinguishing processes contending for the same lease.
func RandomHolder() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("natskv: random holder: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (p *Provider) sign(key string, ttl time.Duration) (string, time.Time, error) {
	expiresAt := time.Now().Add(ttl)
	claims := leaseClaims{
		Key:    key,
		Holder: p.holder,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	return signed, expiresAt, err
}

func (p *Provider) parse(data []byte) (*leaseClaims, error) {
	var claims leaseClaims
	_, err := jwt.ParseWithClaims(string(data), &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// Acquire takes the lease for key, failing with writetoken.ErrTokenHeld
// if another process currently holds a live one.
func (p *Provider) Acquire(ctx context.Context, key string, ttl time.Duration) (*writetoken.Lease, error) {
	signed, expiresAt, err := p.sign(key, ttl)
	if err != nil {
		return nil, err
	}

	rev, err := p.kv.Create(key, []byte(signed))
	if err != nil {
		entry, getErr := p.kv.Get(key)
		if getErr != nil {
			return nil, fmt.Errorf("natskv: acquire %s: %w", key, err)
		}
		if claims, parseErr := p.parse(entry.Value()); parseErr == nil {
			if claims.ExpiresAt != nil && claims.ExpiresAt.After(time.Now()) {
				return nil, writetoken.ErrTokenHeld
			}
		}
		rev, err = p.kv.Update(key, []byte(signed), entry.Revision())
		if err != nil {
			return nil, writetoken.ErrTokenHeld
		}
	}

	p.mu.Lock()
	p.revisions[signed] = rev
	p.mu.Unlock()

	return &writetoken.Lease{Token: signed, Key: key, Holder: p.holder, ExpiresAt: expiresAt}, nil
}

// Renew extends lease's expiry, failing with writetoken.ErrLeaseExpired
// if it's no longer the current lease (someone else stole it, or it
// already expired and was stolen).
func (p *Provider) Renew(ctx context.Context, lease *writetoken.Lease, ttl time.Duration) (*writetoken.Lease, error) {
	p.mu.Lock()
	rev, ok := p.revisions[lease.Token]
	p.mu.Unlock()
	if !ok {
		return nil, writetoken.ErrLeaseExpired
	}

	signed, expiresAt, err := p.sign(lease.Key, ttl)
	if err != nil {
		return nil, err
	}

	newRev, err := p.kv.Update(lease.Key, []byte(signed), rev)
	if err != nil {
		p.mu.Lock()
		delete(p.revisions, lease.Token)
		p.mu.Unlock()
		return nil, writetoken.ErrLeaseExpired
	}

	p.mu.Lock()
	delete(p.revisions, lease.Token)
	p.revisions[signed] = newRev
	p.mu.Unlock()

	return &writetoken.Lease{Token: signed, Key: lease.Key, Holder: p.holder, ExpiresAt: expiresAt}, nil
}

// Release gives up lease early, if this process still holds it.
func (p *Provider) Release(ctx context.Context, lease *writetoken.Lease) error {
	p.mu.Lock()
	rev, ok := p.revisions[lease.Token]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := p.kv.Delete(lease.Key, nats.LastRevision(rev)); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("natskv: release %s: %w", lease.Key, err)
	}
	p.mu.Lock()
	delete(p.revisions, lease.Token)
	p.mu.Unlock()
	return nil
}
