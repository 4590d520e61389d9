// Package memtoken is an in-process writetoken.Provider, the in-memory
// fake used by Engine's own unit tests in place of natskv's real
// cross-process lease (mirroring the pack's convention of an in-memory
// fake per external collaborator).
package memtoken

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/mpalmer/factrun/writetoken"
)

type entry struct {
	token     string
	holder    string
	expiresAt time.Time
}

// Provider is a mutex-guarded map implementing writetoken.Provider.
type Provider struct {
	holder string

	mu     sync.Mutex
	leases map[string]entry
}

// New creates a Provider acting as holder.
func New(holder string) *Provider {
	return &Provider{holder: holder, leases: make(map[string]entry)}
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Acquire takes the lease for key if it's free or expired.
func (p *Provider) Acquire(_ context.Context, key string, ttl time.Duration) (*writetoken.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.leases[key]; ok && time.Now().Before(e.expiresAt) {
		return nil, writetoken.ErrTokenHeld
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(ttl)
	p.leases[key] = entry{token: token, holder: p.holder, expiresAt: exp}
	return &writetoken.Lease{Token: token, Key: key, Holder: p.holder, ExpiresAt: exp}, nil
}

// Renew extends lease's expiry if it's still the current lease.
func (p *Provider) Renew(_ context.Context, lease *writetoken.Lease, ttl time.Duration) (*writetoken.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.leases[lease.Key]
	if !ok || e.token != lease.Token {
		return nil, writetoken.ErrLeaseExpired
	}
	exp := time.Now().Add(ttl)
	p.leases[lease.Key] = entry{token: e.token, holder: e.holder, expiresAt: exp}
	return &writetoken.Lease{Token: e.token, Key: lease.Key, Holder: e.holder, ExpiresAt: exp}, nil
}

// Release gives up lease if it's still the current one.
func (p *Provider) Release(_ context.Context, lease *writetoken.Lease) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.leases[lease.Key]; ok && e.token == lease.Token {
		delete(p.leases, lease.Key)
	}
	return nil
}
