// Package writetoken implements the cross-process single-writer lease
// a SubscribedProjection must hold before it's allowed to apply facts
// (spec §3 WriteToken, §4.6 subscribeAndBlock).
package writetoken

import (
	"context"
	"errors"
	"time"
)

// ErrTokenHeld is returned by Provider.Acquire when another holder
// already owns a live lease for the requested key.
var ErrTokenHeld = errors.New("writetoken: token held by another process")

// ErrLeaseExpired is returned by Provider.Renew when the lease being
// renewed is no longer the current one (a newer lease replaced it,
// typically after it expired without being renewed). An expired lease
// that nothing has replaced yet can still be renewed.
var ErrLeaseExpired = errors.New("writetoken: lease expired or superseded")

// Lease is a held write-token lease.
type Lease struct {
	Token     string
	Key       string
	Holder    string
	ExpiresAt time.Time
}

// Provider acquires, renews, and releases write-token leases.
type Provider interface {
	// Acquire attempts to take the lease for key for the given ttl. It
	// does not block: if another live holder exists, it returns
	// ErrTokenHeld immediately.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	// Renew sets lease's expiry to ttl from now, failing with ErrLeaseExpired
	// if it's no longer the current lease for its key.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error)
	// Release gives up lease early, if it's still held.
	Release(ctx context.Context, lease *Lease) error
}
