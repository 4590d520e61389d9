package factrun

import "time"

// Config holds the tunables Engine needs beyond its collaborators,
// following the struct-of-options-with-defaults convention the rest of
// the pack uses (nats.DefaultConfig, eventsourcing.DefaultTransportConfig).
type Config struct {
	// TokenRetryInterval bounds how long SubscribeAndBlock waits between
	// contended write-token acquisition attempts. The reference
	// implementation hardcodes this to five minutes with a TODO
	// wondering whether it should be a property; here it is one.
	TokenRetryInterval time.Duration

	// LockRetries bounds how many publish attempts the Locking
	// Coordinator makes, the first one included, before giving up with
	// lock.ErrLockExceeded.
	LockRetries int
}

// DefaultConfig returns the engine's default tunables.
func DefaultConfig() Config {
	return Config{
		TokenRetryInterval: 5 * time.Minute,
		LockRetries:        3,
	}
}
