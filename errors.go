package factrun

import "errors"

// ErrClosed is returned by any Engine operation attempted after Close.
var ErrClosed = errors.New("factrun: engine closed")

// ErrAggregateMisuse is returned by Fetch when given a type that also
// satisfies projection.Aggregate. The reference implementation checks
// this with a runtime instanceof against the projection's reflected
// Class; Go generics have no way to exclude a method set from a type
// parameter's constraint (there's no "implements Snapshot but not
// Aggregate"), so the same check is made at runtime here instead: Fetch
// rejects any projection that has an AggregateID() uuid.UUID method.
var ErrAggregateMisuse = errors.New("factrun: use Find for aggregate projections, not Fetch")

// ErrCatchupTimeout is returned by any operation that bounds its
// catchup with a deadline (Update's maxWait) once that deadline elapses
// before catchup completes (spec §4.4/§7's CatchupTimeoutError). It
// wraps the context.DeadlineExceeded that triggered it, so callers can
// still inspect the underlying cause.
var ErrCatchupTimeout = errors.New("factrun: catchup timed out")
