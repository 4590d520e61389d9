// Package fact defines the unit of data this runtime consumes: an
// immutable, ordered event on the upstream log, and the filters
// projections use to select a subset of it.
package fact

import (
	"time"

	"github.com/google/uuid"
)

// Cursor identifies a fact's position for catchup/follow purposes. The
// zero value means "from the beginning of the stream."
type Cursor = uuid.UUID

// Fact is an opaque unit on the log. It is identified by a globally
// unique ID and ordered within the log by Position, a server-assigned
// value that is strictly increasing for facts a single subscription
// observes.
type Fact struct {
	ID            uuid.UUID
	Namespace     string
	Type          string
	Version       int
	Header        map[string]string
	Payload       []byte
	Position      int64
	AggregateID   *uuid.UUID
	Timestamp     time.Time
}

// Header key sampled by the subscription driver to emit processing
// latency metrics (see metrics.Metrics.EventProcessingLatency).
const HeaderTimestamp = "_ts"

// Spec is a filter description. A projection declares one or more specs;
// the union determines the fact set it consumes.
type Spec struct {
	Namespace      string
	Type           string
	VersionMin     int
	VersionMax     int // 0 means "exact match on VersionMin only"; if VersionMin is 0 too, any version matches
	AggregateID    *uuid.UUID
	HeaderMatch    map[string]string
}

// Exact reports whether this spec pins a single version rather than a range.
func (s Spec) Exact() bool {
	return s.VersionMax == 0 || s.VersionMax == s.VersionMin
}

// Matches reports whether f satisfies every predicate in the spec.
func (s Spec) Matches(f *Fact) bool {
	if s.Namespace != "" && s.Namespace != f.Namespace {
		return false
	}
	if s.Type != "" && s.Type != f.Type {
		return false
	}
	if s.Exact() {
		if s.VersionMin != 0 && f.Version != s.VersionMin {
			return false
		}
	} else {
		if f.Version < s.VersionMin || f.Version > s.VersionMax {
			return false
		}
	}
	if s.AggregateID != nil {
		if f.AggregateID == nil || *f.AggregateID != *s.AggregateID {
			return false
		}
	}
	for k, v := range s.HeaderMatch {
		if f.Header[k] != v {
			return false
		}
	}
	return true
}

// MatchesAny reports whether f satisfies at least one of specs.
func MatchesAny(specs []Spec, f *Fact) bool {
	for _, s := range specs {
		if s.Matches(f) {
			return true
		}
	}
	return false
}
