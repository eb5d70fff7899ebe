package bars

import (
	"github.com/coachpo/tidemark/internal/cache"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/schema"
)

// Verdict classifies an externally produced bar against the cached last bar.
type Verdict int

const (
	// VerdictNew accepts the bar as a fresh interval.
	VerdictNew Verdict = iota
	// VerdictRevision accepts the bar as a correction of the cached interval.
	VerdictRevision
	// VerdictDrop discards the bar as stale or out of order.
	VerdictDrop
)

// RevisionFilter arbitrates whether an incoming external bar is a new bar, a
// revision of the previous one, or a sequencing anomaly to drop.
type RevisionFilter struct {
	cache *cache.BarCache
	log   observability.Logger
}

// NewRevisionFilter constructs a filter over the shared bar cache.
func NewRevisionFilter(barCache *cache.BarCache, log observability.Logger) *RevisionFilter {
	if log == nil {
		log = observability.Log()
	}
	f := new(RevisionFilter)
	f.cache = barCache
	f.log = log
	return f
}

// Apply classifies the bar and, when accepted, stores it as the latest for
// its type. Consumers therefore observe originals and corrections in order.
func (f *RevisionFilter) Apply(bar schema.Bar) Verdict {
	last, ok := f.cache.Last(bar.BarType)
	if !ok {
		if bar.IsRevision {
			f.log.Warn("revision for unknown bar dropped",
				observability.F("bar_type", bar.BarType.String()),
				observability.F("close_time", bar.CloseTime))
			return VerdictDrop
		}
		f.cache.Put(bar)
		return VerdictNew
	}

	switch {
	case bar.CloseTime.After(last.CloseTime):
		if bar.IsRevision {
			// A revision must target the cached close time exactly.
			f.log.Warn("revision close time ahead of cached bar, dropped",
				observability.F("bar_type", bar.BarType.String()),
				observability.F("close_time", bar.CloseTime),
				observability.F("cached_close_time", last.CloseTime))
			return VerdictDrop
		}
		f.cache.Put(bar)
		return VerdictNew
	case bar.CloseTime.Equal(last.CloseTime):
		if !bar.IsRevision {
			f.log.Warn("duplicate bar close time dropped",
				observability.F("bar_type", bar.BarType.String()),
				observability.F("close_time", bar.CloseTime))
			return VerdictDrop
		}
		f.cache.Put(bar)
		return VerdictRevision
	default:
		f.log.Warn("stale bar dropped",
			observability.F("bar_type", bar.BarType.String()),
			observability.F("close_time", bar.CloseTime),
			observability.F("cached_close_time", last.CloseTime))
		return VerdictDrop
	}
}
