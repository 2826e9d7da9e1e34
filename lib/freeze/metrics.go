package freeze

import (
	"github.com/VictoriaMetrics/metrics"
)

// evictorMetrics are the counters of one evictor, registered in its metrics.Set
type evictorMetrics struct {
	set             *metrics.Set
	dispatches      *metrics.Counter
	hits            *metrics.Counter
	misses          *metrics.Counter
	evictions       *metrics.Counter
	deadlockRetries *metrics.Counter
	commits         *metrics.Counter
	rollbacks       *metrics.Counter
	dispatchTime    *metrics.Histogram
}

func newEvictorMetrics(set *metrics.Set, cacheSize func() float64) *evictorMetrics {
	if set == nil {
		set = metrics.NewSet()
	}
	m := &evictorMetrics{
		set:             set,
		dispatches:      set.NewCounter("freeze_evictor_dispatches_total"),
		hits:            set.NewCounter("freeze_evictor_cache_hits_total"),
		misses:          set.NewCounter("freeze_evictor_cache_misses_total"),
		evictions:       set.NewCounter("freeze_evictor_evictions_total"),
		deadlockRetries: set.NewCounter("freeze_evictor_deadlock_retries_total"),
		commits:         set.NewCounter("freeze_evictor_commits_total"),
		rollbacks:       set.NewCounter("freeze_evictor_rollbacks_total"),
		dispatchTime:    set.NewHistogram("freeze_evictor_dispatch_duration_seconds"),
	}
	set.NewGauge("freeze_evictor_cache_size", cacheSize)
	return m
}
