package indexgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    updateCounter   prometheus.Counter
//	    searchHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordUpdate(added, deleted int, duration time.Duration, err error) {
//	    p.updateCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordUpdate is called after each update transaction.
	// added and deleted are the batch sizes, duration is the total time
	// taken, err is nil if successful.
	RecordUpdate(added, deleted int, duration time.Duration, err error)

	// RecordSearch is called after each search operation.
	RecordSearch(duration time.Duration, err error)

	// RecordFlush is called after each flush.
	RecordFlush(duration time.Duration, err error)

	// RecordRecovery is called once per Open with the number of redo log
	// entries found. entries is 0 when no recovery was needed.
	RecordRecovery(entries int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordUpdate(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordSearch(time.Duration, error)           {}
func (NoopMetricsCollector) RecordFlush(time.Duration, error)            {}
func (NoopMetricsCollector) RecordRecovery(int, time.Duration, error)    {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	UpdateCount      atomic.Int64
	UpdateErrors     atomic.Int64
	UpdateTotalNanos atomic.Int64
	DocsAdded        atomic.Int64
	DocsDeleted      atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	RecoveryCount    atomic.Int64
	RecoveryEntries  atomic.Int64
	RecoveryErrors   atomic.Int64
}

// RecordUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpdate(added, deleted int, duration time.Duration, err error) {
	b.UpdateCount.Add(1)
	b.UpdateTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.UpdateErrors.Add(1)
		return
	}
	b.DocsAdded.Add(int64(added))
	b.DocsDeleted.Add(int64(deleted))
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(duration time.Duration, err error) {
	b.FlushCount.Add(1)
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// RecordRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecovery(entries int, duration time.Duration, err error) {
	b.RecoveryCount.Add(1)
	b.RecoveryEntries.Add(int64(entries))
	if err != nil {
		b.RecoveryErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		UpdateCount:     b.UpdateCount.Load(),
		UpdateErrors:    b.UpdateErrors.Load(),
		UpdateAvgNanos:  b.getAvgUpdateNanos(),
		DocsAdded:       b.DocsAdded.Load(),
		DocsDeleted:     b.DocsDeleted.Load(),
		SearchCount:     b.SearchCount.Load(),
		SearchErrors:    b.SearchErrors.Load(),
		SearchAvgNanos:  b.getAvgSearchNanos(),
		FlushCount:      b.FlushCount.Load(),
		FlushErrors:     b.FlushErrors.Load(),
		RecoveryCount:   b.RecoveryCount.Load(),
		RecoveryEntries: b.RecoveryEntries.Load(),
		RecoveryErrors:  b.RecoveryErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgUpdateNanos() int64 {
	count := b.UpdateCount.Load()
	if count == 0 {
		return 0
	}
	return b.UpdateTotalNanos.Load() / count
}

func (b *BasicMetricsCollector) getAvgSearchNanos() int64 {
	count := b.SearchCount.Load()
	if count == 0 {
		return 0
	}
	return b.SearchTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	UpdateCount     int64
	UpdateErrors    int64
	UpdateAvgNanos  int64
	DocsAdded       int64
	DocsDeleted     int64
	SearchCount     int64
	SearchErrors    int64
	SearchAvgNanos  int64
	FlushCount      int64
	FlushErrors     int64
	RecoveryCount   int64
	RecoveryEntries int64
	RecoveryErrors  int64
}
