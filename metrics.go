package lattice

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordAdd is called after each add operation (including the internal
	// adds of chunked storage). duration is the total time taken, err is
	// nil if successful.
	RecordAdd(duration time.Duration, err error)

	// RecordGet is called after each get operation.
	RecordGet(duration time.Duration, err error)

	// RecordFind is called after each prefix query. results is the number
	// of ids returned.
	RecordFind(results int, duration time.Duration)

	// RecordUpdate is called after each update operation.
	RecordUpdate(duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordSave is called after each snapshot+checkpoint cycle.
	RecordSave(nodes int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAdd(time.Duration, error)      {}
func (NoopMetricsCollector) RecordGet(time.Duration, error)      {}
func (NoopMetricsCollector) RecordFind(int, time.Duration)       {}
func (NoopMetricsCollector) RecordUpdate(time.Duration, error)   {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)   {}
func (NoopMetricsCollector) RecordSave(int, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AddCount      atomic.Int64
	AddErrors     atomic.Int64
	AddTotalNanos atomic.Int64
	GetCount      atomic.Int64
	GetErrors     atomic.Int64
	GetTotalNanos atomic.Int64
	FindCount     atomic.Int64
	FindResults   atomic.Int64
	UpdateCount   atomic.Int64
	UpdateErrors  atomic.Int64
	DeleteCount   atomic.Int64
	DeleteErrors  atomic.Int64
	SaveCount     atomic.Int64
	SaveErrors    atomic.Int64
	SaveNodes     atomic.Int64
}

// RecordAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdd(duration time.Duration, err error) {
	b.AddCount.Add(1)
	b.AddTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AddErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(duration time.Duration, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordFind implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFind(results int, duration time.Duration) {
	b.FindCount.Add(1)
	b.FindResults.Add(int64(results))
}

// RecordUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpdate(duration time.Duration, err error) {
	b.UpdateCount.Add(1)
	if err != nil {
		b.UpdateErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSave implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSave(nodes int, duration time.Duration, err error) {
	b.SaveCount.Add(1)
	b.SaveNodes.Add(int64(nodes))
	if err != nil {
		b.SaveErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AddCount:     b.AddCount.Load(),
		AddErrors:    b.AddErrors.Load(),
		AddAvgNanos:  avg(b.AddTotalNanos.Load(), b.AddCount.Load()),
		GetCount:     b.GetCount.Load(),
		GetErrors:    b.GetErrors.Load(),
		GetAvgNanos:  avg(b.GetTotalNanos.Load(), b.GetCount.Load()),
		FindCount:    b.FindCount.Load(),
		FindResults:  b.FindResults.Load(),
		UpdateCount:  b.UpdateCount.Load(),
		UpdateErrors: b.UpdateErrors.Load(),
		DeleteCount:  b.DeleteCount.Load(),
		DeleteErrors: b.DeleteErrors.Load(),
		SaveCount:    b.SaveCount.Load(),
		SaveErrors:   b.SaveErrors.Load(),
		SaveNodes:    b.SaveNodes.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AddCount     int64
	AddErrors    int64
	AddAvgNanos  int64
	GetCount     int64
	GetErrors    int64
	GetAvgNanos  int64
	FindCount    int64
	FindResults  int64
	UpdateCount  int64
	UpdateErrors int64
	DeleteCount  int64
	DeleteErrors int64
	SaveCount    int64
	SaveErrors   int64
	SaveNodes    int64
}
