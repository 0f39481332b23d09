package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	LookupMemTable = "memtable"
	LookupMain     = "main"
	LookupSealed   = "sealed"
	LookupMiss     = "miss"
)

// Metrics holds the engine's collectors. They are always usable; registering them is
// up to the caller
type Metrics struct {
	Flushes         prometheus.Counter
	Rotations       prometheus.Counter
	Compactions     prometheus.Counter
	ReclaimedBytes  prometheus.Counter
	BytesFlushed    prometheus.Counter
	Lookups         *prometheus.CounterVec
	SealedSegments  prometheus.Gauge
	MemTableBytes   prometheus.Gauge
	FlushFailures   prometheus.Counter
	CorruptSegments prometheus.Counter

	registerer prometheus.Registerer
	collectors []prometheus.Collector
}

// New creates the engine's collectors and registers them with registerer under the
// docdb_ prefix. A nil registerer leaves them unregistered
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}

	m.Flushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flushes_total",
		Help: "Total number of memtable flushes to the main segment.",
	})

	m.Rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotations_total",
		Help: "Total number of times the main segment was sealed.",
	})

	m.Compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compactions_total",
		Help: "Total number of segment compactions.",
	})

	m.ReclaimedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compaction_reclaimed_bytes_total",
		Help: "Total number of bytes freed by compaction.",
	})

	m.BytesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bytes_flushed_total",
		Help: "Total number of record bytes appended to the main segment.",
	})

	m.Lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookups_total",
		Help: "Total number of point lookups by the structure that answered them.",
	}, []string{"result"})

	m.SealedSegments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sealed_segments",
		Help: "Number of sealed segments.",
	})

	m.MemTableBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memtable_bytes",
		Help: "Accumulated size of values buffered in the memtable.",
	})

	m.FlushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flush_failures_total",
		Help: "Total number of failed flushes or rotations.",
	})

	m.CorruptSegments = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corrupt_segment_errors_total",
		Help: "Total number of reads or recoveries that hit a corrupt segment.",
	})

	if registerer == nil {
		return m, nil
	}

	m.registerer = prometheus.WrapRegistererWithPrefix("docdb_", registerer)
	for _, c := range []prometheus.Collector{
		m.Flushes, m.Rotations, m.Compactions, m.ReclaimedBytes, m.BytesFlushed,
		m.Lookups, m.SealedSegments, m.MemTableBytes, m.FlushFailures, m.CorruptSegments,
	} {
		if err := m.registerer.Register(c); err != nil {
			m.Unregister()
			return nil, err
		}
		m.collectors = append(m.collectors, c)
	}

	return m, nil
}

// Unregister removes the collectors from the registerer given to New, so that a DB
// reopened on the same registerer can register again
func (m *Metrics) Unregister() {
	if m.registerer == nil {
		return
	}

	for _, c := range m.collectors {
		m.registerer.Unregister(c)
	}
	m.collectors = nil
}
