package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics holds process counters. The zero value is ready to use.
type Metrics struct {
	eventsEnqueued   atomic.Uint64
	eventsWritten    atomic.Uint64
	batchesCommitted atomic.Uint64

	fetchFailures   atomic.Uint64
	transientRetry  atomic.Uint64
	authOrMalformed atomic.Uint64

	queueSaturationLoss atomic.Uint64
	lateDataLoss        atomic.Uint64
	streamOverflowLoss  atomic.Uint64
	outOfOrder          atomic.Uint64

	storageRetries  atomic.Uint64
	storageFailures atomic.Uint64
	rotations       atomic.Uint64

	healthTransitions atomic.Uint64
	reconnects        atomic.Uint64

	lagMeasured   atomic.Uint64
	lagUnmeasured atomic.Uint64

	writeLatencySumNs atomic.Int64
	writeLatencyCount atomic.Uint64
}

// New returns an empty Metrics.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) EventEnqueued()          { m.eventsEnqueued.Add(1) }
func (m *Metrics) FetchFailure()           { m.fetchFailures.Add(1) }
func (m *Metrics) TransientRetry()         { m.transientRetry.Add(1) }
func (m *Metrics) AuthOrMalformed()        { m.authOrMalformed.Add(1) }
func (m *Metrics) QueueSaturationLoss()    { m.queueSaturationLoss.Add(1) }
func (m *Metrics) StorageRetry()           { m.storageRetries.Add(1) }
func (m *Metrics) StorageFailure()         { m.storageFailures.Add(1) }
func (m *Metrics) Rotation()               { m.rotations.Add(1) }
func (m *Metrics) HealthTransition()       { m.healthTransitions.Add(1) }
func (m *Metrics) Reconnect()              { m.reconnects.Add(1) }
func (m *Metrics) LateDataLoss(n int)      { m.lateDataLoss.Add(uint64(n)) }
func (m *Metrics) StreamOverflowLoss()     { m.streamOverflowLoss.Add(1) }
func (m *Metrics) OutOfOrder(n int)        { m.outOfOrder.Add(uint64(n)) }
func (m *Metrics) LagResult(measured bool) {
	if measured {
		m.lagMeasured.Add(1)
	} else {
		m.lagUnmeasured.Add(1)
	}
}

// BatchCommitted records one committed storage transaction of n events.
func (m *Metrics) BatchCommitted(n int, latency time.Duration) {
	m.batchesCommitted.Add(1)
	m.eventsWritten.Add(uint64(n))
	m.writeLatencySumNs.Add(latency.Nanoseconds())
	m.writeLatencyCount.Add(1)
}

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	EventsEnqueued      uint64    `json:"events_enqueued"`
	EventsWritten       uint64    `json:"events_written"`
	BatchesCommitted    uint64    `json:"batches_committed"`
	FetchFailures       uint64    `json:"fetch_failures"`
	TransientRetries    uint64    `json:"transient_retries"`
	AuthOrMalformed     uint64    `json:"auth_or_malformed"`
	QueueSaturationLoss uint64    `json:"queue_saturation_loss"`
	LateDataLoss        uint64    `json:"late_data_loss"`
	StreamOverflowLoss  uint64    `json:"stream_overflow_loss"`
	OutOfOrder          uint64    `json:"out_of_order"`
	StorageRetries      uint64    `json:"storage_retries"`
	StorageFailures     uint64    `json:"storage_failures"`
	Rotations           uint64    `json:"rotations"`
	HealthTransitions   uint64    `json:"health_transitions"`
	Reconnects          uint64    `json:"reconnects"`
	LagMeasured         uint64    `json:"lag_measured"`
	LagUnmeasured       uint64    `json:"lag_unmeasured"`
	AvgWriteLatency     string    `json:"avg_write_latency"`
	Timestamp           time.Time `json:"timestamp"`
}

// Snapshot returns current counters as a value copy.
func (m *Metrics) Snapshot() Snapshot {
	var avg time.Duration
	if n := m.writeLatencyCount.Load(); n > 0 {
		avg = time.Duration(m.writeLatencySumNs.Load() / int64(n))
	}
	return Snapshot{
		EventsEnqueued:      m.eventsEnqueued.Load(),
		EventsWritten:       m.eventsWritten.Load(),
		BatchesCommitted:    m.batchesCommitted.Load(),
		FetchFailures:       m.fetchFailures.Load(),
		TransientRetries:    m.transientRetry.Load(),
		AuthOrMalformed:     m.authOrMalformed.Load(),
		QueueSaturationLoss: m.queueSaturationLoss.Load(),
		LateDataLoss:        m.lateDataLoss.Load(),
		StreamOverflowLoss:  m.streamOverflowLoss.Load(),
		OutOfOrder:          m.outOfOrder.Load(),
		StorageRetries:      m.storageRetries.Load(),
		StorageFailures:     m.storageFailures.Load(),
		Rotations:           m.rotations.Load(),
		HealthTransitions:   m.healthTransitions.Load(),
		Reconnects:          m.reconnects.Load(),
		LagMeasured:         m.lagMeasured.Load(),
		LagUnmeasured:       m.lagUnmeasured.Load(),
		AvgWriteLatency:     avg.String(),
		Timestamp:           time.Now(),
	}
}
