package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Scheduling holds the counters exported by the appointment engine. A nil
// *Scheduling is valid and records nothing.
type Scheduling struct {
	batchJobs       *prometheus.CounterVec
	batchBusy       *prometheus.CounterVec
	slotsGenerated  prometheus.Counter
	collisions      prometheus.Counter
	reassignedSlots *prometheus.CounterVec
	prunedSlots     prometheus.Counter
}

func NewScheduling(reg prometheus.Registerer) *Scheduling {
	m := &Scheduling{
		batchJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covigo_batch_jobs_total",
			Help: "Finished batch appointment jobs by operation and outcome severity.",
		}, []string{"op", "severity"}),
		batchBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covigo_batch_busy_total",
			Help: "Batch requests rejected because the principal already had one running.",
		}, []string{"op"}),
		slotsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "covigo_slots_generated_total",
			Help: "Availability slots created by the generator.",
		}),
		collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "covigo_generation_collisions_total",
			Help: "Generation runs aborted by a slot collision.",
		}),
		reassignedSlots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covigo_reassigned_slots_total",
			Help: "Bookings handled during doctor reassignment, by outcome.",
		}, []string{"outcome"}),
		prunedSlots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "covigo_pruned_slots_total",
			Help: "Past open availabilities removed by the prune worker.",
		}),
	}

	reg.MustRegister(m.batchJobs, m.batchBusy, m.slotsGenerated, m.collisions, m.reassignedSlots, m.prunedSlots)
	return m
}

func (m *Scheduling) BatchFinished(op, severity string) {
	if m == nil {
		return
	}
	m.batchJobs.WithLabelValues(op, severity).Inc()
}

func (m *Scheduling) BatchBusy(op string) {
	if m == nil {
		return
	}
	m.batchBusy.WithLabelValues(op).Inc()
}

func (m *Scheduling) SlotsGenerated(n int) {
	if m == nil {
		return
	}
	m.slotsGenerated.Add(float64(n))
}

func (m *Scheduling) GenerationCollision() {
	if m == nil {
		return
	}
	m.collisions.Inc()
}

func (m *Scheduling) Reassigned(moved, cancelled int) {
	if m == nil {
		return
	}
	m.reassignedSlots.WithLabelValues("moved").Add(float64(moved))
	m.reassignedSlots.WithLabelValues("cancelled").Add(float64(cancelled))
}

func (m *Scheduling) Pruned(n int64) {
	if m == nil {
		return
	}
	m.prunedSlots.Add(float64(n))
}
