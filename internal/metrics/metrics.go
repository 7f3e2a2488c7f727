// Package metrics exposes the scheduler's Prometheus collectors. A nil
// *Collectors is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "testswarm"

type Collectors struct {
	JobsCreated      prometheus.Counter
	Claims           *prometheus.CounterVec
	Reclaims         *prometheus.CounterVec
	Completions      *prometheus.CounterVec
	ExpiredClaims    prometheus.Counter
	WorkersConnected *prometheus.GaugeVec
	EventsPublished  *prometheus.CounterVec
	EventsDropped    prometheus.Counter
}

// New creates the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		JobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs accepted by the scheduler.",
		}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by result (claimed, none, conflict).",
		}, []string{"result"}),
		Reclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaims_total",
			Help:      "Assignments handed out again, by reason (timeout, retry).",
		}, []string{"reason"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Recorded assignment results by status.",
		}, []string{"status"}),
		ExpiredClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_claims_total",
			Help:      "Stale claims failed after exhausting the retry budget.",
		}),
		WorkersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_connected",
			Help:      "Connected workers by browser profile.",
		}, []string{"profile"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Observer events published by name.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered to a slow subscriber.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.JobsCreated,
			c.Claims,
			c.Reclaims,
			c.Completions,
			c.ExpiredClaims,
			c.WorkersConnected,
			c.EventsPublished,
			c.EventsDropped,
		)
	}
	return c
}

func (c *Collectors) JobCreated() {
	if c == nil {
		return
	}
	c.JobsCreated.Inc()
}

func (c *Collectors) Claim(result string) {
	if c == nil {
		return
	}
	c.Claims.WithLabelValues(result).Inc()
}

func (c *Collectors) Reclaim(reason string) {
	if c == nil {
		return
	}
	c.Reclaims.WithLabelValues(reason).Inc()
}

func (c *Collectors) Completion(status string) {
	if c == nil {
		return
	}
	c.Completions.WithLabelValues(status).Inc()
}

func (c *Collectors) ClaimExpired() {
	if c == nil {
		return
	}
	c.ExpiredClaims.Inc()
}

// SetWorkers replaces the per-profile worker gauge with counts.
func (c *Collectors) SetWorkers(counts map[string]int) {
	if c == nil {
		return
	}
	c.WorkersConnected.Reset()
	for profile, n := range counts {
		c.WorkersConnected.WithLabelValues(profile).Set(float64(n))
	}
}

func (c *Collectors) EventPublished(name string) {
	if c == nil {
		return
	}
	c.EventsPublished.WithLabelValues(name).Inc()
}

func (c *Collectors) EventDropped() {
	if c == nil {
		return
	}
	c.EventsDropped.Inc()
}
