// Package metrics exposes prometheus collectors for pipeline outcomes.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var stageBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Pipeline holds the collectors recorded by the orchestrator.
type Pipeline struct {
	attemptsTotal *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	rollbacks     *prometheus.CounterVec
}

var (
	defaultOnce     sync.Once
	defaultPipeline *Pipeline
)

// Default returns process-wide pipeline collectors registered on the default
// prometheus registry.
func Default() *Pipeline {
	defaultOnce.Do(func() {
		defaultPipeline = New(prometheus.DefaultRegisterer)
	})
	return defaultPipeline
}

// New creates pipeline collectors and registers them with reg.
func New(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipgate",
			Subsystem: "pipeline",
			Name:      "attempts_total",
			Help:      "Deployment attempts by environment and final status",
		}, []string{"environment", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shipgate",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of each pipeline stage",
			Buckets:   stageBuckets,
		}, []string{"stage"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipgate",
			Subsystem: "pipeline",
			Name:      "rollbacks_total",
			Help:      "Rollback attempts by outcome",
		}, []string{"outcome"}),
	}
	p.attemptsTotal = registerCounterVec(reg, p.attemptsTotal)
	p.stageDuration = registerHistogramVec(reg, p.stageDuration)
	p.rollbacks = registerCounterVec(reg, p.rollbacks)
	return p
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

// RecordAttempt counts one terminal attempt outcome.
func (p *Pipeline) RecordAttempt(environment, status string) {
	if p == nil {
		return
	}
	p.attemptsTotal.With(prometheus.Labels{"environment": environment, "status": status}).Inc()
}

// RecordStage observes one stage's duration.
func (p *Pipeline) RecordStage(stage string, duration time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.With(prometheus.Labels{"stage": stage}).Observe(duration.Seconds())
}

// RecordRollback counts one rollback outcome.
func (p *Pipeline) RecordRollback(outcome string) {
	if p == nil {
		return
	}
	p.rollbacks.With(prometheus.Labels{"outcome": outcome}).Inc()
}
