// Package metrics exposes adapter, recovery and dispatch counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schedvault/internal/eventbus"
	"schedvault/internal/task/engine"
)

const namespace = "schedvault"

// Collector holds every schedvault metric on its own registry, so tests and
// multiple instances never collide on the global one.
type Collector struct {
	reg *prometheus.Registry

	storeOps       *prometheus.CounterVec
	missingRecords *prometheus.CounterVec

	recoveryTime    prometheus.Gauge
	recoveredTotals *prometheus.GaugeVec

	triggersFired   prometheus.Counter
	triggersRetired prometheus.Counter
	triggerErrors   prometheus.Counter

	tasksFinished *prometheus.CounterVec
	tasksDropped  *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	queueDelay    prometheus.Histogram

	bus atomic.Value // eventbus.Bus set by Watch
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_ops_total",
			Help:      "Adapter operations by outcome.",
		}, []string{"op", "result"}),
		missingRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_missing_records_total",
			Help:      "Pause/resume calls that found no persisted trigger record.",
		}, []string{"op"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Duration of the last recovery replay.",
		}),
		recoveredTotals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovered_records",
			Help:      "Records handled by the last recovery replay.",
		}, []string{"kind"}),
		triggersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_fired_total",
			Help:      "Trigger firings handed to the executor.",
		}),
		triggersRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_retired_total",
			Help:      "Triggers removed after their last firing.",
		}),
		triggerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_errors_total",
			Help:      "Triggers moved to the ERROR state.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Executed job instances by result.",
		}, []string{"result"}),
		tasksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dropped_total",
			Help:      "Job instances dropped before running.",
		}, []string{"reason"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Run time of executed job instances.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_queue_delay_seconds",
			Help:      "Time job instances waited in the executor queue.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	c.reg.MustRegister(
		c.storeOps, c.missingRecords,
		c.recoveryTime, c.recoveredTotals,
		c.triggersFired, c.triggersRetired, c.triggerErrors,
		c.tasksFinished, c.tasksDropped, c.taskDuration, c.queueDelay,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Event deliveries skipped because a subscriber was full.",
		}, c.busDropped),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) StoreOp(op, result string) {
	c.storeOps.WithLabelValues(op, result).Inc()
}

func (c *Collector) MissingRecord(op string) {
	c.missingRecords.WithLabelValues(op).Inc()
}

func (c *Collector) Recovered(took time.Duration, jobs, triggers, paused, skipped int) {
	c.recoveryTime.Set(took.Seconds())
	c.recoveredTotals.WithLabelValues("jobs").Set(float64(jobs))
	c.recoveredTotals.WithLabelValues("triggers").Set(float64(triggers))
	c.recoveredTotals.WithLabelValues("paused").Set(float64(paused))
	c.recoveredTotals.WithLabelValues("skipped").Set(float64(skipped))
}

// Watch counts scheduler and executor events from bus until ctx ends.
func (c *Collector) Watch(ctx context.Context, bus eventbus.Bus) {
	if bus == nil {
		return
	}
	c.bus.Store(bus)
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.observe(ev)
		}
	}
}

func (c *Collector) busDropped() float64 {
	if b, ok := c.bus.Load().(eventbus.Bus); ok {
		return float64(eventbus.Dropped(b))
	}
	return 0
}

func (c *Collector) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TriggerFired:
		c.triggersFired.Inc()
	case eventbus.TriggerRetired:
		c.triggersRetired.Inc()
	case eventbus.TriggerErrored:
		c.triggerErrors.Inc()
	case eventbus.TaskFinished:
		te, ok := ev.Data.(engine.TaskEvent)
		if !ok {
			return
		}
		result := "ok"
		if te.Error != "" {
			result = "error"
		}
		c.tasksFinished.WithLabelValues(result).Inc()
		c.taskDuration.Observe(te.Duration.Seconds())
		c.queueDelay.Observe(te.QueueDelay.Seconds())
	case eventbus.TaskDropped:
		reason := "unknown"
		if te, ok := ev.Data.(engine.TaskEvent); ok && te.Error != "" {
			reason = te.Error
		}
		c.tasksDropped.WithLabelValues(reason).Inc()
	}
}
