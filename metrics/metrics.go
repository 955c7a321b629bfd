// Package metrics exposes Prometheus metrics. The collector feeds off
// the event bus, so every component that publishes events is measured
// without carrying metrics plumbing of its own.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetworks/fleetd/bus"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_events_total",
		Help: "Events published on the internal bus, by event type.",
	}, []string{"type"})

	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_workflow_runs_started_total",
		Help: "Workflow runs started.",
	})

	stepsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_workflow_steps_confirmed_total",
		Help: "Manual workflow steps confirmed by operators.",
	})

	robotStateErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_robot_state_errors_total",
		Help: "Failed robot state polls.",
	})

	busSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_bus_subscribers",
		Help: "Currently attached bus subscribers.",
	})
)

// Collector tails the event bus and turns events into metrics.
type Collector struct {
	bus *bus.Bus
}

// NewCollector creates a Collector on the given bus.
func NewCollector(b *bus.Bus) *Collector {
	return &Collector{bus: b}
}

// Start subscribes to the bus and counts events until the context is
// canceled.
func (c *Collector) Start(ctx context.Context) {
	sub := c.bus.Subscribe()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				c.observe(event)
			}
		}
	}()
}

func (c *Collector) observe(event bus.Event) {
	eventsTotal.WithLabelValues(event.Type).Inc()
	busSubscribers.Set(float64(c.bus.SubscriberCount()))

	switch event.Type {
	case "workflow.run_started":
		runsStarted.Inc()
	case "workflow.confirmed":
		stepsConfirmed.Inc()
	case "robot.state_error":
		robotStateErrors.Inc()
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
