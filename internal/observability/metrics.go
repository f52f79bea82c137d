package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the server's Prometheus metrics. It satisfies
// backend.RequestObserver and is fed by the hub and the power allocator.
type Collector struct {
	gatherer prometheus.Gatherer

	BackendRequests  *prometheus.CounterVec
	BackendDurations *prometheus.HistogramVec
	PollEvents       *prometheus.CounterVec
	CommandResults   *prometheus.CounterVec

	PowerRemaining prometheus.Gauge
	ConnectedCrew  prometheus.Gauge
}

// NewCollector registers the metrics against reg, defaulting to the global
// Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_requests_total",
		Help: "Backend requests by action and outcome.",
	}, []string{"action", "outcome"}), "backend_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backend_request_duration_seconds",
		Help:    "Backend request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"action"}), "backend_request_duration_seconds")
	if err != nil {
		return nil, err
	}
	polls, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_poll_events_total",
		Help: "Successful snapshot polls, labeled by whether the snapshot changed.",
	}, []string{"changed"}), "backend_poll_events_total")
	if err != nil {
		return nil, err
	}
	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crew_command_results_total",
		Help: "Crew commands by type and result reason.",
	}, []string{"command", "reason"}), "crew_command_results_total")
	if err != nil {
		return nil, err
	}
	remaining, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "power_budget_remaining",
		Help: "Unallocated units of the ship power budget.",
	}), "power_budget_remaining")
	if err != nil {
		return nil, err
	}
	crew, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crew_connected",
		Help: "Currently connected crew clients.",
	}), "crew_connected")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		BackendRequests:  requests,
		BackendDurations: durations,
		PollEvents:       polls,
		CommandResults:   commands,
		PowerRemaining:   remaining,
		ConnectedCrew:    crew,
	}, nil
}

func (c *Collector) ObserveBackendRequest(action, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.BackendRequests.WithLabelValues(action, outcome).Inc()
	c.BackendDurations.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (c *Collector) ObservePoll(changed bool) {
	if c == nil {
		return
	}
	c.PollEvents.WithLabelValues(strconv.FormatBool(changed)).Inc()
}

// ObserveCommand counts one crew command result. reason is "ok" on success.
func (c *Collector) ObserveCommand(command, reason string) {
	if c == nil {
		return
	}
	c.CommandResults.WithLabelValues(command, reason).Inc()
}

func (c *Collector) SetPowerRemaining(n int) {
	if c == nil {
		return
	}
	c.PowerRemaining.Set(float64(n))
}

func (c *Collector) CrewConnected()    { c.crewDelta(1) }
func (c *Collector) CrewDisconnected() { c.crewDelta(-1) }

func (c *Collector) crewDelta(d float64) {
	if c == nil {
		return
	}
	c.ConnectedCrew.Add(d)
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
