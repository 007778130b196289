package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Collectors exports control plane counters to Prometheus. A nil *Collectors
// accepts every call and records nothing.
type Collectors struct {
	forwardTotal    *prometheus.CounterVec
	forwardLatency  *prometheus.HistogramVec
	admissionReject *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	unitHealthy     *prometheus.GaugeVec
	eventsTotal     *prometheus.CounterVec
	workflowSteps   *prometheus.CounterVec
}

// NewCollectors creates the collectors and registers them on reg, reusing
// any that are already registered.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		forwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Forwarded requests by unit and response status",
		}, []string{"unit", "status"}),
		forwardLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "controlplane",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "End-to-end latency of forwarded requests including retries",
			Buckets:   histogramBuckets,
		}, []string{"unit"}),
		admissionReject: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "proxy",
			Name:      "rejections_total",
			Help:      "Requests rejected before reaching a unit, by error code",
		}, []string{"code"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per unit (0 closed, 1 open, 2 half-open)",
		}, []string{"unit"}),
		unitHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "registry",
			Name:      "unit_healthy",
			Help:      "1 when the unit passed its recent probes",
		}, []string{"unit"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "eventbus",
			Name:      "events_total",
			Help:      "Events handled by the bus by outcome",
		}, []string{"outcome"}),
		workflowSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "choreography",
			Name:      "steps_total",
			Help:      "Choreography handler runs by event type and outcome",
		}, []string{"type", "outcome"}),
	}
	c.forwardTotal = register(reg, c.forwardTotal)
	c.forwardLatency = register(reg, c.forwardLatency)
	c.admissionReject = register(reg, c.admissionReject)
	c.breakerState = register(reg, c.breakerState)
	c.unitHealthy = register(reg, c.unitHealthy)
	c.eventsTotal = register(reg, c.eventsTotal)
	c.workflowSteps = register(reg, c.workflowSteps)
	return c
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (c *Collectors) ObserveForward(unit string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.forwardTotal.WithLabelValues(unit, strconv.Itoa(status)).Inc()
	c.forwardLatency.WithLabelValues(unit).Observe(d.Seconds())
}

func (c *Collectors) Rejected(code string) {
	if c == nil {
		return
	}
	c.admissionReject.WithLabelValues(code).Inc()
}

func (c *Collectors) BreakerState(unit string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(unit).Set(float64(state))
}

func (c *Collectors) UnitHealth(unit string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.unitHealthy.WithLabelValues(unit).Set(v)
}

func (c *Collectors) Event(outcome string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collectors) WorkflowStep(eventType, outcome string) {
	if c == nil {
		return
	}
	c.workflowSteps.WithLabelValues(eventType, outcome).Inc()
}
