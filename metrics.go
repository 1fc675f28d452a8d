package jobguard

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeGranted       = "granted"
	outcomeBusy          = "busy"
	outcomeChainRejected = "chain_rejected"
)

type labeledState interface {
	TypeName() string
	String() string
}

// Metrics holds the collectors shared by guardians and coordinators. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Acquisitions  *prometheus.CounterVec
	Releases      *prometheus.CounterVec
	ActiveWorkers prometheus.Gauge
	ActiveTasks   prometheus.Gauge
	ProcessErrors *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		Acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "acquisitions_total",
			Help:      "Action acquisition attempts by state type, action and outcome.",
		}, []string{"type", "action", "outcome"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "releases_total",
			Help:      "Action releases by state type and released state.",
		}, []string{"type", "state"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "active_workers",
			Help:      "Number of jobs with a live worker.",
		}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "active_tasks",
			Help:      "Number of registered scheduler tasks.",
		}),
		ProcessErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "errors_total",
			Help:      "Worker failures by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.Acquisitions, m.Releases, m.ActiveWorkers, m.ActiveTasks, m.ProcessErrors)
	}
	return m
}

func (m *Metrics) observeAcquire(a labeledState, outcome string) {
	if m == nil {
		return
	}
	m.Acquisitions.WithLabelValues(a.TypeName(), a.String(), outcome).Inc()
}

func (m *Metrics) observeRelease(a labeledState) {
	if m == nil {
		return
	}
	m.Releases.WithLabelValues(a.TypeName(), a.String()).Inc()
}

func (m *Metrics) SetActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Set(float64(n))
}

func (m *Metrics) SetActiveTasks(n int) {
	if m == nil {
		return
	}
	m.ActiveTasks.Set(float64(n))
}

func (m *Metrics) ProcessError(op string) {
	if m == nil {
		return
	}
	m.ProcessErrors.WithLabelValues(op).Inc()
}
