package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	emissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powerplant",
			Subsystem: "dispatch",
			Name:      "emissions_total",
			Help:      "Emitted values by scope.",
		},
		[]string{"node", "scope"},
	)
	hookFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powerplant",
			Subsystem: "dispatch",
			Name:      "hook_failures_total",
			Help:      "Extension hook failures isolated by the registry.",
		},
		[]string{"node"},
	)
	admissionSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powerplant",
			Subsystem: "scheduler",
			Name:      "admission_skipped_total",
			Help:      "Emissions not admitted because a subscription was already in flight.",
		},
		[]string{"node", "policy"},
	)
	tasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powerplant",
			Subsystem: "pool",
			Name:      "tasks_total",
			Help:      "Executed tasks by outcome.",
		},
		[]string{"node", "success"},
	)
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "powerplant",
			Subsystem: "pool",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node"},
	)
	droppedTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powerplant",
			Subsystem: "pool",
			Name:      "dropped_tasks_total",
			Help:      "Queued tasks dropped at shutdown.",
		},
		[]string{"node"},
	)
	peerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powerplant",
			Subsystem: "network",
			Name:      "peer_events_total",
			Help:      "Peer join and leave transitions.",
		},
		[]string{"node", "event", "reason"},
	)
	routed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powerplant",
			Subsystem: "network",
			Name:      "routed_total",
			Help:      "Network-scope payloads handed to peer links.",
		},
		[]string{"node", "success"},
	)
	received = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powerplant",
			Subsystem: "network",
			Name:      "received_total",
			Help:      "Payloads received from peers and re-emitted locally.",
		},
		[]string{"node", "success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powerplant",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "powerplant",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			emissions,
			hookFailures,
			admissionSkips,
			tasks,
			taskDuration,
			droppedTasks,
			peerEvents,
			routed,
			received,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordEmission(node, scope string) {
	emissions.WithLabelValues(node, scope).Inc()
}

func RecordHookFailure(node string) {
	hookFailures.WithLabelValues(node).Inc()
}

func RecordAdmissionSkip(node, policy string) {
	admissionSkips.WithLabelValues(node, policy).Inc()
}

func RecordTask(node string, success bool, duration time.Duration) {
	tasks.WithLabelValues(node, strconv.FormatBool(success)).Inc()
	taskDuration.WithLabelValues(node).Observe(duration.Seconds())
}

func RecordDroppedTasks(node string, n int) {
	if n <= 0 {
		return
	}
	droppedTasks.WithLabelValues(node).Add(float64(n))
}

func RecordPeerEvent(node, event, reason string) {
	peerEvents.WithLabelValues(node, event, reason).Inc()
}

func RecordRouted(node string, success bool) {
	routed.WithLabelValues(node, strconv.FormatBool(success)).Inc()
}

func RecordReceived(node string, success bool) {
	received.WithLabelValues(node, strconv.FormatBool(success)).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
