// Package metricsexport renders CWatcher's own operational stats —
// SSH Pool health, Scheduler cycle state, Sample Store backlog, Push
// Fabric connection counts — as Prometheus exposition text, using the
// same prometheus/common encoding machinery the teacher uses on the
// parsing side for inbound metrics.
package metricsexport

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/gin-gonic/gin"
)

// PoolStats is the subset of sshpool.Pool's runtime state the exporter
// needs. cmd/cwatcherd's statsSource fills it from (*sshpool.Pool).Stats.
type PoolStats struct {
	ServerID string
	Status   string // as the Pool reports it: "online", "offline", or "unknown"
	Backoff  float64
}

// SchedulerStats is one monitored server's collection-cycle state.
type SchedulerStats struct {
	ServerID        string
	State           string // "idle", "running", "backoff"
	ConsecutiveFail float64
}

// StoreStats summarizes the Sample Store's durable-write health.
type StoreStats struct {
	Degraded bool
	Pending  float64
}

// PushStats summarizes the Push Fabric's connection set.
type PushStats struct {
	ActiveConnections float64
}

// Source supplies a fresh snapshot of every subsystem's stats on each
// scrape. Implementations must not block on network I/O; this is
// called synchronously from the HTTP handler.
type Source interface {
	PoolSnapshot() []PoolStats
	SchedulerSnapshot() []SchedulerStats
	StoreSnapshot() StoreStats
	PushSnapshot() PushStats
}

// Exporter serves /metrics in Prometheus text exposition format.
type Exporter struct {
	source Source
}

// New constructs an Exporter over a Source.
func New(source Source) *Exporter {
	return &Exporter{source: source}
}

// Handler is the gin handler for the /metrics endpoint.
func (e *Exporter) Handler(c *gin.Context) {
	c.Status(http.StatusOK)
	c.Header("Content-Type", string(expfmt.FmtText))

	enc := expfmt.NewEncoder(c.Writer, expfmt.FmtText)

	for _, mf := range e.families() {
		if err := enc.Encode(mf); err != nil {
			return
		}
	}
}

func (e *Exporter) families() []*dto.MetricFamily {
	var out []*dto.MetricFamily

	statusGauge := &dto.MetricFamily{
		Name: strPtr("cwatcher_server_status"),
		Help: strPtr("Current derived status per server: 0=online 1=warning 2=critical 3=offline."),
		Type: metricType(dto.MetricType_GAUGE),
	}
	backoffGauge := &dto.MetricFamily{
		Name: strPtr("cwatcher_pool_backoff_seconds"),
		Help: strPtr("Current SSH connect backoff delay per server."),
		Type: metricType(dto.MetricType_GAUGE),
	}
	for _, p := range e.source.PoolSnapshot() {
		labels := []*dto.LabelPair{{Name: strPtr("server_id"), Value: strPtr(p.ServerID)}}
		statusGauge.Metric = append(statusGauge.Metric, gaugeMetric(labels, statusRank(p.Status)))
		backoffGauge.Metric = append(backoffGauge.Metric, gaugeMetric(labels, p.Backoff))
	}
	out = append(out, statusGauge, backoffGauge)

	schedGauge := &dto.MetricFamily{
		Name: strPtr("cwatcher_scheduler_state"),
		Help: strPtr("Current scheduler state per server: 0=idle 1=running 2=backoff."),
		Type: metricType(dto.MetricType_GAUGE),
	}
	failGauge := &dto.MetricFamily{
		Name: strPtr("cwatcher_scheduler_consecutive_failures"),
		Help: strPtr("Consecutive failed collection cycles per server."),
		Type: metricType(dto.MetricType_GAUGE),
	}
	for _, s := range e.source.SchedulerSnapshot() {
		labels := []*dto.LabelPair{{Name: strPtr("server_id"), Value: strPtr(s.ServerID)}}
		schedGauge.Metric = append(schedGauge.Metric, gaugeMetric(labels, schedStateRank(s.State)))
		failGauge.Metric = append(failGauge.Metric, gaugeMetric(labels, s.ConsecutiveFail))
	}
	out = append(out, schedGauge, failGauge)

	store := e.source.StoreSnapshot()
	degradedGauge := &dto.MetricFamily{
		Name:   strPtr("cwatcher_store_sink_degraded"),
		Help:   strPtr("1 if the durable sink is currently considered unavailable."),
		Type:   metricType(dto.MetricType_GAUGE),
		Metric: []*dto.Metric{gaugeMetric(nil, boolToFloat(store.Degraded))},
	}
	pendingGauge := &dto.MetricFamily{
		Name:   strPtr("cwatcher_store_pending_flush"),
		Help:   strPtr("Samples queued for the next durable-sink flush."),
		Type:   metricType(dto.MetricType_GAUGE),
		Metric: []*dto.Metric{gaugeMetric(nil, store.Pending)},
	}
	out = append(out, degradedGauge, pendingGauge)

	push := e.source.PushSnapshot()
	connGauge := &dto.MetricFamily{
		Name:   strPtr("cwatcher_push_active_connections"),
		Help:   strPtr("Currently open WebSocket connections."),
		Type:   metricType(dto.MetricType_GAUGE),
		Metric: []*dto.Metric{gaugeMetric(nil, push.ActiveConnections)},
	}
	out = append(out, connGauge)

	return out
}

func gaugeMetric(labels []*dto.LabelPair, value float64) *dto.Metric {
	return &dto.Metric{
		Label: labels,
		Gauge: &dto.Gauge{Value: &value},
	}
}

func statusRank(status string) float64 {
	switch status {
	case "online":
		return 0
	case "warning":
		return 1
	case "critical":
		return 2
	case "offline":
		return 3
	default:
		return -1
	}
}

func schedStateRank(state string) float64 {
	switch state {
	case "idle":
		return 0
	case "running":
		return 1
	case "backoff":
		return 2
	default:
		return -1
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func strPtr(s string) *string { return &s }

func metricType(t dto.MetricType) *dto.MetricType { return &t }
