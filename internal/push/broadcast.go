package push

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cwatcher/cwatcher/internal/model"
)

// wireEnvelope is the closed outbound message shape pushed to
// subscribers. Type discriminates "sample" from "status_change".
type wireEnvelope struct {
	Type      string      `json:"type"`
	ServerID  string      `json:"server_id"`
	At        int64       `json:"at"`
	Sample    *wireSample `json:"sample,omitempty"`
	Status    *wireStatus `json:"status,omitempty"`
}

type wireSample struct {
	Seq     uint64              `json:"seq"`
	CPU     model.CPURecord     `json:"cpu"`
	Memory  model.MemoryRecord  `json:"memory"`
	Disk    model.DiskRecord    `json:"disk"`
	Network model.NetworkRecord `json:"network"`
	Status  model.Status        `json:"status"`
}

type wireStatus struct {
	Prior            model.Status     `json:"prior"`
	New              model.Status     `json:"new"`
	TriggerMetric    model.MetricKind `json:"trigger_metric,omitempty"`
	ObservedValue    float64          `json:"observed_value,omitempty"`
	ThresholdCrossed float64          `json:"threshold_crossed,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

// EvictionReason explains why a connection was force-closed.
type EvictionReason string

const (
	EvictSlowConsumer EvictionReason = "slow_consumer"
	EvictHeartbeat    EvictionReason = "heartbeat_timeout"
	EvictCapacity     EvictionReason = "capacity"
)

// Broadcaster encodes each outbound event once per distinct metric
// filter and fans the resulting frames out to every connection the
// Index says matches, enqueueing without blocking so one slow reader
// never stalls the others.
type Broadcaster struct {
	index  *Index
	logger *slog.Logger
	onEvict func(connID string, reason EvictionReason)
}

// NewBroadcaster wires a Broadcaster to its subscription index. onEvict
// is invoked (possibly concurrently) whenever a connection crosses the
// drop ceiling and must be force-closed by the owning Fabric.
func NewBroadcaster(index *Index, logger *slog.Logger, onEvict func(connID string, reason EvictionReason)) *Broadcaster {
	return &Broadcaster{index: index, logger: logger, onEvict: onEvict}
}

// PublishSample implements scheduler.Publisher. It groups subscribers
// by their metric filter so a sample is encoded once per distinct
// filter rather than once per connection, then trims the unsubscribed
// metric sub-records (marked Missing, same convention the Parser Suite
// uses for a field it couldn't collect) out of every encoding but the
// unfiltered one.
func (b *Broadcaster) PublishSample(sample model.MetricsSample) {
	targets := b.index.TargetsFor(sample.ServerID, sample.Status)
	if len(targets) == 0 {
		return
	}

	groups := make(map[string][]*Connection)
	filters := make(map[string]map[string]bool)
	for _, t := range targets {
		sig := metricSignature(t.MetricKinds)
		groups[sig] = append(groups[sig], t.Conn)
		filters[sig] = t.MetricKinds
	}

	for sig, conns := range groups {
		env := wireEnvelope{
			Type:     "sample",
			ServerID: sample.ServerID,
			At:       time.Now().UnixMilli(),
			Sample:   trimSample(sample, filters[sig]),
		}
		frame, err := json.Marshal(env)
		if err != nil {
			b.logf("encode sample envelope failed", "server_id", sample.ServerID, "error", err)
			continue
		}
		b.enqueueAll(conns, frame)
	}
}

// PublishStatusChange implements scheduler.Publisher. Status changes
// are never metric-filtered, so every matching connection shares one
// encoding.
func (b *Broadcaster) PublishStatusChange(event model.StatusChangeEvent) {
	env := wireEnvelope{
		Type:     "status_change",
		ServerID: event.ServerID,
		At:       event.At.UnixMilli(),
		Status: &wireStatus{
			Prior:            event.Prior,
			New:              event.New,
			TriggerMetric:    event.TriggerMetric,
			ObservedValue:    event.ObservedValue,
			ThresholdCrossed: event.ThresholdCrossed,
			Reason:           event.Reason,
		},
	}
	frame, err := json.Marshal(env)
	if err != nil {
		b.logf("encode status envelope failed", "server_id", event.ServerID, "error", err)
		return
	}

	targets := b.index.TargetsFor(event.ServerID, event.New)
	conns := make([]*Connection, len(targets))
	for i, t := range targets {
		conns[i] = t.Conn
	}
	b.enqueueAll(conns, frame)
}

func (b *Broadcaster) enqueueAll(conns []*Connection, frame []byte) {
	for _, conn := range conns {
		_, exceeded := conn.Enqueue(frame)
		if exceeded && b.onEvict != nil {
			b.onEvict(conn.ID, EvictSlowConsumer)
		}
	}
}

// metricSignature canonicalizes a metric filter into a grouping key so
// connections sharing the same filter (including "no filter") share
// one encoded frame.
func metricSignature(metrics map[string]bool) string {
	sig := make([]byte, 0, len(model.AllMetricKinds))
	for _, kind := range model.AllMetricKinds {
		if len(metrics) == 0 || metrics[string(kind)] {
			sig = append(sig, '1')
		} else {
			sig = append(sig, '0')
		}
	}
	return string(sig)
}

// trimSample marks every metric sub-record outside metrics as Missing,
// leaving the sample untouched when metrics is empty (no filter).
func trimSample(sample model.MetricsSample, metrics map[string]bool) *wireSample {
	ws := &wireSample{
		Seq:     sample.Seq,
		CPU:     sample.CPU,
		Memory:  sample.Memory,
		Disk:    sample.Disk,
		Network: sample.Network,
		Status:  sample.Status,
	}
	if len(metrics) == 0 {
		return ws
	}
	if !metrics[string(model.MetricCPU)] {
		ws.CPU = model.CPURecord{Missing: true}
	}
	if !metrics[string(model.MetricMemory)] {
		ws.Memory = model.MemoryRecord{Missing: true}
	}
	if !metrics[string(model.MetricDisk)] {
		ws.Disk = model.DiskRecord{Missing: true}
	}
	if !metrics[string(model.MetricNetwork)] {
		ws.Network = model.NetworkRecord{Missing: true}
	}
	return ws
}

func (b *Broadcaster) logf(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, args...)
	}
}
