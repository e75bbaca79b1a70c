// Package threshold implements the Threshold Evaluator and Status
// Machine (spec §4.6): per-metric normal/warning/critical bands with
// debounced status transitions.
package threshold

import (
	"sync"
	"time"

	"github.com/cwatcher/cwatcher/internal/model"
)

// Band is one metric's threshold configuration.
type Band struct {
	Warning         float64
	Critical        float64
	DebounceSamples int
}

const defaultOfflineDebounce = 2

// Evaluator holds the default bands (with optional per-server overrides)
// and per-server debounce state.
type Evaluator struct {
	mu              sync.Mutex
	defaults        map[model.MetricKind]Band
	overrides       map[string]map[model.MetricKind]Band
	offlineDebounce int

	state map[string]*serverState
}

type serverState struct {
	current         model.Status
	enteredAt       time.Time
	candidateStatus model.Status
	candidateCount  int
	offlineCount    int
}

// New constructs an Evaluator with default per-metric bands.
func New(defaults map[model.MetricKind]Band) *Evaluator {
	return &Evaluator{
		defaults:        defaults,
		overrides:       make(map[string]map[model.MetricKind]Band),
		offlineDebounce: defaultOfflineDebounce,
		state:           make(map[string]*serverState),
	}
}

// SetOverride installs a per-server band override for one metric.
func (e *Evaluator) SetOverride(serverID string, metric model.MetricKind, band Band) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.overrides[serverID] == nil {
		e.overrides[serverID] = make(map[model.MetricKind]Band)
	}
	e.overrides[serverID][metric] = band
}

func (e *Evaluator) bandFor(serverID string, metric model.MetricKind) (Band, bool) {
	if over, ok := e.overrides[serverID]; ok {
		if b, ok := over[metric]; ok {
			return b, true
		}
	}
	b, ok := e.defaults[metric]
	return b, ok
}

func (e *Evaluator) stateFor(serverID string) *serverState {
	st, ok := e.state[serverID]
	if !ok {
		// A server with no observed samples yet is assumed online; the
		// first real failure or breach still has to clear its own
		// debounce before changing that.
		st = &serverState{current: model.StatusOnline, enteredAt: time.Now()}
		e.state[serverID] = st
	}
	return st
}

// Evaluate computes the worst band across the sample's enabled metrics
// and applies debounce before committing a transition. It returns the
// (possibly unchanged) status and, only on a real transition, the event
// to broadcast.
func (e *Evaluator) Evaluate(sample model.MetricsSample) (model.Status, *model.StatusChangeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateFor(sample.ServerID)
	st.offlineCount = 0 // a successful sample always resets the offline debounce

	band, metric, value, crossed := e.worstBand(sample)

	return e.transition(st, sample.ServerID, band, metric, value, crossed, time.Now())
}

// EvaluateOffline registers one failed collection cycle for serverID.
// Offline only commits after offlineDebounce consecutive failures and
// overrides any prior warning/critical band once committed.
func (e *Evaluator) EvaluateOffline(serverID string, reason string) (model.Status, *model.StatusChangeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateFor(serverID)
	st.offlineCount++

	if st.offlineCount < e.offlineDebounce {
		return st.current, nil
	}

	if st.current == model.StatusOffline {
		return st.current, nil
	}

	prior := st.current
	st.current = model.StatusOffline
	st.enteredAt = time.Now()
	st.candidateStatus = ""
	st.candidateCount = 0

	return st.current, &model.StatusChangeEvent{
		ServerID: serverID,
		Prior:    prior,
		New:      model.StatusOffline,
		At:       time.Now(),
		Reason:   reason,
	}
}

func (e *Evaluator) worstBand(sample model.MetricsSample) (model.Status, model.MetricKind, float64, float64) {
	worst := model.StatusOnline
	var worstMetric model.MetricKind
	var worstValue, worstThreshold float64

	check := func(metric model.MetricKind, value float64, missing bool) {
		if missing {
			return
		}
		band, ok := e.bandFor(sample.ServerID, metric)
		if !ok {
			return
		}
		switch {
		case value >= band.Critical:
			if rankOf(model.StatusCritical) > rankOf(worst) {
				worst, worstMetric, worstValue, worstThreshold = model.StatusCritical, metric, value, band.Critical
			}
		case value >= band.Warning:
			if rankOf(model.StatusWarning) > rankOf(worst) {
				worst, worstMetric, worstValue, worstThreshold = model.StatusWarning, metric, value, band.Warning
			}
		}
	}

	check(model.MetricCPU, sample.CPU.UsagePercent, sample.CPU.Missing || sample.CPU.Warmup)
	check(model.MetricMemory, sample.Memory.UsagePercent, sample.Memory.Missing)
	if !sample.Disk.Missing {
		for _, part := range sample.Disk.Partitions {
			check(model.MetricDisk, part.UsagePercent, false)
		}
	}

	return worst, worstMetric, worstValue, worstThreshold
}

// rankOf orders statuses for "worst across metrics" comparison.
func rankOf(s model.Status) int {
	switch s {
	case model.StatusOnline:
		return 0
	case model.StatusWarning:
		return 1
	case model.StatusCritical:
		return 2
	case model.StatusOffline:
		return 3
	default:
		return -1
	}
}

func (e *Evaluator) transition(st *serverState, serverID string, candidate model.Status, metric model.MetricKind, value, threshold float64, now time.Time) (model.Status, *model.StatusChangeEvent) {
	if candidate == st.current {
		st.candidateStatus = ""
		st.candidateCount = 0
		return st.current, nil
	}

	band, _ := e.bandFor(serverID, metric)
	debounce := band.DebounceSamples
	if debounce <= 0 {
		debounce = 3
	}

	if st.candidateStatus != candidate {
		st.candidateStatus = candidate
		st.candidateCount = 1
	} else {
		st.candidateCount++
	}

	if st.candidateCount < debounce {
		return st.current, nil
	}

	prior := st.current
	st.current = candidate
	st.enteredAt = now
	st.candidateStatus = ""
	st.candidateCount = 0

	return st.current, &model.StatusChangeEvent{
		ServerID:         serverID,
		Prior:            prior,
		New:              candidate,
		TriggerMetric:    metric,
		ObservedValue:    value,
		ThresholdCrossed: threshold,
		At:               now,
	}
}
