package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwatcher/cwatcher/internal/model"
)

func defaults() map[model.MetricKind]Band {
	return map[model.MetricKind]Band{
		model.MetricCPU:    {Warning: 80, Critical: 90, DebounceSamples: 3},
		model.MetricMemory: {Warning: 85, Critical: 95, DebounceSamples: 3},
		model.MetricDisk:   {Warning: 85, Critical: 95, DebounceSamples: 3},
	}
}

func sampleWithCPU(serverID string, seq uint64, cpuPercent float64) model.MetricsSample {
	return model.MetricsSample{
		ServerID: serverID,
		Seq:      seq,
		CPU:      model.CPURecord{UsagePercent: cpuPercent},
	}
}

// S2. debounce_samples=3, cpu.warning=80. Samples [72,85,86,88,70]: warning
// commits only after three consecutive in-band samples (index 3); the
// single trailing 70 is one normal sample, short of the three needed to
// transition back, so the status is still warning at index 4.
func TestThresholdDebounceScenarioS2(t *testing.T) {
	e := New(defaults())

	values := []float64{72, 85, 86, 88, 70}
	expected := []model.Status{model.StatusOnline, model.StatusOnline, model.StatusOnline, model.StatusWarning, model.StatusWarning}

	for i, v := range values {
		status, _ := e.Evaluate(sampleWithCPU("srv-1", uint64(i), v))
		require.Equal(t, expected[i], status, "sample %d (cpu=%.0f)", i, v)
	}
}

func TestThresholdSingleOutlierDoesNotTransition(t *testing.T) {
	e := New(defaults())

	status, event := e.Evaluate(sampleWithCPU("srv-1", 0, 95))
	assert.Equal(t, model.StatusOnline, status)
	assert.Nil(t, event)
}

func TestThresholdCriticalBeatsWarningAcrossMetrics(t *testing.T) {
	e := New(defaults())

	sample := model.MetricsSample{
		ServerID: "srv-1",
		CPU:      model.CPURecord{UsagePercent: 82},    // warning band
		Memory:   model.MemoryRecord{UsagePercent: 97},  // critical band
	}
	for i := 0; i < 3; i++ {
		sample.Seq = uint64(i)
		_, _ = e.Evaluate(sample)
	}
	status, _ := e.Evaluate(sample)
	assert.Equal(t, model.StatusCritical, status)
}

func TestEvaluateOfflineDebounce(t *testing.T) {
	e := New(defaults())

	status, event := e.EvaluateOffline("srv-1", "connect_failed")
	assert.Equal(t, model.StatusOnline, status)
	assert.Nil(t, event)

	status, event = e.EvaluateOffline("srv-1", "connect_failed")
	require.NotNil(t, event)
	assert.Equal(t, model.StatusOffline, status)
	assert.Equal(t, "connect_failed", event.Reason)
}

func TestSuccessfulSampleResetsOfflineDebounce(t *testing.T) {
	e := New(defaults())

	_, _ = e.EvaluateOffline("srv-1", "connect_failed")
	_, _ = e.Evaluate(sampleWithCPU("srv-1", 0, 10))

	status, event := e.EvaluateOffline("srv-1", "connect_failed")
	assert.Nil(t, event)
	assert.NotEqual(t, model.StatusOffline, status)
}
