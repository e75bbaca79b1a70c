package core

import (
	"testing"

	"github.com/cwatcher/cwatcher/internal/model"
)

func TestNarrowToMetricKeepsOnlyRequestedFamily(t *testing.T) {
	sample := model.MetricsSample{
		ServerID: "srv-1",
		Seq:      4,
		CPU:      model.CPURecord{UsagePercent: 50},
		Memory:   model.MemoryRecord{UsagePercent: 70},
	}

	narrowed := narrowToMetric(sample, model.MetricCPU)

	if narrowed.CPU.UsagePercent != 50 {
		t.Fatalf("expected CPU record preserved, got %+v", narrowed.CPU)
	}
	if narrowed.Memory.UsagePercent != 0 {
		t.Fatalf("expected memory record zeroed, got %+v", narrowed.Memory)
	}
	if narrowed.ServerID != "srv-1" || narrowed.Seq != 4 {
		t.Fatalf("expected identity fields preserved, got %+v", narrowed)
	}
}

func TestNarrowToMetricUnknownKindReturnsSampleUnchanged(t *testing.T) {
	sample := model.MetricsSample{ServerID: "srv-1", CPU: model.CPURecord{UsagePercent: 50}}

	narrowed := narrowToMetric(sample, model.MetricKind("bogus"))

	if narrowed.CPU.UsagePercent != 50 {
		t.Fatalf("expected sample returned unchanged, got %+v", narrowed)
	}
}
