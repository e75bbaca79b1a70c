// Package parsers implements the Parser Suite (spec §4.3): pure
// functions mapping raw command output to typed metric records. None of
// these ever panic; malformed input produces a warning and leaves the
// affected field at its zero value with Missing set.
package parsers

import (
	"strconv"
	"strings"

	"github.com/cwatcher/cwatcher/internal/executor"
	"github.com/cwatcher/cwatcher/internal/model"
)

// CPUSnapshot is the previous /proc/stat aggregate totals a caller must
// retain per server and feed back on the next call, so ParseCPU can
// compute a busy-ratio delta instead of an instantaneous, meaningless
// single read.
type CPUSnapshot struct {
	Idle  uint64
	Total uint64
}

// ParseCPU parses "cat /proc/stat" output. With prev == nil the returned
// record is flagged Warmup and carries no usage percentage — there is
// nothing yet to diff against.
func ParseCPU(out executor.RawOutput, prev *CPUSnapshot) (model.CPURecord, CPUSnapshot, []string) {
	var warnings []string
	rec := model.CPURecord{}

	lines := strings.Split(out.Stdout, "\n")
	cores := 0
	var agg CPUSnapshot
	found := false

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch {
		case fields[0] == "cpu":
			snap, ok := parseStatFields(fields[1:])
			if !ok {
				warnings = append(warnings, "cpu: malformed aggregate stat line")
				continue
			}
			agg = snap
			found = true
		case strings.HasPrefix(fields[0], "cpu"):
			cores++
		}
	}

	if !found {
		rec.Missing = true
		warnings = append(warnings, "cpu: no aggregate cpu line found")
		return rec, CPUSnapshot{}, warnings
	}

	rec.Cores = cores

	if prev == nil {
		rec.Warmup = true
		return rec, agg, warnings
	}

	totalDelta := agg.Total - prev.Total // uint64 subtraction wraps mod 2^64, matching a counter reset
	idleDelta := agg.Idle - prev.Idle

	if totalDelta == 0 {
		rec.Warmup = true
		warnings = append(warnings, "cpu: zero total delta since previous sample")
		return rec, agg, warnings
	}

	busy := float64(totalDelta-idleDelta) / float64(totalDelta) * 100.0
	if busy < 0 {
		busy = 0
	}
	if busy > 100 {
		busy = 100
	}
	rec.UsagePercent = busy

	return rec, agg, warnings
}

// parseStatFields sums the ten /proc/stat jiffy columns (user, nice,
// system, idle, iowait, irq, softirq, steal, guest, guest_nice) into a
// total and keeps idle (+iowait, counted idle by convention) separate.
func parseStatFields(fields []string) (CPUSnapshot, bool) {
	if len(fields) < 4 {
		return CPUSnapshot{}, false
	}
	vals := make([]uint64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return CPUSnapshot{}, false
		}
		vals = append(vals, v)
	}

	var total uint64
	for _, v := range vals {
		total += v
	}

	idle := vals[3]
	if len(vals) > 4 {
		idle += vals[4] // iowait counts as idle time
	}

	return CPUSnapshot{Idle: idle, Total: total}, true
}

// LoadRecord is the parsed result of "cat /proc/loadavg", merged into a
// CPURecord's Load1/Load5/Load15 fields by the Scheduler.
type LoadRecord struct {
	Missing  bool
	Load1    float64
	Load5    float64
	Load15   float64
	Warnings []string
}

// ParseLoad parses /proc/loadavg's five whitespace-separated fields.
func ParseLoad(out executor.RawOutput) LoadRecord {
	fields := strings.Fields(out.Stdout)
	if len(fields) < 3 {
		return LoadRecord{Missing: true, Warnings: []string{"load: malformed /proc/loadavg line"}}
	}

	l1, err1 := strconv.ParseFloat(fields[0], 64)
	l5, err5 := strconv.ParseFloat(fields[1], 64)
	l15, err15 := strconv.ParseFloat(fields[2], 64)
	if err1 != nil || err5 != nil || err15 != nil {
		return LoadRecord{Missing: true, Warnings: []string{"load: non-numeric load average field"}}
	}

	return LoadRecord{Load1: l1, Load5: l5, Load15: l15}
}

