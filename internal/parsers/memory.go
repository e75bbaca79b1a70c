package parsers

import (
	"strconv"
	"strings"

	"github.com/cwatcher/cwatcher/internal/executor"
	"github.com/cwatcher/cwatcher/internal/model"
)

// ParseMemory parses "free -b" output: a header line followed by a "Mem:"
// row and a "Swap:" row, columns total/used/free/shared/buff-cache/available.
func ParseMemory(out executor.RawOutput) (model.MemoryRecord, []string) {
	var warnings []string
	rec := model.MemoryRecord{}

	memFound, swapFound := false, false

	for _, line := range strings.Split(out.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "Mem:":
			vals, ok := parseUintFields(fields[1:])
			if !ok || len(vals) < 3 {
				warnings = append(warnings, "memory: malformed Mem: row")
				continue
			}
			rec.TotalBytes = vals[0]
			rec.UsedBytes = vals[1]
			if len(vals) >= 6 {
				rec.AvailableBytes = vals[5]
			} else {
				rec.AvailableBytes = vals[2]
			}
			memFound = true
		case "Swap:":
			vals, ok := parseUintFields(fields[1:])
			if !ok || len(vals) < 2 {
				warnings = append(warnings, "memory: malformed Swap: row")
				continue
			}
			rec.SwapTotalBytes = vals[0]
			rec.SwapUsedBytes = vals[1]
			swapFound = true
		}
	}

	if !memFound {
		rec.Missing = true
		warnings = append(warnings, "memory: no Mem: row found")
		return rec, warnings
	}
	if !swapFound {
		warnings = append(warnings, "memory: no Swap: row found")
	}

	if rec.TotalBytes > 0 {
		rec.UsagePercent = float64(rec.UsedBytes) / float64(rec.TotalBytes) * 100.0
	}

	return rec, warnings
}

func parseUintFields(fields []string) ([]uint64, bool) {
	vals := make([]uint64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, false
		}
		vals = append(vals, v)
	}
	return vals, true
}
