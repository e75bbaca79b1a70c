package parsers

import (
	"strconv"
	"strings"
	"time"

	"github.com/cwatcher/cwatcher/internal/executor"
	"github.com/cwatcher/cwatcher/internal/model"
)

// NetCounter is one interface's cumulative byte counters from a single
// read of /proc/net/dev, retained per server by the caller and fed back
// on the next call so ParseNetwork can compute a rate.
type NetCounter struct {
	RxBytes uint64
	TxBytes uint64
}

// ParseNetwork parses "cat /proc/net/dev" output, skipping its two
// header lines. Rates are derived by differencing against prev's
// counters over interval; prev == nil (or a never-seen interface)
// yields Warmup with rates omitted. Counter decreases are treated as
// 64-bit wraparound, not negative rates, because uint64 subtraction in
// Go already wraps modulo 2^64.
func ParseNetwork(out executor.RawOutput, prev map[string]NetCounter, interval time.Duration) (model.NetworkRecord, map[string]NetCounter, []string) {
	var warnings []string
	rec := model.NetworkRecord{}
	next := make(map[string]NetCounter)

	lines := strings.Split(out.Stdout, "\n")
	if len(lines) < 3 {
		rec.Missing = true
		warnings = append(warnings, "network: /proc/net/dev too short")
		return rec, next, warnings
	}

	for _, line := range lines[2:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			warnings = append(warnings, "network: malformed row for "+name)
			continue
		}

		rx, err1 := strconv.ParseUint(fields[0], 10, 64)
		tx, err2 := strconv.ParseUint(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			warnings = append(warnings, "network: non-numeric counters for "+name)
			continue
		}

		cur := NetCounter{RxBytes: rx, TxBytes: tx}
		next[name] = cur

		iface := model.NetworkInterface{Name: name, RxBytes: rx, TxBytes: tx}

		prevCounter, seen := prev[name]
		if prev == nil || !seen || interval <= 0 {
			rec.Warmup = true
		} else {
			rxDelta := cur.RxBytes - prevCounter.RxBytes
			txDelta := cur.TxBytes - prevCounter.TxBytes
			seconds := interval.Seconds()
			iface.RxBps = float64(rxDelta) / seconds
			iface.TxBps = float64(txDelta) / seconds
		}

		rec.Interfaces = append(rec.Interfaces, iface)
	}

	if len(rec.Interfaces) == 0 {
		rec.Missing = true
		warnings = append(warnings, "network: no interfaces parsed")
	}

	return rec, next, warnings
}
