package parsers

import (
	"strconv"
	"strings"

	"github.com/cwatcher/cwatcher/internal/executor"
)

// ParseUptime extracts an approximate uptime in seconds from "uptime"'s
// human-readable output (e.g. "up 3 days, 4:05"), in the unit of
// SystemInfo.UptimeSeconds; the collection cycle does not call it, so
// that field is left at zero. Locale and formatting vary widely across
// distros, so this is best-effort: failure yields 0 and a warning rather
// than a guess.
func ParseUptime(out executor.RawOutput) (uint64, []string) {
	line := strings.TrimSpace(out.Stdout)
	idx := strings.Index(line, "up ")
	if idx < 0 {
		return 0, []string{"uptime: no \"up\" marker found"}
	}
	rest := line[idx+3:]
	comma := strings.IndexByte(rest, ',')
	loadIdx := strings.Index(rest, "user")
	if loadIdx < 0 {
		loadIdx = strings.Index(rest, "load average")
	}

	var span string
	switch {
	case comma >= 0 && (loadIdx < 0 || comma < loadIdx):
		span = rest[:comma]
		remainder := rest[comma+1:]
		if hm := strings.TrimRight(strings.TrimSpace(firstToken(remainder)), ","); looksLikeClock(hm) {
			return parseDaysAndClock(span, hm)
		}
		return parseDaysOnly(span)
	default:
		return parseDaysAndClock("", strings.TrimSpace(firstToken(rest)))
	}
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func looksLikeClock(s string) bool {
	return strings.Contains(s, ":")
}

func parseDaysOnly(span string) (uint64, []string) {
	fields := strings.Fields(span)
	if len(fields) >= 1 {
		if n, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			if strings.Contains(span, "day") {
				return n * 86400, nil
			}
			if strings.Contains(span, "min") {
				return n * 60, nil
			}
		}
	}
	return 0, []string{"uptime: unrecognized duration format"}
}

func parseDaysAndClock(daySpan, clock string) (uint64, []string) {
	var seconds uint64
	if strings.Contains(daySpan, "day") {
		fields := strings.Fields(daySpan)
		if len(fields) >= 1 {
			if n, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
				seconds += n * 86400
			}
		}
	}
	parts := strings.Split(clock, ":")
	if len(parts) == 2 {
		h, err1 := strconv.ParseUint(parts[0], 10, 64)
		m, err2 := strconv.ParseUint(parts[1], 10, 64)
		if err1 == nil && err2 == nil {
			seconds += h*3600 + m*60
			return seconds, nil
		}
	}
	if seconds > 0 {
		return seconds, nil
	}
	return 0, []string{"uptime: unrecognized duration format"}
}
