package parsers

import (
	"strconv"
	"strings"

	"github.com/cwatcher/cwatcher/internal/executor"
	"github.com/cwatcher/cwatcher/internal/model"
)

// ParseSysInfo parses the sysinfo registry command's combined output:
// "uname -a", /etc/os-release, /proc/cpuinfo, "free -b", and "ip addr
// show", concatenated in that order. Each section is best-effort; a
// missing section degrades the corresponding fields rather than failing
// the whole record.
func ParseSysInfo(out executor.RawOutput) (model.SystemInfo, []string) {
	var warnings []string
	info := model.SystemInfo{}

	lines := strings.Split(out.Stdout, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "Linux ") {
		fields := strings.Fields(lines[0])
		if len(fields) >= 2 {
			info.Hostname = fields[1]
		}
		if len(fields) >= 3 {
			info.Kernel = fields[2]
		}
	} else {
		warnings = append(warnings, "sysinfo: no uname -a line found")
	}

	threads := 0
	modelSeen := false
	for _, line := range lines {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			info.OSName = unquote(strings.TrimPrefix(line, "PRETTY_NAME="))
		}
		if strings.HasPrefix(line, "VERSION_ID=") {
			info.OSVersion = unquote(strings.TrimPrefix(line, "VERSION_ID="))
		}
		if strings.HasPrefix(line, "model name") && !modelSeen {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				info.CPUModel = strings.TrimSpace(parts[1])
				modelSeen = true
			}
		}
		if strings.HasPrefix(line, "processor") {
			threads++
		}
		if strings.HasPrefix(line, "cpu cores") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && n > info.CPUCores {
					info.CPUCores = n
				}
			}
		}
		if strings.HasPrefix(line, "Mem:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if v, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
					info.TotalRAM = v
				}
			}
		}
		if iface := extractInterfaceName(line); iface != "" {
			info.Interfaces = append(info.Interfaces, iface)
		}
	}
	info.CPUThreads = threads
	if info.CPUCores == 0 {
		info.CPUCores = threads
	}

	if info.OSName == "" {
		warnings = append(warnings, "sysinfo: no PRETTY_NAME in os-release")
	}
	if info.CPUModel == "" {
		warnings = append(warnings, "sysinfo: no model name in cpuinfo")
	}

	return info, warnings
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

// extractInterfaceName recognizes "ip addr show" header lines of the
// form "2: eth0: <BROADCAST,...".
func extractInterfaceName(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] < '0' || trimmed[0] > '9' {
		return ""
	}
	colon := strings.IndexByte(trimmed, ':')
	if colon < 0 {
		return ""
	}
	rest := trimmed[colon+1:]
	second := strings.IndexByte(rest, ':')
	if second < 0 {
		return ""
	}
	name := strings.TrimSpace(rest[:second])
	if name == "" || name == "lo" {
		return ""
	}
	return name
}
