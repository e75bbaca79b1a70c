package parsers

import (
	"strconv"
	"strings"

	"github.com/cwatcher/cwatcher/internal/executor"
	"github.com/cwatcher/cwatcher/internal/model"
)

// pseudoFilesystems are skipped — they report usage that does not map
// to a real block device an operator would monitor disk space on.
var pseudoFilesystems = map[string]bool{
	"tmpfs": true, "devtmpfs": true, "overlay": true, "squashfs": true,
	"proc": true, "sysfs": true, "cgroup": true, "cgroup2": true,
}

// ParseDisk parses "df -B1" output: a header line then one row per
// mounted filesystem (filesystem, 1B-blocks, used, available, use%, mounted-on).
func ParseDisk(out executor.RawOutput) (model.DiskRecord, []string) {
	var warnings []string
	rec := model.DiskRecord{}

	lines := strings.Split(out.Stdout, "\n")
	if len(lines) < 2 {
		rec.Missing = true
		warnings = append(warnings, "disk: no data rows in df output")
		return rec, warnings
	}

	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		fsType := fields[0]
		if pseudoFilesystems[fsType] {
			continue
		}

		total, err1 := strconv.ParseUint(fields[1], 10, 64)
		used, err2 := strconv.ParseUint(fields[2], 10, 64)
		free, err3 := strconv.ParseUint(fields[3], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			warnings = append(warnings, "disk: malformed row for "+fsType)
			continue
		}

		part := model.DiskPartition{
			MountPoint: fields[len(fields)-1],
			TotalBytes: total,
			UsedBytes:  used,
			FreeBytes:  free,
		}
		if total > 0 {
			part.UsagePercent = float64(used) / float64(total) * 100.0
		}
		rec.Partitions = append(rec.Partitions, part)
	}

	if len(rec.Partitions) == 0 {
		rec.Missing = true
		warnings = append(warnings, "disk: no real filesystems found")
	}

	return rec, warnings
}
