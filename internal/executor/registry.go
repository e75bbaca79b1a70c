// Package executor runs the closed registry of collection commands
// against a leased SSH session and returns raw output for the Parser
// Suite. Callers cannot inject arbitrary shell strings — only the keys
// below exist.
package executor

import "time"

// Key identifies one registry entry. The zero value is not valid.
type Key string

const (
	KeyCPU     Key = "cpu"
	KeyMemory  Key = "memory"
	KeyDisk    Key = "disk"
	KeyNetwork Key = "network"
	KeySysInfo Key = "sysinfo"
	KeyUptime  Key = "uptime"
	KeyLoad    Key = "load"
)

// definition is one registry entry: a fixed command string and its
// default timeout. No entry is ever constructed from caller input.
type definition struct {
	command string
	timeout time.Duration
}

// registry is the closed, compile-time-checked command table. Commands
// rely only on /proc output or the standard coreutils documented here —
// nothing that assumes a particular distro's package layout.
var registry = map[Key]definition{
	KeyCPU:     {command: "cat /proc/stat", timeout: 5 * time.Second},
	KeyMemory:  {command: "free -b", timeout: 5 * time.Second},
	KeyDisk:    {command: "df -B1", timeout: 10 * time.Second},
	KeyNetwork: {command: "cat /proc/net/dev", timeout: 5 * time.Second},
	KeySysInfo: {command: "uname -a; cat /etc/os-release 2>/dev/null; cat /proc/cpuinfo; free -b; ip addr show 2>/dev/null", timeout: 10 * time.Second},
	KeyUptime:  {command: "uptime", timeout: 5 * time.Second},
	KeyLoad:    {command: "cat /proc/loadavg", timeout: 5 * time.Second},
}

// DefaultTimeout returns the registry's configured timeout for key, used
// when the caller does not override it via config.
func DefaultTimeout(key Key) (time.Duration, bool) {
	d, ok := registry[key]
	if !ok {
		return 0, false
	}
	return d.timeout, true
}

func lookup(key Key) (definition, bool) {
	d, ok := registry[key]
	return d, ok
}
