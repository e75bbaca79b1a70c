// Package model holds the data types shared across CWatcher's collection
// and distribution core: servers, samples, statuses, and subscriptions.
package model

import "time"

// AuthKind identifies how the Pool should authenticate to a Server.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
)

// EncryptedSecret is a ciphertext bundle produced by the Credential Vault.
// Plaintext never lives in this struct.
type EncryptedSecret struct {
	Algorithm     string `json:"algorithm"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
	KDFIterations int    `json:"kdf_iterations"`
}

// Server is a registered monitoring target.
type Server struct {
	ID                string
	Name              string
	Host              string
	Port              int
	Username          string
	AuthKind          AuthKind
	Secret            EncryptedSecret
	Tags              []string
	MonitoringEnabled bool
	DeletedAt         *time.Time
}

// MetricKind enumerates the four collected metric families.
type MetricKind string

const (
	MetricCPU     MetricKind = "cpu"
	MetricMemory  MetricKind = "memory"
	MetricDisk    MetricKind = "disk"
	MetricNetwork MetricKind = "network"
)

var AllMetricKinds = []MetricKind{MetricCPU, MetricMemory, MetricDisk, MetricNetwork}

// CPURecord is the parsed result of the "cpu" command.
type CPURecord struct {
	Missing      bool
	Warmup       bool // first sample for this server; usage is not meaningful
	UsagePercent float64
	Cores        int
	Load1, Load5, Load15 float64
	Warnings     []string
}

// MemoryRecord is the parsed result of the "memory" command.
type MemoryRecord struct {
	Missing          bool
	TotalBytes       uint64
	UsedBytes        uint64
	AvailableBytes   uint64
	SwapTotalBytes   uint64
	SwapUsedBytes    uint64
	UsagePercent     float64
	Warnings         []string
}

// DiskPartition is one mounted filesystem's usage.
type DiskPartition struct {
	MountPoint   string
	TotalBytes   uint64
	UsedBytes    uint64
	FreeBytes    uint64
	UsagePercent float64
}

// DiskRecord is the parsed result of the "disk" command.
type DiskRecord struct {
	Missing    bool
	Partitions []DiskPartition
	Warnings   []string
}

// NetworkInterface is one interface's instantaneous rates, derived by
// differencing two consecutive cumulative counter reads.
type NetworkInterface struct {
	Name    string
	RxBps   float64
	TxBps   float64
	RxBytes uint64 // cumulative counter, most recent read
	TxBytes uint64
}

// NetworkRecord is the parsed result of the "network" command.
type NetworkRecord struct {
	Missing    bool
	Warmup     bool // first sample for this server; no previous counters to diff against
	Interfaces []NetworkInterface
	Warnings   []string
}

// SystemInfo holds slow-changing host facts, refreshed on first connect and
// daily thereafter.
type SystemInfo struct {
	Hostname     string
	OSName       string
	OSVersion    string
	Kernel       string
	CPUModel     string
	CPUCores     int
	CPUThreads   int
	TotalRAM     uint64
	UptimeSeconds uint64
	Interfaces   []string
	CollectedAt  time.Time
}

// Status is the derived health of a Server.
type Status string

const (
	StatusOnline   Status = "online"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusOffline  Status = "offline"
	StatusUnknown  Status = "unknown"
)

// ServerStatus is the current health verdict for one Server.
type ServerStatus struct {
	ServerID  string
	Status    Status
	EnteredAt time.Time
	Reason    string
}

// StatusChangeEvent records a status transition for downstream broadcast.
type StatusChangeEvent struct {
	ServerID        string
	Prior           Status
	New             Status
	TriggerMetric   MetricKind
	ObservedValue   float64
	ThresholdCrossed float64
	At              time.Time
	Reason          string
}

// MetricsSample is one collection cycle's result for one server. Immutable
// once constructed; Seq is a per-server monotonically increasing counter
// assigned by the Scheduler.
type MetricsSample struct {
	ServerID  string
	Timestamp int64 // milliseconds since epoch, wall clock at cycle start
	Seq       uint64
	CPU       CPURecord
	Memory    MemoryRecord
	Disk      DiskRecord
	Network   NetworkRecord
	Status    Status
}
