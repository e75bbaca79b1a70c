// Package config loads CWatcher's closed set of configuration keys (spec
// §6) from the environment. There is no hot-reload: the process-wide
// configuration is immutable after Load returns, by design (spec §5).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved, immutable runtime configuration.
type Config struct {
	CollectionPeriod time.Duration
	CommandTimeout   map[string]time.Duration

	SSHConnectTimeout time.Duration
	SSHMaxPerServer   int
	SSHIdleTTL        time.Duration

	SampleRingCapacity int
	SinkBatchSize      int
	SinkBatchFlush     time.Duration

	HeartbeatInterval      time.Duration
	HeartbeatTimeoutMisses int
	WSSendQueue            int
	WSMaxConnections       int
	WSMaxPerIP             int
	WSMaxMessageBytes      int

	ThresholdDefaults map[string]MetricThreshold

	MasterKey      string
	KnownHostsPath string
	AllowTOFU      bool

	DBHost, DBPort, DBUser, DBPassword, DBName, DBSSLMode string
	ValkeyHost, ValkeyPort, ValkeyPassword                string

	HTTPAddr string
	GinMode  string
	LogLevel string
}

// MetricThreshold is the per-metric band configuration (spec §4.6).
type MetricThreshold struct {
	Warning        float64
	Critical       float64
	DebounceSamples int
}

// Load reads the closed key set from the environment, applying the
// defaults spec.md §4 and §6 specify. It never mutates global state and
// never re-reads the environment after returning.
func Load() (*Config, error) {
	cfg := &Config{
		CollectionPeriod: durationEnv("COLLECTION_PERIOD_S", 30*time.Second),
		CommandTimeout: map[string]time.Duration{
			"cpu":     durationEnv("COMMAND_TIMEOUT_S_CPU", 5*time.Second),
			"memory":  durationEnv("COMMAND_TIMEOUT_S_MEMORY", 5*time.Second),
			"disk":    durationEnv("COMMAND_TIMEOUT_S_DISK", 10*time.Second),
			"network": durationEnv("COMMAND_TIMEOUT_S_NETWORK", 5*time.Second),
			"sysinfo": durationEnv("COMMAND_TIMEOUT_S_SYSINFO", 10*time.Second),
			"uptime":  durationEnv("COMMAND_TIMEOUT_S_UPTIME", 5*time.Second),
			"load":    durationEnv("COMMAND_TIMEOUT_S_LOAD", 5*time.Second),
		},
		SSHConnectTimeout: durationEnv("SSH_CONNECT_TIMEOUT_S", 10*time.Second),
		SSHMaxPerServer:   intEnv("SSH_MAX_PER_SERVER", 3),
		SSHIdleTTL:        durationEnv("SSH_IDLE_TTL_S", 5*time.Minute),

		SampleRingCapacity: intEnv("SAMPLE_RING_CAPACITY", 240),
		SinkBatchSize:      intEnv("SINK_BATCH_SIZE", 64),
		SinkBatchFlush:     durationEnv("SINK_BATCH_FLUSH_MS", 5*time.Second),

		HeartbeatInterval:      durationEnv("HEARTBEAT_INTERVAL_S", 30*time.Second),
		HeartbeatTimeoutMisses: intEnv("HEARTBEAT_TIMEOUT_MISSES", 2),
		WSSendQueue:            intEnv("WS_SEND_QUEUE", 64),
		WSMaxConnections:       intEnv("WS_MAX_CONNECTIONS", 1000),
		WSMaxPerIP:             intEnv("WS_MAX_PER_IP", 10),
		WSMaxMessageBytes:      intEnv("WS_MAX_MESSAGE_BYTES", 16*1024),

		ThresholdDefaults: map[string]MetricThreshold{
			"cpu":     {Warning: floatEnv("THRESHOLD_CPU_WARNING", 80), Critical: floatEnv("THRESHOLD_CPU_CRITICAL", 90), DebounceSamples: intEnv("THRESHOLD_CPU_DEBOUNCE", 3)},
			"memory":  {Warning: floatEnv("THRESHOLD_MEMORY_WARNING", 85), Critical: floatEnv("THRESHOLD_MEMORY_CRITICAL", 95), DebounceSamples: intEnv("THRESHOLD_MEMORY_DEBOUNCE", 3)},
			"disk":    {Warning: floatEnv("THRESHOLD_DISK_WARNING", 85), Critical: floatEnv("THRESHOLD_DISK_CRITICAL", 95), DebounceSamples: intEnv("THRESHOLD_DISK_DEBOUNCE", 3)},
			"network": {Warning: floatEnv("THRESHOLD_NETWORK_WARNING", 0), Critical: floatEnv("THRESHOLD_NETWORK_CRITICAL", 0), DebounceSamples: intEnv("THRESHOLD_NETWORK_DEBOUNCE", 3)},
		},

		MasterKey:      os.Getenv("MASTER_KEY"),
		KnownHostsPath: getEnv("KNOWN_HOSTS_PATH", ""),
		AllowTOFU:      getEnv("ALLOW_TOFU", "false") == "true",

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "cwatcher"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "cwatcher"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ValkeyHost:     getEnv("VALKEY_HOST", "localhost"),
		ValkeyPort:     getEnv("VALKEY_PORT", "6379"),
		ValkeyPassword: getEnv("VALKEY_PASSWORD", ""),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		GinMode:  getEnv("GIN_MODE", "release"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("config: MASTER_KEY is required")
	}
	if cfg.SSHMaxPerServer < 1 || cfg.SSHMaxPerServer > 8 {
		return nil, fmt.Errorf("config: SSH_MAX_PER_SERVER must be in [1,8], got %d", cfg.SSHMaxPerServer)
	}
	if cfg.CollectionPeriod < 10*time.Second || cfg.CollectionPeriod > 300*time.Second {
		return nil, fmt.Errorf("config: COLLECTION_PERIOD_S must be in [10,300]s, got %s", cfg.CollectionPeriod)
	}

	return cfg, nil
}

// GetDSN mirrors the teacher's database config helper.
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// GetValkeyAddress mirrors the teacher's Valkey config helper.
func (c *Config) GetValkeyAddress() string {
	return fmt.Sprintf("%s:%s", c.ValkeyHost, c.ValkeyPort)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if strings.HasSuffix(v, "ms") {
			if n, err := strconv.Atoi(strings.TrimSuffix(v, "ms")); err == nil {
				return time.Duration(n) * time.Millisecond
			}
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
